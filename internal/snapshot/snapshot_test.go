package snapshot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armtrace/stackdump/internal/memory"
)

func TestRoundTrip(t *testing.T) {
	regions := []*memory.Region{
		{Base: 0x2000_0000, Bytes: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Base: 0x0800_0000, Bytes: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}
	core := memory.NewRegisterFile("core", 4)
	core.Set(13, 0x2000_0010) // SP
	core.Set(15, 0x0800_0100) // PC
	registers := []*memory.RegisterFile{core}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, regions, registers))

	d, err := Decode(&buf)
	require.NoError(t, err)

	got, err := d.ReadBytes(0x2000_0000, 8)
	require.NoError(t, err)
	assert.Equal(t, regions[0].Bytes, got)

	got, err = d.ReadBytes(0x0800_0000, 4)
	require.NoError(t, err)
	assert.Equal(t, regions[1].Bytes, got)

	sp, err := d.Register(13)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000_0010), sp)
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x01, 0x00, 0x00}))
	assert.Error(t, err)
}

func TestDecodeSkipsUnknownRecordKind(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRecord(&buf, 0x7F, []byte{1, 2, 3}))
	d, err := Decode(&buf)
	require.NoError(t, err)
	assert.Empty(t, d.Regions())
}
