package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBytesWithinRegion(t *testing.T) {
	r := &Region{Base: 0x2000_0000, Bytes: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	d := New([]*Region{r}, nil)

	got, err := d.ReadBytes(0x2000_0002, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, got)
}

func TestReadBytesUncaptured(t *testing.T) {
	r := &Region{Base: 0x2000_0000, Bytes: []byte{1, 2, 3, 4}}
	d := New([]*Region{r}, nil)

	_, err := d.ReadBytes(0x2000_0004, 4)
	assert.ErrorIs(t, err, ErrUncaptured)

	_, err = d.ReadBytes(0x3000_0000, 4)
	assert.ErrorIs(t, err, ErrUncaptured)
}

func TestReadU32LittleEndian(t *testing.T) {
	r := &Region{Base: 0, Bytes: []byte{0x78, 0x56, 0x34, 0x12}}
	d := New([]*Region{r}, nil)

	v, err := d.ReadU32(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v)
}

func TestRegisterLookupAndUnknown(t *testing.T) {
	core := NewRegisterFile("core", 4)
	core.Set(0, 0xAAAA)
	d := New(nil, []*RegisterFile{core})

	v, err := d.Register(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAAAA), v)

	_, err = d.Register(99)
	assert.ErrorIs(t, err, ErrUnknownRegister)
}

func TestCloneWithOverridesDoesNotMutateBase(t *testing.T) {
	core := NewRegisterFile("core", 4)
	core.Set(13, 0x1000) // SP
	d := New(nil, []*RegisterFile{core})

	clone := d.CloneWithOverrides()
	clone.RegisterWrite(13, 0x2000)

	v, err := clone.Register(13)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), v)

	v, err = d.Register(13)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), v, "base DeviceMemory must be unaffected by overlay writes")
}

func TestRegionsNonOverlappingLookup(t *testing.T) {
	a := &Region{Base: 0x0000_1000, Bytes: make([]byte, 0x1000)}
	b := &Region{Base: 0x2000_0000, Bytes: make([]byte, 0x100)}
	d := New([]*Region{a, b}, nil)

	_, err := d.ReadBytes(0x2000_0000, 0x10)
	assert.NoError(t, err)
	_, err = d.ReadBytes(0x0000_1000, 0x10)
	assert.NoError(t, err)
}
