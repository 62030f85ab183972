package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armtrace/stackdump/internal/memory"
	"github.com/armtrace/stackdump/internal/snapshot"
)

func TestDefaultOptionsShowsInlinedFunctions(t *testing.T) {
	opt := DefaultOptions()
	assert.True(t, opt.ShowInlinedFunctions)
	assert.Equal(t, DefaultMaxFrames, opt.MaxFrames)
}

func TestDeviceMemoryFromRoundTrips(t *testing.T) {
	regions := []*memory.Region{{Base: 0x2000_0000, Bytes: []byte{1, 2, 3, 4}}}
	var buf bytes.Buffer
	require.NoError(t, snapshot.Encode(&buf, regions, nil))

	path := filepath.Join(t.TempDir(), "snap.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	mem, err := DeviceMemoryFrom(path)
	require.NoError(t, err)
	got, err := mem.ReadBytes(0x2000_0000, 4)
	require.NoError(t, err)
	require.Equal(t, regions[0].Bytes, got)
}
