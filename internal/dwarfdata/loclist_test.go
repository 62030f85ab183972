package dwarfdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDebugLocRoundTrips(t *testing.T) {
	// One range [0x100,0x110) -> {0x91 0x00} (DW_OP_fbreg 0), terminated
	// by a (0,0) pair, against a base of 0x1000.
	data := []byte{
		0x00, 0x01, 0x00, 0x00, 0x10, 0x01, 0x00, 0x00, // begin=0x100 end=0x110
		0x02, 0x00, 0x91, 0x00, // length=2, expr
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // terminator
	}
	entries, err := parseDebugLoc(data, 0x1000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0x1100), entries[0].Low)
	assert.Equal(t, uint64(0x1110), entries[0].High)
	assert.Equal(t, []byte{0x91, 0x00}, entries[0].Expr)
}

func TestEntryForPCSelectsCoveringRange(t *testing.T) {
	entries := []LocListEntry{
		{Low: 0x100, High: 0x200, Expr: []byte{0xAA}},
		{Low: 0x200, High: 0x300, Expr: []byte{0xBB}},
	}
	e, ok := EntryForPC(entries, 0x250)
	require.True(t, ok)
	assert.Equal(t, []byte{0xBB}, e.Expr)

	_, ok = EntryForPC(entries, 0x400)
	assert.False(t, ok)
}

func TestParseLocListsOffsetPair(t *testing.T) {
	data := []byte{
		dwLLEOffsetPair, 0x10, 0x20, 0x02, 0xAA, 0xBB,
		dwLLEEndOfList,
	}
	entries, err := parseLocLists(data, 0x1000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(0x1010), entries[0].Low)
	assert.Equal(t, uint64(0x1020), entries[0].High)
	assert.Equal(t, []byte{0xAA, 0xBB}, entries[0].Expr)
}
