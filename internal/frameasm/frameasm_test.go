package frameasm

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/armtrace/stackdump/internal/unwind"
)

func unboundedEntry() *dwarf.Entry {
	return &dwarf.Entry{Tag: dwarf.TagLexDwarfBlock}
}

func TestAssembleExceptionFrame(t *testing.T) {
	a := &Assembler{}
	frames, err := a.Assemble(unwind.RawFrame{Kind: unwind.KindException, VectorName: "HardFault"})
	assert.NoError(t, err)
	assert.Len(t, frames, 1)
	assert.True(t, frames[0].Exception)
	assert.Equal(t, "HardFault", frames[0].VectorName)
}

func TestEntryCoversOrUnbounded(t *testing.T) {
	// An entry with no low_pc attribute is treated as always in scope.
	assert.True(t, entryCoversOrUnbounded(unboundedEntry(), 0x1234))
}
