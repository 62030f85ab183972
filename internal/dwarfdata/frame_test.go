package dwarfdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Builds a tiny synthetic CFI program equivalent to a typical Cortex-M
// prologue: push {r7, lr}; add r7, sp, #0 -- i.e. def_cfa(sp, 0), then
// after the push def_cfa_offset(8), offset(r7, -8), offset(lr, -4).
func TestEvaluateAtBuildsRuleTable(t *testing.T) {
	const spReg = 13
	const lrReg = 14
	const r7Reg = 7

	cie := &CIE{CodeAlignmentFactor: 2, DataAlignmentFactor: -4, ReturnAddressReg: lrReg}

	prog := []byte{}
	appendULEB := func(v uint64) {
		for {
			b := byte(v & 0x7f)
			v >>= 7
			if v != 0 {
				b |= 0x80
			}
			prog = append(prog, b)
			if v == 0 {
				break
			}
		}
	}

	// DW_CFA_def_cfa(sp, 0)
	prog = append(prog, 0x0c)
	appendULEB(spReg)
	appendULEB(0)
	// DW_CFA_advance_loc(1) -- one instruction (2 bytes) executed
	prog = append(prog, 0x41)
	// DW_CFA_def_cfa_offset(8)
	prog = append(prog, 0x0e)
	appendULEB(8)
	// DW_CFA_offset(r7, 2) -> actual offset = 2 * -4 = -8
	prog = append(prog, 0x80|r7Reg)
	appendULEB(2)
	// DW_CFA_offset(lr, 1) -> actual offset = 1 * -4 = -4
	prog = append(prog, 0x80|lrReg)
	appendULEB(1)

	fde := &FDE{CIE: cie, Low: 0x1000, High: 0x1010, Instructions: prog}

	rt, err := fde.EvaluateAt(0x1002)
	require.NoError(t, err)

	assert.Equal(t, uint64(spReg), rt.CFA.Reg)
	assert.Equal(t, int64(8), rt.CFA.Offset)

	r7Rule, ok := rt.Rules[r7Reg]
	require.True(t, ok)
	assert.Equal(t, RuleOffset, r7Rule.Kind)
	assert.Equal(t, int64(-8), r7Rule.Offset)

	lrRule, ok := rt.Rules[lrReg]
	require.True(t, ok)
	assert.Equal(t, int64(-4), lrRule.Offset)
}

func TestReadULEB128AndSLEB128(t *testing.T) {
	v, n := readULEB128([]byte{0xE5, 0x8E, 0x26})
	assert.Equal(t, uint64(624485), v)
	assert.Equal(t, 3, n)

	sv, n := readSLEB128([]byte{0x9b, 0xf1, 0x59})
	assert.Equal(t, int64(-624485), sv)
	assert.Equal(t, 3, n)
}
