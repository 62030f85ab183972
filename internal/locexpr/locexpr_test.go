package locexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armtrace/stackdump/internal/memory"
)

func newMem() *memory.DeviceMemory {
	core := memory.NewRegisterFile("core", 4)
	core.Set(7, 0x2000_0010) // r7, frame pointer
	return memory.New(nil, []*memory.RegisterFile{core})
}

func TestEvaluateFbregThroughFrameBase(t *testing.T) {
	ev := NewEvaluator(newMem())
	fc := FrameContext{
		FrameBase: func() (VariableLocation, error) {
			return Memory(0x2000_0010), nil
		},
	}
	// DW_OP_fbreg -4
	expr := []byte{0x91, 0x7c}
	loc := ev.Evaluate(expr, fc)
	require.Equal(t, KindMemory, loc.Kind)
	assert.Equal(t, memory.Address(0x2000_000c), loc.Address)
}

func TestEvaluateBareRegister(t *testing.T) {
	ev := NewEvaluator(newMem())
	// DW_OP_reg7
	loc := ev.Evaluate([]byte{0x57}, FrameContext{})
	assert.Equal(t, KindRegister, loc.Kind)
	assert.Equal(t, uint32(7), loc.Register)
}

func TestEvaluateStackValue(t *testing.T) {
	ev := NewEvaluator(newMem())
	// DW_OP_lit5, DW_OP_stack_value
	loc := ev.Evaluate([]byte{0x30 + 5, 0x9f}, FrameContext{})
	require.Equal(t, KindValue, loc.Kind)
	assert.Equal(t, uint32(5), ev.ByteOrder.Uint32(loc.Bytes))
}

func TestEvaluateDerefUncapturedBecomesNeedsMemory(t *testing.T) {
	ev := NewEvaluator(newMem())
	// DW_OP_addr 0xDEADBEEF, DW_OP_deref
	expr := []byte{0x03, 0xEF, 0xBE, 0xAD, 0xDE, 0x06}
	loc := ev.Evaluate(expr, FrameContext{})
	require.Equal(t, KindUnavailable, loc.Kind)
	assert.Equal(t, ReasonNeedsMemory, loc.Reason)
}

func TestEvaluateEntryValueWithoutEntryRegsIsUnavailable(t *testing.T) {
	ev := NewEvaluator(newMem())
	// DW_OP_entry_value, length=1, DW_OP_reg0
	expr := []byte{0xa3, 0x01, 0x50}
	loc := ev.Evaluate(expr, FrameContext{})
	require.Equal(t, KindUnavailable, loc.Kind)
	assert.Equal(t, ReasonNeedsEntryValue, loc.Reason)
}
