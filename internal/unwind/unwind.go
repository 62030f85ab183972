// Package unwind implements the Platform interface and its sole
// supported target, Cortex-M: unwinding the call stack frame-by-frame
// from DWARF Call Frame Information plus ARM exception-frame conventions.
//
// The algorithm's shape -- walk a func/PC table, read a per-function
// table of recovery info, reconstruct the caller's registers, repeat
// until a termination condition -- is the same loop a Go runtime
// goroutine unwinder uses, generalized from a fixed frame-pointer
// convention to DWARF CFI-driven recovery with the Cortex-M
// exception-frame wrinkle.
package unwind

import (
	"fmt"

	"github.com/armtrace/stackdump/arch"
	"github.com/armtrace/stackdump/internal/dwarfdata"
	"github.com/armtrace/stackdump/internal/memory"
)

// Kind tags a raw (pre-inlining) frame.
type Kind int

const (
	KindFunction Kind = iota
	KindException
)

// RawFrame is a raw, pre-inlining-expansion frame: pc/register_file/cfa,
// before FrameAssembler expands it into logical frames.
type RawFrame struct {
	PC        uint64
	Registers map[uint32]uint64
	CFA       memory.Address
	Kind      Kind
	// VectorName is set only for KindException frames, naming the
	// interrupt/exception vector when the caller supplied a name table.
	VectorName string
}

// Platform is the capability set a target architecture must provide:
// pc/sp register numbers, endianness and pointer size (via Arch), and the
// unwind algorithm itself. New targets implement this interface; the
// rest of the tracer is platform-neutral.
type Platform interface {
	PCRegister() uint32
	SPRegister() uint32
	Arch() arch.Architecture
	// Unwind walks from the captured register file to the outermost
	// frame, up to maxFrames, stopping once the stack pointer stops
	// advancing or no further unwind info is available.
	Unwind(mem *memory.DeviceMemory, loader *dwarfdata.Loader, maxFrames int, vectorName func(excReturn uint64) string) ([]RawFrame, error)
}

// CortexM is the Platform implementation for 32-bit ARM Cortex-M, the
// sole supported target.
type CortexM struct{}

const (
	regR0  = 0
	regR1  = 1
	regR2  = 2
	regR3  = 3
	regR12 = 12
	regSP  = 13
	regLR  = 14
	regPC  = 15
	regPSR = 16 // synthetic DWARF register number used for xPSR in this tracer
)

func (CortexM) PCRegister() uint32 { return regPC }
func (CortexM) SPRegister() uint32 { return regSP }
func (CortexM) Arch() arch.Architecture { return arch.CortexM }

// readWord reads one architecture-sized word (pointer width, little- or
// big-endian per a) from mem at addr.
func readWord(mem *memory.DeviceMemory, addr memory.Address, a arch.Architecture) (uint64, error) {
	buf, err := mem.ReadBytes(addr, int64(a.PointerSize))
	if err != nil {
		return 0, err
	}
	return a.Uintptr(buf), nil
}

// excReturnMagicMask / excReturnMagicValue detect the ARM EXC_RETURN
// pattern: the top nibble of the recovered return address is 0xF.
const (
	excReturnMagicMask  = 0xF0000000
	excReturnMagicValue = 0xF0000000
)

func isExceptionReturn(addr uint64) bool {
	return addr&excReturnMagicMask == excReturnMagicValue
}

// Unwind walks the call stack frame-by-frame using DWARF CFI, handling
// the Cortex-M hardware exception frame as a special case.
func (p CortexM) Unwind(mem *memory.DeviceMemory, loader *dwarfdata.Loader, maxFrames int, vectorName func(uint64) string) ([]RawFrame, error) {
	a := p.Arch()
	regs, err := snapshotRegisters(mem)
	if err != nil {
		return nil, fmt.Errorf("unwind: reading initial register snapshot: %w", err)
	}
	pc := regs[regPC]
	var frames []RawFrame
	sp := regs[regSP]

	for len(frames) < maxFrames {
		if pc == 0 {
			break
		}
		fde, ok := loader.FDEForPC(pc)
		if !ok {
			break // no FDE covers pc: stop, keep frames collected so far
		}
		rt, err := fde.EvaluateAt(pc)
		if err != nil {
			break
		}
		cfa, err := computeCFA(rt.CFA, regs, mem)
		if err != nil {
			break
		}

		frames = append(frames, RawFrame{PC: pc, Registers: cloneRegs(regs), CFA: cfa, Kind: KindFunction})

		caller, err := recoverCallerRegisters(rt, regs, mem, cfa, a)
		if err != nil {
			break
		}
		newSP := caller[regSP]
		if newSP == 0 {
			newSP = uint64(cfa)
			caller[regSP] = newSP
		}
		newPC := caller[uint32(fde.CIE.ReturnAddressReg)]

		if isExceptionReturn(newPC) {
			name := ""
			if vectorName != nil {
				name = vectorName(newPC)
			}
			frames = append(frames, RawFrame{PC: newPC, CFA: cfa, Kind: KindException, VectorName: name})

			excFrame, hasFP, err := readExceptionFrame(mem, cfa, a, newPC)
			if err != nil {
				break
			}
			caller = excFrame
			newSP = uint64(cfa) + uint64(exceptionFrameWords(hasFP)*int64(a.PointerSize))
			caller[regSP] = newSP
			newPC = caller[regPC]
		}

		// Termination: stack pointer must advance, or we're in a loop.
		if newSP <= sp {
			break
		}
		sp = newSP
		pc = newPC
		regs = caller
	}
	return frames, nil
}

func snapshotRegisters(mem *memory.DeviceMemory) (map[uint32]uint64, error) {
	regs := map[uint32]uint64{}
	for n := uint32(0); n <= regPC; n++ {
		v, err := mem.Register(n)
		if err != nil {
			if n == regPC || n == regSP {
				return nil, err
			}
			continue
		}
		regs[n] = v
	}
	return regs, nil
}

func cloneRegs(r map[uint32]uint64) map[uint32]uint64 {
	out := make(map[uint32]uint64, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// computeCFA evaluates the CFA rule built by FDE.EvaluateAt against the
// current register file.
func computeCFA(rule dwarfdata.CFARule, regs map[uint32]uint64, mem *memory.DeviceMemory) (memory.Address, error) {
	if rule.IsExpression {
		return 0, fmt.Errorf("unwind: DW_CFA_def_cfa_expression not supported")
	}
	base, ok := regs[uint32(rule.Reg)]
	if !ok {
		return 0, fmt.Errorf("unwind: CFA register %d not available", rule.Reg)
	}
	return memory.Address(int64(base) + rule.Offset), nil
}

// recoverCallerRegisters applies each RuleTable entry against the
// current registers and device memory to reconstruct the caller's
// register file.
func recoverCallerRegisters(rt *dwarfdata.RuleTable, regs map[uint32]uint64, mem *memory.DeviceMemory, cfa memory.Address, a arch.Architecture) (map[uint32]uint64, error) {
	caller := map[uint32]uint64{}
	for reg, rule := range rt.Rules {
		switch rule.Kind {
		case dwarfdata.RuleSameValue:
			if v, ok := regs[uint32(reg)]; ok {
				caller[uint32(reg)] = v
			}
		case dwarfdata.RuleOffset:
			addr := memory.Address(int64(cfa) + rule.Offset)
			v, err := readWord(mem, addr, a)
			if err != nil {
				return nil, err
			}
			caller[uint32(reg)] = v
		case dwarfdata.RuleValOffset:
			caller[uint32(reg)] = uint64(int64(cfa) + rule.Offset)
		case dwarfdata.RuleRegister:
			if v, ok := regs[uint32(rule.Reg)]; ok {
				caller[uint32(reg)] = v
			}
		case dwarfdata.RuleUndefined:
			// leave unset
		default:
			// Expression/ValExpression rules would need a full location
			// evaluator against (cfa, regs); rare in practice for
			// callee-saved registers, so they're treated as undefined rather
			// than fatal.
		}
	}
	caller[regSP] = uint64(cfa)
	return caller, nil
}

// readExceptionFrame reads the hardware-pushed ARM exception frame from
// the stack at cfa: R0-R3, R12, LR, PC, xPSR, and,
// when the FType bit of EXC_RETURN is clear, 18 additional FPU words.
func readExceptionFrame(mem *memory.DeviceMemory, cfa memory.Address, a arch.Architecture, excReturn uint64) (map[uint32]uint64, bool, error) {
	words := make([]uint64, 8)
	for i := range words {
		v, err := readWord(mem, cfa.Add(int64(i*a.PointerSize)), a)
		if err != nil {
			return nil, false, err
		}
		words[i] = v
	}
	caller := map[uint32]uint64{
		regR0:  words[0],
		regR1:  words[1],
		regR2:  words[2],
		regR3:  words[3],
		regR12: words[4],
		regLR:  words[5],
		regPC:  words[6],
		regPSR: words[7],
	}
	// FType: EXC_RETURN bit 4 clear means an extended (FP) frame was
	// stacked. The exact EXC_RETURN value lives in LR at the time of
	// exception entry, which the caller (Unwind) already has as newPC and
	// passes in as excReturn.
	hasFP := excReturn&0x10 == 0
	return caller, hasFP, nil
}

func exceptionFrameWords(hasFP bool) int64 {
	if hasFP {
		return 8 + 18
	}
	return 8
}
