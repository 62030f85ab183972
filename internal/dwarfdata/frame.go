// Call Frame Information (CFI) parsing: the tables that tell the
// unwinder how to recover a caller's registers and Canonical Frame
// Address (CFA) from a callee's. There is no stdlib package for this
// (debug/dwarf stops at type/variable DIEs), so this is a from-scratch
// reader of .debug_frame/.eh_frame, modeled as a small tagged-opcode
// interpreter over a byte stream -- the same shape internal/locexpr uses
// for DWARF location-expression evaluation.
package dwarfdata

import (
	"encoding/binary"
	"fmt"
)

// RuleKind tags how a single register is recovered at a given PC.
type RuleKind int

const (
	RuleUndefined RuleKind = iota
	RuleSameValue
	RuleOffset       // value at CFA + Offset
	RuleValOffset    // value is CFA + Offset (not a memory read)
	RuleRegister     // value is the (unwound) contents of another register
	RuleExpression   // value is at the address DWARF expression Expr evaluates to
	RuleValExpression // value is whatever DWARF expression Expr evaluates to
)

// Rule is one entry in a RuleTable.
type Rule struct {
	Kind   RuleKind
	Offset int64
	Reg    uint64
	Expr   []byte
}

// CFARule describes how to compute the Canonical Frame Address.
type CFARule struct {
	IsExpression bool
	Reg          uint64
	Offset       int64
	Expr         []byte
}

// RuleTable is the per-PC snapshot of register recovery rules, built by
// running a CIE's initial instructions followed by an FDE's instructions
// up to (and including) the row containing the query PC.
type RuleTable struct {
	CFA   CFARule
	Rules map[uint64]Rule
}

// CIE is a Common Information Entry: the part of CFI shared by every FDE
// that references it (code/data alignment factors, the return-address
// register, and a prologue of initial instructions).
type CIE struct {
	CodeAlignmentFactor uint64
	DataAlignmentFactor int64
	ReturnAddressReg    uint64
	InitialInstructions []byte
}

// FDE is a Frame Description Entry: the CFI program covering one
// function's address range.
type FDE struct {
	CIE          *CIE
	Low, High    uint64
	Instructions []byte
}

type frameIndex struct {
	fdes []*FDE
}

// FDEForPC finds the FDE covering pc. When multiple overlapping FDEs
// exist, the narrowest one wins.
func (l *Loader) FDEForPC(pc uint64) (*FDE, bool) {
	if l.frame == nil {
		return nil, false
	}
	var best *FDE
	for _, f := range l.frame.fdes {
		if f.Low <= pc && pc < f.High {
			if best == nil || (f.High-f.Low) < (best.High-best.Low) {
				best = f
			}
		}
	}
	return best, best != nil
}

func (l *Loader) indexFrames() error {
	sec := l.elf.Section(".debug_frame")
	eh := false
	if sec == nil {
		sec = l.elf.Section(".eh_frame")
		eh = true
	}
	if sec == nil {
		// No CFI at all; the unwinder will stop after the innermost frame
		// and the trace is still partially useful.
		l.frame = &frameIndex{}
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return err
	}
	idx, err := parseFrameSection(data, sec.Addr, eh, l.byteOrder)
	if err != nil {
		return err
	}
	l.frame = idx
	return nil
}

func parseFrameSection(data []byte, sectionAddr uint64, eh bool, bo byteOrderKind) (*frameIndex, error) {
	order := binary.ByteOrder(binary.LittleEndian)
	if bo == bigEndian {
		order = binary.BigEndian
	}
	idx := &frameIndex{}
	cies := map[uint64]*CIE{}

	off := uint64(0)
	for off < uint64(len(data)) {
		entryOff := off
		length, n := readU32(data[off:], order)
		off += uint64(n)
		if length == 0 {
			break // zero terminator entry
		}
		if length == 0xffffffff {
			return nil, fmt.Errorf("dwarfdata: 64-bit DWARF CFI length not supported")
		}
		entryEnd := off + uint64(length)
		if entryEnd > uint64(len(data)) {
			return nil, fmt.Errorf("dwarfdata: CFI entry overruns section")
		}
		cieIDOff := off
		cieID, n := readU32(data[off:], order)
		off += uint64(n)

		isCIE := (eh && cieID == 0) || (!eh && cieID == 0xffffffff)
		if isCIE {
			cie, err := parseCIE(data[off:entryEnd], order)
			if err != nil {
				return nil, err
			}
			cies[entryOff] = cie
			off = entryEnd
			continue
		}

		var cieKey uint64
		if eh {
			// eh_frame stores a backward offset from the CIE-pointer field.
			cieKey = cieIDOff - cieID
		} else {
			cieKey = cieID
		}
		cie, ok := cies[cieKey]
		if !ok {
			// CIE defined after its FDE, or in a section layout this
			// simplified reader doesn't handle; skip rather than fail
			// the whole trace.
			off = entryEnd
			continue
		}
		initialLoc, n := readUintptr(data[off:], order)
		off += uint64(n)
		rangeLen, n := readUintptr(data[off:], order)
		off += uint64(n)
		// .debug_frame encodes initial_location as an absolute address.
		// .eh_frame commonly encodes it PC-relative to the field itself
		// (DW_EH_PE_pcrel); firmware images traced by this tool ship
		// .debug_frame, so the simpler absolute interpretation is used for
		// both here. A PE/Mach-O style eh_frame with pcrel+sdata4
		// augmentation is out of scope.
		fde := &FDE{CIE: cie, Low: initialLoc, High: initialLoc + rangeLen, Instructions: data[off:entryEnd]}
		idx.fdes = append(idx.fdes, fde)
		off = entryEnd
	}
	return idx, nil
}

func parseCIE(b []byte, order binary.ByteOrder) (*CIE, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("dwarfdata: truncated CIE")
	}
	version := b[0]
	i := 1
	// Augmentation string, NUL-terminated.
	start := i
	for i < len(b) && b[i] != 0 {
		i++
	}
	aug := string(b[start:i])
	i++ // skip NUL
	if version >= 4 {
		// address_size, segment_selector_size
		i += 2
	}
	caf, n := readULEB128(b[i:])
	i += n
	daf, n := readSLEB128(b[i:])
	i += n
	if version == 1 {
		// DWARF2 CIEs store the return register as a single byte.
		if i >= len(b) {
			return nil, fmt.Errorf("dwarfdata: truncated CIE return register")
		}
		raReg := uint64(b[i])
		i++
		if aug != "" && aug[0] == 'z' {
			// Skip augmentation data length + bytes, best effort.
			augLen, n := readULEB128(b[i:])
			i += n + int(augLen)
		}
		return &CIE{CodeAlignmentFactor: caf, DataAlignmentFactor: daf, ReturnAddressReg: raReg, InitialInstructions: b[i:]}, nil
	}
	raReg, n := readULEB128(b[i:])
	i += n
	if aug != "" && aug[0] == 'z' {
		augLen, n := readULEB128(b[i:])
		i += n + int(augLen)
	}
	return &CIE{CodeAlignmentFactor: caf, DataAlignmentFactor: daf, ReturnAddressReg: raReg, InitialInstructions: b[i:]}, nil
}

// EvaluateAt runs the CIE's initial instructions and then the FDE's
// instructions up to (and including) the row that covers pc, producing
// the RuleTable the unwinder needs for that exact PC.
func (f *FDE) EvaluateAt(pc uint64) (*RuleTable, error) {
	rt := &RuleTable{Rules: map[uint64]Rule{}}
	loc := f.Low

	type savedState struct {
		cfa   CFARule
		rules map[uint64]Rule
		loc   uint64
	}
	var stack []savedState

	run := func(prog []byte) error {
		i := 0
		for i < len(prog) {
			op := prog[i]
			i++
			high := op & 0xc0
			low := op & 0x3f
			switch {
			case high == 0x40: // DW_CFA_advance_loc
				loc += uint64(low) * f.CIE.CodeAlignmentFactor
			case high == 0x80: // DW_CFA_offset
				off, n := readULEB128(prog[i:])
				i += n
				rt.Rules[uint64(low)] = Rule{Kind: RuleOffset, Offset: int64(off) * f.CIE.DataAlignmentFactor}
			case high == 0xc0: // DW_CFA_restore
				delete(rt.Rules, uint64(low))
			default:
				switch op {
				case 0x00: // nop
				case 0x01: // set_loc
					v, n := readUintptrN(prog[i:], order(f))
					i += n
					loc = v
				case 0x02: // advance_loc1
					loc += uint64(prog[i]) * f.CIE.CodeAlignmentFactor
					i++
				case 0x03: // advance_loc2
					v := binary.LittleEndian.Uint16(prog[i:])
					i += 2
					loc += uint64(v) * f.CIE.CodeAlignmentFactor
				case 0x04: // advance_loc4
					v := binary.LittleEndian.Uint32(prog[i:])
					i += 4
					loc += uint64(v) * f.CIE.CodeAlignmentFactor
				case 0x05: // offset_extended
					reg, n := readULEB128(prog[i:])
					i += n
					off, n := readULEB128(prog[i:])
					i += n
					rt.Rules[reg] = Rule{Kind: RuleOffset, Offset: int64(off) * f.CIE.DataAlignmentFactor}
				case 0x06: // restore_extended
					reg, n := readULEB128(prog[i:])
					i += n
					delete(rt.Rules, reg)
				case 0x07: // undefined
					reg, n := readULEB128(prog[i:])
					i += n
					rt.Rules[reg] = Rule{Kind: RuleUndefined}
				case 0x08: // same_value
					reg, n := readULEB128(prog[i:])
					i += n
					rt.Rules[reg] = Rule{Kind: RuleSameValue}
				case 0x09: // register
					reg, n := readULEB128(prog[i:])
					i += n
					other, n := readULEB128(prog[i:])
					i += n
					rt.Rules[reg] = Rule{Kind: RuleRegister, Reg: other}
				case 0x0a: // remember_state
					saved := map[uint64]Rule{}
					for k, v := range rt.Rules {
						saved[k] = v
					}
					stack = append(stack, savedState{cfa: rt.CFA, rules: saved, loc: loc})
				case 0x0b: // restore_state
					if len(stack) > 0 {
						s := stack[len(stack)-1]
						stack = stack[:len(stack)-1]
						rt.CFA = s.cfa
						rt.Rules = s.rules
						loc = s.loc
					}
				case 0x0c: // def_cfa
					reg, n := readULEB128(prog[i:])
					i += n
					off, n := readULEB128(prog[i:])
					i += n
					rt.CFA = CFARule{Reg: reg, Offset: int64(off)}
				case 0x0d: // def_cfa_register
					reg, n := readULEB128(prog[i:])
					i += n
					rt.CFA.Reg = reg
					rt.CFA.IsExpression = false
				case 0x0e: // def_cfa_offset
					off, n := readULEB128(prog[i:])
					i += n
					rt.CFA.Offset = int64(off)
				case 0x0f: // def_cfa_expression
					l, n := readULEB128(prog[i:])
					i += n
					rt.CFA = CFARule{IsExpression: true, Expr: prog[i : i+int(l)]}
					i += int(l)
				case 0x10: // expression
					reg, n := readULEB128(prog[i:])
					i += n
					l, n := readULEB128(prog[i:])
					i += n
					rt.Rules[reg] = Rule{Kind: RuleExpression, Expr: prog[i : i+int(l)]}
					i += int(l)
				case 0x11: // offset_extended_sf
					reg, n := readULEB128(prog[i:])
					i += n
					off, n := readSLEB128(prog[i:])
					i += n
					rt.Rules[reg] = Rule{Kind: RuleOffset, Offset: off * f.CIE.DataAlignmentFactor}
				case 0x12: // def_cfa_sf
					reg, n := readULEB128(prog[i:])
					i += n
					off, n := readSLEB128(prog[i:])
					i += n
					rt.CFA = CFARule{Reg: reg, Offset: off * f.CIE.DataAlignmentFactor}
				case 0x13: // def_cfa_offset_sf
					off, n := readSLEB128(prog[i:])
					i += n
					rt.CFA.Offset = off * f.CIE.DataAlignmentFactor
				case 0x14: // val_offset
					reg, n := readULEB128(prog[i:])
					i += n
					off, n := readULEB128(prog[i:])
					i += n
					rt.Rules[reg] = Rule{Kind: RuleValOffset, Offset: int64(off) * f.CIE.DataAlignmentFactor}
				case 0x15: // val_offset_sf
					reg, n := readULEB128(prog[i:])
					i += n
					off, n := readSLEB128(prog[i:])
					i += n
					rt.Rules[reg] = Rule{Kind: RuleValOffset, Offset: off * f.CIE.DataAlignmentFactor}
				case 0x16: // val_expression
					reg, n := readULEB128(prog[i:])
					i += n
					l, n := readULEB128(prog[i:])
					i += n
					rt.Rules[reg] = Rule{Kind: RuleValExpression, Expr: prog[i : i+int(l)]}
					i += int(l)
				default:
					return fmt.Errorf("dwarfdata: unsupported CFA opcode 0x%02x", op)
				}
			}
			if loc > pc {
				return nil
			}
		}
		return nil
	}

	if err := run(f.CIE.InitialInstructions); err != nil {
		return nil, err
	}
	if err := run(f.Instructions); err != nil {
		return nil, err
	}
	return rt, nil
}

func order(f *FDE) binary.ByteOrder { return binary.LittleEndian }

func readU32(b []byte, order binary.ByteOrder) (uint64, int) {
	return uint64(order.Uint32(b[:4])), 4
}

func readUintptr(b []byte, order binary.ByteOrder) (uint64, int) {
	// Cortex-M images are always 32-bit.
	return uint64(order.Uint32(b[:4])), 4
}

func readUintptrN(b []byte, order binary.ByteOrder) (uint64, int) {
	return readUintptr(b, order)
}

func readULEB128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	i := 0
	for {
		v := b[i]
		i++
		result |= uint64(v&0x7f) << shift
		if v&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, i
}

func readSLEB128(b []byte) (int64, int) {
	var result int64
	var shift uint
	i := 0
	var v byte
	for {
		v = b[i]
		i++
		result |= int64(v&0x7f) << shift
		shift += 7
		if v&0x80 == 0 {
			break
		}
	}
	if shift < 64 && v&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i
}
