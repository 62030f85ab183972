// Package locexpr evaluates DWARF location expressions against a
// DeviceMemory + register file, producing a VariableLocation result.
// Location lists are resolved to a single expression by dwarfdata first.
//
// The evaluator is a tagged-opcode dispatch over a bounded operand
// stack -- a small stack machine, not a recursive evaluator -- the same
// shape delve's op.ExecuteStackProgram uses, reimplemented directly here
// since delve's op/regnum packages aren't a dependency of this module.
package locexpr

import (
	"encoding/binary"
	"fmt"

	"github.com/armtrace/stackdump/arch"
	"github.com/armtrace/stackdump/internal/memory"
)

// Kind discriminates VariableLocation.
type Kind int

const (
	KindMemory Kind = iota
	KindRegister
	KindValue
	KindPiecewise
	KindUnavailable
)

// UnavailableReason tags why a location couldn't be computed.
type UnavailableReason int

const (
	ReasonOptimizedAway UnavailableReason = iota
	ReasonNoLocationForPC
	ReasonNeedsMemory
	ReasonNeedsEntryValue
	ReasonEvalError
)

func (r UnavailableReason) String() string {
	switch r {
	case ReasonOptimizedAway:
		return "OptimizedAway"
	case ReasonNoLocationForPC:
		return "Location list not found for the current PC value"
	case ReasonNeedsMemory:
		return "NeedsMemory"
	case ReasonNeedsEntryValue:
		return "NeedsEntryValue"
	default:
		return "EvalError"
	}
}

// Piece is one contiguous chunk of a Piecewise location.
type Piece struct {
	Loc     VariableLocation
	BitSize int64
}

// VariableLocation is the result of evaluating one variable's location.
type VariableLocation struct {
	Kind Kind

	Address memory.Address // KindMemory

	Register     uint32 // KindRegister
	RegByteOff   int64  // KindRegister, nonzero when a piece selects part of a register

	Bytes []byte // KindValue (DW_OP_stack_value)

	Pieces []Piece // KindPiecewise

	Reason UnavailableReason // KindUnavailable
	Detail string            // extra context for the Unavailable rendering
}

func Memory(addr memory.Address) VariableLocation {
	return VariableLocation{Kind: KindMemory, Address: addr}
}

func Unavailable(reason UnavailableReason, detail string) VariableLocation {
	return VariableLocation{Kind: KindUnavailable, Reason: reason, Detail: detail}
}

// RegisterProvider abstracts register reads so the evaluator doesn't need
// to know whether it's reading a live overlay or captured base registers.
type RegisterProvider interface {
	Register(num uint32) (uint64, error)
}

// FrameContext carries the values a location expression may need beyond
// the raw register file: the Canonical Frame Address (for
// DW_OP_call_frame_cfa) and a callback to evaluate the enclosing
// subprogram's DW_AT_frame_base expression (for DW_OP_fbreg).
// EntryRegisters is carried for DW_OP_entry_value but not consulted:
// the evaluator reports every entry-value operation as NeedsEntryValue,
// whether or not EntryRegisters is set.
type FrameContext struct {
	CFA             memory.Address
	FrameBase       func() (VariableLocation, error)
	EntryRegisters  RegisterProvider
}

// Evaluator evaluates DWARF expressions against a DeviceMemory.
type Evaluator struct {
	Mem       *memory.DeviceMemory
	PtrSize   int
	ByteOrder binary.ByteOrder
}

// NewEvaluator builds an Evaluator for arch.CortexM, the sole supported
// target.
func NewEvaluator(mem *memory.DeviceMemory) *Evaluator {
	return NewEvaluatorForArch(mem, arch.CortexM)
}

// NewEvaluatorForArch builds an Evaluator whose pointer size and byte
// order come from a, rather than assuming Cortex-M.
func NewEvaluatorForArch(mem *memory.DeviceMemory, a arch.Architecture) *Evaluator {
	return &Evaluator{Mem: mem, PtrSize: a.PointerSize, ByteOrder: a.ByteOrder}
}

// readPtr decodes one PtrSize-wide address from buf in ev.ByteOrder.
func (ev *Evaluator) readPtr(buf []byte) uint64 {
	if ev.PtrSize == 8 {
		return ev.ByteOrder.Uint64(buf)
	}
	return uint64(ev.ByteOrder.Uint32(buf))
}

// Evaluate runs expr and returns the resulting VariableLocation. Failures
// are never fatal to the caller: eval errors are folded into
// KindUnavailable.
func (ev *Evaluator) Evaluate(expr []byte, fc FrameContext) VariableLocation {
	loc, err := ev.run(expr, fc)
	if err != nil {
		if ue, ok := err.(*unavailableError); ok {
			return Unavailable(ue.reason, ue.Error())
		}
		return Unavailable(ReasonEvalError, err.Error())
	}
	return loc
}

type unavailableError struct {
	reason UnavailableReason
	msg    string
}

func (e *unavailableError) Error() string { return e.msg }

func needsMemory(addr memory.Address) error {
	return &unavailableError{reason: ReasonNeedsMemory, msg: fmt.Sprintf("target address 0x%x is not within available memory", addr)}
}

func needsEntryValue() error {
	return &unavailableError{reason: ReasonNeedsEntryValue, msg: "entry value requires the subprogram's register state at entry, which was not reconstructed"}
}

type stackMachine struct {
	stack      []int64
	pieces     []Piece
	isRegister bool // true if the whole expression resolved to a bare DW_OP_regN
	regNum     uint32
}

func (s *stackMachine) push(v int64) { s.stack = append(s.stack, v) }
func (s *stackMachine) pop() (int64, error) {
	if len(s.stack) == 0 {
		return 0, fmt.Errorf("locexpr: stack underflow")
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, nil
}
func (s *stackMachine) peek() (int64, error) {
	if len(s.stack) == 0 {
		return 0, fmt.Errorf("locexpr: stack underflow")
	}
	return s.stack[len(s.stack)-1], nil
}

func (ev *Evaluator) run(expr []byte, fc FrameContext) (VariableLocation, error) {
	if len(expr) == 0 {
		return VariableLocation{}, &unavailableError{reason: ReasonOptimizedAway, msg: "empty location expression"}
	}
	sm := &stackMachine{}
	i := 0
	for i < len(expr) {
		op := expr[i]
		i++
		switch {
		case op >= 0x30 && op <= 0x4f: // DW_OP_lit0..31
			sm.push(int64(op - 0x30))
		case op >= 0x50 && op <= 0x6f: // DW_OP_reg0..31
			sm.isRegister = true
			sm.regNum = uint32(op - 0x50)
		case op >= 0x70 && op <= 0x8f: // DW_OP_breg0..31
			reg := uint32(op - 0x70)
			off, n := readSLEB128(expr[i:])
			i += n
			v, err := ev.register(reg, fc)
			if err != nil {
				return VariableLocation{}, err
			}
			sm.push(int64(v) + off)
		default:
			switch op {
			case 0x03: // DW_OP_addr
				v := ev.readPtr(expr[i:])
				i += ev.PtrSize
				sm.push(int64(v))
			case 0x06: // DW_OP_deref
				addr, err := sm.pop()
				if err != nil {
					return VariableLocation{}, err
				}
				b, err := ev.Mem.ReadBytes(memory.Address(addr), int64(ev.PtrSize))
				if err != nil {
					return VariableLocation{}, needsMemory(memory.Address(addr))
				}
				sm.push(int64(ev.readPtr(b)))
			case 0x08: // DW_OP_const1u
				sm.push(int64(expr[i]))
				i++
			case 0x09: // DW_OP_const1s
				sm.push(int64(int8(expr[i])))
				i++
			case 0x0a: // DW_OP_const2u
				sm.push(int64(ev.ByteOrder.Uint16(expr[i:])))
				i += 2
			case 0x0b: // DW_OP_const2s
				sm.push(int64(int16(ev.ByteOrder.Uint16(expr[i:]))))
				i += 2
			case 0x0c: // DW_OP_const4u
				sm.push(int64(ev.ByteOrder.Uint32(expr[i:])))
				i += 4
			case 0x0d: // DW_OP_const4s
				sm.push(int64(int32(ev.ByteOrder.Uint32(expr[i:]))))
				i += 4
			case 0x10: // DW_OP_constu
				v, n := readULEB128(expr[i:])
				i += n
				sm.push(int64(v))
			case 0x11: // DW_OP_consts
				v, n := readSLEB128(expr[i:])
				i += n
				sm.push(v)
			case 0x12: // DW_OP_dup
				v, err := sm.peek()
				if err != nil {
					return VariableLocation{}, err
				}
				sm.push(v)
			case 0x13: // DW_OP_drop
				if _, err := sm.pop(); err != nil {
					return VariableLocation{}, err
				}
			case 0x1c: // DW_OP_minus
				b, err := sm.pop()
				if err != nil {
					return VariableLocation{}, err
				}
				a, err := sm.pop()
				if err != nil {
					return VariableLocation{}, err
				}
				sm.push(a - b)
			case 0x22: // DW_OP_plus
				b, err := sm.pop()
				if err != nil {
					return VariableLocation{}, err
				}
				a, err := sm.pop()
				if err != nil {
					return VariableLocation{}, err
				}
				sm.push(a + b)
			case 0x23: // DW_OP_plus_uconst
				v, n := readULEB128(expr[i:])
				i += n
				a, err := sm.pop()
				if err != nil {
					return VariableLocation{}, err
				}
				sm.push(a + int64(v))
			case 0x91: // DW_OP_fbreg
				off, n := readSLEB128(expr[i:])
				i += n
				if fc.FrameBase == nil {
					return VariableLocation{}, fmt.Errorf("locexpr: DW_OP_fbreg with no frame base available")
				}
				base, err := fc.FrameBase()
				if err != nil {
					return VariableLocation{}, err
				}
				if base.Kind != KindMemory {
					return VariableLocation{}, fmt.Errorf("locexpr: frame base did not resolve to a memory address")
				}
				sm.push(int64(base.Address) + off)
			case 0x90: // DW_OP_regx
				v, n := readULEB128(expr[i:])
				i += n
				sm.isRegister = true
				sm.regNum = uint32(v)
			case 0x92: // DW_OP_bregx
				reg, n := readULEB128(expr[i:])
				i += n
				off, n := readSLEB128(expr[i:])
				i += n
				v, err := ev.register(uint32(reg), fc)
				if err != nil {
					return VariableLocation{}, err
				}
				sm.push(int64(v) + off)
			case 0x93: // DW_OP_piece
				size, n := readULEB128(expr[i:])
				i += n
				piece, err := sm.takePiece(int64(size) * 8)
				if err != nil {
					return VariableLocation{}, err
				}
				sm.pieces = append(sm.pieces, piece)
			case 0x9d: // DW_OP_bit_piece
				bitSize, n := readULEB128(expr[i:])
				i += n
				_, n = readULEB128(expr[i:]) // bit offset within the piece; read and discarded, pieces record only their size
				i += n
				piece, err := sm.takePiece(int64(bitSize))
				if err != nil {
					return VariableLocation{}, err
				}
				sm.pieces = append(sm.pieces, piece)
			case 0x94: // DW_OP_deref_size
				size := int64(expr[i])
				i++
				addr, err := sm.pop()
				if err != nil {
					return VariableLocation{}, err
				}
				b, err := ev.Mem.ReadBytes(memory.Address(addr), size)
				if err != nil {
					return VariableLocation{}, needsMemory(memory.Address(addr))
				}
				var v uint64
				for k := len(b) - 1; k >= 0; k-- {
					v = v<<8 | uint64(b[k])
				}
				sm.push(int64(v))
			case 0x9c: // DW_OP_call_frame_cfa
				sm.push(int64(fc.CFA))
			case 0x9f: // DW_OP_stack_value
				v, err := sm.pop()
				if err != nil {
					return VariableLocation{}, err
				}
				b := make([]byte, 4)
				ev.ByteOrder.PutUint32(b, uint32(v))
				return VariableLocation{Kind: KindValue, Bytes: b}, nil
			case 0xa3, 0xf3: // DW_OP_entry_value / DW_OP_GNU_entry_value
				if fc.EntryRegisters == nil {
					return VariableLocation{}, needsEntryValue()
				}
				l, n := readULEB128(expr[i:])
				i += n
				i += int(l) // sub-expression evaluated against entry registers; not reconstructed here
				return VariableLocation{}, needsEntryValue()
			default:
				return VariableLocation{}, fmt.Errorf("locexpr: unsupported opcode 0x%02x", op)
			}
		}
	}

	if len(sm.pieces) > 0 {
		return VariableLocation{Kind: KindPiecewise, Pieces: sm.pieces}, nil
	}
	if sm.isRegister {
		return VariableLocation{Kind: KindRegister, Register: sm.regNum}, nil
	}
	v, err := sm.pop()
	if err != nil {
		return VariableLocation{}, fmt.Errorf("locexpr: expression produced no result")
	}
	return Memory(memory.Address(v)), nil
}

// takePiece converts whatever state the stack machine currently holds
// (a bare register, or an address on the stack) into one Piece of the
// requested bit size, per DW_OP_piece/DW_OP_bit_piece.
func (s *stackMachine) takePiece(bitSize int64) (Piece, error) {
	if s.isRegister {
		s.isRegister = false
		return Piece{Loc: VariableLocation{Kind: KindRegister, Register: s.regNum}, BitSize: bitSize}, nil
	}
	if len(s.stack) == 0 {
		// An empty piece (no preceding location op) represents a part of
		// the value that's simply unavailable.
		return Piece{Loc: Unavailable(ReasonOptimizedAway, "empty DWARF piece"), BitSize: bitSize}, nil
	}
	addr, err := s.pop()
	if err != nil {
		return Piece{}, err
	}
	return Piece{Loc: Memory(memory.Address(addr)), BitSize: bitSize}, nil
}

func (ev *Evaluator) register(num uint32, fc FrameContext) (uint64, error) {
	return ev.Mem.Register(num)
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
