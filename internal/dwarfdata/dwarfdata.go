// Package dwarfdata loads the firmware's ELF image and exposes the DWARF
// debug information the rest of the tracer needs: compilation units, a
// PC -> compilation-unit index, call-frame-information (CFI) frame
// description entries, line-number programs, and location/range lists.
//
// It extends debug/dwarf.Data the way delve's symbol table does
// (LookupFunction, LookupPC, EntryForPC) and walks the DWARF Reader once
// up front to build lookup tables rather than re-scanning for every
// query, the same tradeoff a Go runtime core-file reader makes.
package dwarfdata

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
)

// Loader parses an ELF executable with embedded DWARF v4/v5 debug info
// and serves every query the rest of the tracer needs against it.
type Loader struct {
	elf   *elf.File
	dwarf *dwarf.Data

	units []*CompUnit // sorted by LowPC

	// symtab is the ELF symbol table fallback used when a PC cannot be
	// resolved to a DWARF subprogram DIE (stripped leaf, PLT stub).
	symtab    map[string]uint64
	symsByPC  []elfSym
	byteOrder byteOrderKind

	frame *frameIndex // parsed CFI table, see frame.go
}

type byteOrderKind int

const (
	littleEndian byteOrderKind = iota
	bigEndian
)

type elfSym struct {
	name string
	addr uint64
	size uint64
}

// CompUnit is a lightweight view of a DWARF compilation unit: its root
// DIE offset plus the [LowPC, HighPC) range used for the PC index. Not
// every CU has a contiguous range (some are range-list based); those are
// looked up by falling back to a linear scan.
type CompUnit struct {
	Root  *dwarf.Entry
	Name  string
	Low   uint64
	High  uint64 // 0 if not contiguous
	ranges [][2]uint64
}

// Load opens path, an ELF file with DWARF debug sections, and builds the
// lookup indices used by the rest of the tracer.
func Load(path string) (*Loader, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: opening %s: %w", path, err)
	}
	return load(f)
}

func load(f *elf.File) (*Loader, error) {
	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("dwarfdata: %w", err)
	}
	l := &Loader{elf: f, dwarf: d, symtab: map[string]uint64{}}
	if f.ByteOrder.String() == "BigEndian" {
		l.byteOrder = bigEndian
	}

	if err := l.indexCompUnits(); err != nil {
		return nil, err
	}
	l.indexSymbols() // best-effort; stripped binaries simply get an empty table
	if err := l.indexFrames(); err != nil {
		return nil, fmt.Errorf("dwarfdata: parsing call frame information: %w", err)
	}
	return l, nil
}

// DWARF returns the underlying parsed debug info for queries this package
// doesn't wrap directly (type resolution walks DIEs itself).
func (l *Loader) DWARF() *dwarf.Data { return l.dwarf }

// ELF returns the underlying ELF file, for section-level access that
// this package doesn't wrap directly.
func (l *Loader) ELF() *elf.File { return l.elf }

func (l *Loader) indexCompUnits() error {
	r := l.dwarf.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		cu := &CompUnit{Root: e}
		if name, ok := e.Val(dwarf.AttrName).(string); ok {
			cu.Name = name
		}
		if low, ok := e.Val(dwarf.AttrLowpc).(uint64); ok {
			cu.Low = low
			if hi := e.Val(dwarf.AttrHighpc); hi != nil {
				switch v := hi.(type) {
				case uint64:
					cu.High = v
				case int64:
					cu.High = low + uint64(v)
				}
			}
		}
		if ranges, err := l.dwarf.Ranges(e); err == nil {
			for _, rg := range ranges {
				cu.ranges = append(cu.ranges, [2]uint64{rg[0], rg[1]})
			}
		}
		l.units = append(l.units, cu)
		r.SkipChildren()
	}
	sort.Slice(l.units, func(i, j int) bool { return l.units[i].Low < l.units[j].Low })
	return nil
}

// CompUnitForPC returns the compilation unit covering pc, or nil if none
// does (tracing continues with a symbol-only frame in that case).
func (l *Loader) CompUnitForPC(pc uint64) *CompUnit {
	for _, cu := range l.units {
		if cu.Covers(pc) {
			return cu
		}
	}
	return nil
}

// Covers reports whether pc falls within cu's low/high range or any of
// its non-contiguous DW_AT_ranges entries.
func (cu *CompUnit) Covers(pc uint64) bool {
	if cu.High != 0 && cu.Low <= pc && pc < cu.High {
		return true
	}
	for _, rg := range cu.ranges {
		if rg[0] <= pc && pc < rg[1] {
			return true
		}
	}
	return false
}

// CompUnits returns every compilation unit, sorted by low PC.
func (l *Loader) CompUnits() []*CompUnit { return l.units }

func (l *Loader) indexSymbols() {
	syms, err := l.elf.Symbols()
	if err != nil {
		syms, _ = l.elf.DynamicSymbols()
	}
	for _, s := range syms {
		if s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		l.symtab[s.Name] = s.Value
		l.symsByPC = append(l.symsByPC, elfSym{name: s.Name, addr: s.Value, size: s.Size})
	}
	sort.Slice(l.symsByPC, func(i, j int) bool { return l.symsByPC[i].addr < l.symsByPC[j].addr })
}

// SymbolForPC is the ELF symbol-table fallback: it names the function
// containing pc even when no DWARF subprogram DIE covers it.
func (l *Loader) SymbolForPC(pc uint64) (name string, ok bool) {
	i := sort.Search(len(l.symsByPC), func(i int) bool { return l.symsByPC[i].addr > pc })
	if i == 0 {
		return "", false
	}
	s := l.symsByPC[i-1]
	if s.size != 0 && pc >= s.addr+s.size {
		return "", false
	}
	return s.name, true
}

// hasSection reports whether the ELF image carries a non-empty section
// named name.
func (l *Loader) hasSection(name string) bool {
	sec := l.elf.Section(name)
	return sec != nil && sec.Size > 0
}

// LocationAt resolves e's DW_AT_location attribute against pc: a plain
// DW_OP_* expression is returned as-is; a location-list reference (the
// usual encoding once a variable's storage moves during its lifetime,
// e.g. an optimized build) is resolved through LocListAt/EntryForPC to
// the single expression covering pc. ok is false when the attribute is
// absent, or a location list exists but no entry covers pc.
func (l *Loader) LocationAt(e *dwarf.Entry, cu *CompUnit, pc uint64) (expr []byte, ok bool) {
	field := e.AttrField(dwarf.AttrLocation)
	if field == nil {
		return nil, false
	}
	switch v := field.Val.(type) {
	case []byte:
		return v, true
	case int64:
		dwarf5 := l.hasSection(".debug_loclists")
		section := ".debug_loc"
		if dwarf5 {
			section = ".debug_loclists"
		}
		entries, err := l.LocListAt(section, v, dwarf5, cu.Low)
		if err != nil {
			return nil, false
		}
		entry, found := EntryForPC(entries, pc)
		if !found {
			return nil, false
		}
		return entry.Expr, true
	default:
		return nil, false
	}
}

// SubprogramForPC finds the innermost dwarf.TagSubprogram DIE whose
// [lowpc, highpc) covers pc, within the given compilation unit.
func (l *Loader) SubprogramForPC(cu *CompUnit, pc uint64) (*dwarf.Entry, error) {
	r := l.dwarf.Reader()
	r.Seek(cu.Root.Offset)
	var best *dwarf.Entry
	depth := 0
	for {
		e, err := r.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			depth--
			if depth <= 0 {
				break // end of the compilation unit's children
			}
			continue
		}
		if e.Children {
			depth++
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		low, lok := e.Val(dwarf.AttrLowpc).(uint64)
		if !lok {
			continue
		}
		high := entryHighPC(e, low)
		if low <= pc && pc < high {
			best = e // a nested match comes later in DIE order, so the last one is innermost
		}
	}
	if best != nil {
		return best, nil
	}
	return nil, fmt.Errorf("dwarfdata: no subprogram covers pc=%#x", pc)
}

// entryHighPC normalizes DW_AT_high_pc, which DWARF4+ allows to encode as
// either an absolute address or an offset from low_pc depending on its form.
func entryHighPC(e *dwarf.Entry, low uint64) uint64 {
	hi := e.Val(dwarf.AttrHighpc)
	switch v := hi.(type) {
	case uint64:
		return v
	case int64:
		return low + uint64(v)
	default:
		return low
	}
}
