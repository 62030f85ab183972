// Location lists: for a variable whose DW_AT_location is not a single
// expression but a reference into .debug_loc (DWARF4) or .debug_loclists
// (DWARF5), this resolves which entry (if any) covers a given PC. Modeled
// after delve's loclist reader, which walks a DWARF5 loclists stream
// entry-by-entry collecting (start, end, expr) ranges; this also
// supports the simpler DWARF4 form.
package dwarfdata

import "encoding/binary"

// LocListEntry is one (address range, expression) pair from a location
// list, already resolved to absolute addresses.
type LocListEntry struct {
	Low, High uint64
	Expr      []byte
}

// DWARF5 location-list entry kinds (DW_LLE_*).
const (
	dwLLEEndOfList      = 0x00
	dwLLEBaseAddressx   = 0x01
	dwLLEStartxEndx     = 0x02
	dwLLEStartxLength   = 0x03
	dwLLEOffsetPair     = 0x04
	dwLLEDefaultLoc     = 0x05
	dwLLEBaseAddress    = 0x06
	dwLLEStartEnd       = 0x07
	dwLLEStartLength    = 0x08
)

// LocListAt resolves a location-list offset (the raw integer a
// DW_FORM_sec_offset/loclistx attribute carries) into the list of ranges
// it describes. dwarf5 selects the stream format; cuLow is the
// compilation unit's low PC, used as the default base address.
func (l *Loader) LocListAt(sectionName string, offset int64, dwarf5 bool, cuLow uint64) ([]LocListEntry, error) {
	sec := l.elf.Section(sectionName)
	if sec == nil {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= offset {
		return nil, nil
	}
	if dwarf5 {
		return parseLocLists(data[offset:], cuLow)
	}
	return parseDebugLoc(data[offset:], cuLow)
}

// parseDebugLoc reads the pre-DWARF5 format: a sequence of
// (begin-offset, end-offset) address pairs (both 4 bytes on a 32-bit
// target) each followed by a 2-byte length and that many bytes of
// expression, terminated by a (0, 0) pair. A pair with begin == max
// address is a base-address-selection entry; not emitted by toolchains
// targeting a single-image Cortex-M firmware, so it is not handled here.
func parseDebugLoc(data []byte, base uint64) ([]LocListEntry, error) {
	var out []LocListEntry
	i := 0
	for i+8 <= len(data) {
		begin := uint64(binary.LittleEndian.Uint32(data[i:]))
		end := uint64(binary.LittleEndian.Uint32(data[i+4:]))
		i += 8
		if begin == 0 && end == 0 {
			break
		}
		if i+2 > len(data) {
			break
		}
		length := int(binary.LittleEndian.Uint16(data[i:]))
		i += 2
		if i+length > len(data) {
			break
		}
		expr := data[i : i+length]
		i += length
		out = append(out, LocListEntry{Low: base + begin, High: base + end, Expr: expr})
	}
	return out, nil
}

// parseLocLists reads a DWARF5 .debug_loclists entry stream starting
// right at the first entry for this variable (the section-offset
// attribute already points past the list-of-lists header for split-unit
// producers, matching common compiler output).
func parseLocLists(data []byte, base uint64) ([]LocListEntry, error) {
	var out, defaults []LocListEntry
	i := 0
	curBase := base
	for i < len(data) {
		kind := data[i]
		i++
		switch kind {
		case dwLLEEndOfList:
			return append(out, defaults...), nil
		case dwLLEBaseAddress:
			curBase = uint64(binary.LittleEndian.Uint32(data[i:]))
			i += 4
		case dwLLEOffsetPair:
			lo, n := readULEB128(data[i:])
			i += n
			hi, n := readULEB128(data[i:])
			i += n
			exprLen, n := readULEB128(data[i:])
			i += n
			expr := data[i : i+int(exprLen)]
			i += int(exprLen)
			out = append(out, LocListEntry{Low: curBase + lo, High: curBase + hi, Expr: expr})
		case dwLLEStartLength:
			lo := uint64(binary.LittleEndian.Uint32(data[i:]))
			i += 4
			length, n := readULEB128(data[i:])
			i += n
			exprLen, n := readULEB128(data[i:])
			i += n
			expr := data[i : i+int(exprLen)]
			i += int(exprLen)
			out = append(out, LocListEntry{Low: lo, High: lo + length, Expr: expr})
		case dwLLEStartEnd:
			lo := uint64(binary.LittleEndian.Uint32(data[i:]))
			i += 4
			hi := uint64(binary.LittleEndian.Uint32(data[i:]))
			i += 4
			exprLen, n := readULEB128(data[i:])
			i += n
			expr := data[i : i+int(exprLen)]
			i += int(exprLen)
			out = append(out, LocListEntry{Low: lo, High: hi, Expr: expr})
		case dwLLEDefaultLoc:
			exprLen, n := readULEB128(data[i:])
			i += n
			expr := data[i : i+int(exprLen)]
			i += int(exprLen)
			// A default entry applies outside all other ranges; model it
			// as full-range and keep it after every bounded entry so
			// EntryForPC finds it last-resort.
			defaults = append(defaults, LocListEntry{Low: 0, High: ^uint64(0), Expr: expr})
		default:
			// Indexed forms (startx/endx/base_addressx) require the
			// .debug_addr table; not needed by the split-DWARF-free
			// firmware builds this tracer targets. Stop rather than
			// mis-parse the remaining stream.
			return append(out, defaults...), nil
		}
	}
	return append(out, defaults...), nil
}

// EntryForPC returns the location-list entry (if any) whose range
// contains pc. If none does, the caller should report the variable as
// unavailable at that PC rather than guessing.
func EntryForPC(entries []LocListEntry, pc uint64) (LocListEntry, bool) {
	for _, e := range entries {
		if e.Low <= pc && pc < e.High {
			return e, true
		}
	}
	return LocListEntry{}, false
}
