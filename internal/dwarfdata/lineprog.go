package dwarfdata

import "debug/dwarf"

// SourceLine is a resolved (file, line, column) triple. Column is 0 when
// the line program doesn't carry column information.
type SourceLine struct {
	File   string
	Line   int
	Column int
}

// LineForPC resolves pc to a source location using cu's line-number
// program, walking entries until the row whose address is the greatest
// one not exceeding pc (the standard DWARF line-table lookup).
func (l *Loader) LineForPC(cu *CompUnit, pc uint64) (SourceLine, bool) {
	lr, err := l.dwarf.LineReader(cu.Root)
	if err != nil || lr == nil {
		return SourceLine{}, false
	}
	var best dwarf.LineEntry
	found := false
	var entry dwarf.LineEntry
	for {
		if err := lr.Next(&entry); err != nil {
			break
		}
		if entry.EndSequence {
			continue
		}
		if entry.Address <= pc && (!found || entry.Address > best.Address) {
			best = entry
			found = true
		}
	}
	if !found {
		return SourceLine{}, false
	}
	name := ""
	if best.File != nil {
		name = best.File.Name
	}
	return SourceLine{File: name, Line: best.Line, Column: best.Column}, true
}
