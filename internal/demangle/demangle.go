// Package demangle turns linker symbol names back into source-level
// names for display when a PC can't be matched to a DWARF subprogram
// DIE (the ELF symbol-table fallback path). Firmware toolchains emit
// either Itanium C++ mangling or one of the two Rust manglings, so both
// are tried via ianlancetaylor/demangle.
package demangle

import (
	"github.com/ianlancetaylor/demangle"
)

// Name demangles sym, returning the original string unchanged if it isn't
// recognized as a mangled name (a plain C function name, for instance).
func Name(sym string) string {
	if out, err := demangle.ToString(sym, demangle.NoClones); err == nil {
		return out
	}
	if out, err := demangle.ToString(sym, demangle.NoClones, demangle.LLVMStyle); err == nil {
		return out
	}
	return sym
}
