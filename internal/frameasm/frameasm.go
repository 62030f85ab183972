// Package frameasm assembles the raw, pre-inlining frames the unwinder
// produces into logical frames: one raw frame may expand into several
// logical frames when the compiler inlined functions into it, and each
// logical frame carries its own source location and the formal
// parameters/locals visible at that point.
//
// The DIE walk (seek to a subprogram, recurse through lexical_block and
// inlined_subroutine children, resolve DW_AT_abstract_origin back to the
// inlined-from instance) follows the same single-pass-over-a-dwarf.Reader
// style the rest of this module's DWARF handling uses, rather than
// building a separate tree structure first.
package frameasm

import (
	"debug/dwarf"
	"fmt"
	"strings"

	"github.com/armtrace/stackdump/internal/dwarfdata"
	"github.com/armtrace/stackdump/internal/locexpr"
	"github.com/armtrace/stackdump/internal/memory"
	"github.com/armtrace/stackdump/internal/typeinfo"
	"github.com/armtrace/stackdump/internal/unwind"
)

// Variable is one formal parameter or local visible at a logical frame's PC.
type Variable struct {
	Name     string
	Type     *typeinfo.Type
	Location locexpr.VariableLocation
	IsParam  bool
}

// LogicalFrame is one entry of the final backtrace: either a concrete
// function activation or one level of function-inlined-into-it.
type LogicalFrame struct {
	FunctionName string
	IsInline     bool
	Source       dwarfdata.SourceLine
	HasSource    bool
	Variables    []Variable

	// Exception carries vector naming for an ARM exception boundary frame
	// (unwind.KindException); Variables/Source are empty in that case.
	Exception  bool
	VectorName string
}

// Assembler turns unwind.RawFrame values into LogicalFrame lists.
type Assembler struct {
	Loader   *dwarfdata.Loader
	Resolver *typeinfo.Resolver
	Mem      *memory.DeviceMemory

	// ShowStatics gates both kinds of static-variable visibility:
	// function-local statics stay hidden inside ordinary variable
	// enumeration, and module-level globals are appended to the
	// outermost frame only when this is set.
	ShowStatics bool
	// ShowZeroSized, mirrored from render.Options, additionally hides
	// zero-sized statics even when ShowStatics is set.
	ShowZeroSized bool
	// StaticDenyPrefixes excludes the module-level static variables of every
	// compilation unit whose name starts with one of these prefixes (function-
	// local statics are not checked against it) -- typically
	// logging/trace framework roots a firmware developer never wants
	// listed alongside application statics.
	StaticDenyPrefixes []string
	// ShowInlinedFunctions controls whether Assemble expands
	// DW_TAG_inlined_subroutine descendants into their own logical
	// frames, or collapses straight to the concrete subprogram frame.
	ShowInlinedFunctions bool
}

// compilerInternalSigils are assembler-local labels and linker-script
// symbol prefixes that are never meaningful to a firmware developer
// reading a backtrace.
var compilerInternalSigils = []string{".L", "$"}

func hasCompilerInternalSigil(name string) bool {
	for _, sigil := range compilerInternalSigils {
		if strings.HasPrefix(name, sigil) {
			return true
		}
	}
	return false
}

func hasDenyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func New(loader *dwarfdata.Loader, resolver *typeinfo.Resolver, mem *memory.DeviceMemory) *Assembler {
	return &Assembler{Loader: loader, Resolver: resolver, Mem: mem, ShowInlinedFunctions: true}
}

// Assemble expands one raw frame into its logical frames. The returned
// slice is ordered innermost-first (the deepest inline level comes
// first, matching how a human reads a backtrace).
func (a *Assembler) Assemble(raw unwind.RawFrame) ([]LogicalFrame, error) {
	if raw.Kind == unwind.KindException {
		return []LogicalFrame{{Exception: true, VectorName: raw.VectorName}}, nil
	}

	cu := a.Loader.CompUnitForPC(raw.PC)
	if cu == nil {
		name, ok := a.Loader.SymbolForPC(raw.PC)
		if !ok {
			name = fmt.Sprintf("0x%08x", raw.PC)
		}
		return []LogicalFrame{{FunctionName: name}}, nil
	}

	sub, err := a.Loader.SubprogramForPC(cu, raw.PC)
	if err != nil {
		name, ok := a.Loader.SymbolForPC(raw.PC)
		if !ok {
			name = fmt.Sprintf("0x%08x", raw.PC)
		}
		return []LogicalFrame{{FunctionName: name}}, nil
	}

	frameBase := a.frameBaseFunc(sub, raw)
	fc := locexpr.FrameContext{CFA: raw.CFA, FrameBase: frameBase}

	chain := []chainNode{{die: sub, name: a.subprogramName(sub)}}
	if a.ShowInlinedFunctions {
		expanded, err := a.inlineChain(cu, sub, raw.PC)
		if err != nil {
			return nil, err
		}
		chain = expanded
	}

	out := make([]LogicalFrame, 0, len(chain))
	for i, node := range chain {
		lf := LogicalFrame{
			FunctionName: node.name,
			IsInline:     i != len(chain)-1, // the outermost (last) entry is the real subprogram
			Variables:    a.collectVariables(cu, node.die, raw.PC, fc),
		}
		if i == 0 {
			if src, ok := a.Loader.LineForPC(cu, raw.PC); ok {
				lf.Source = src
				lf.HasSource = true
			}
		} else {
			// Frame i is positioned where the next-inner inline was
			// called from, which that inline's DIE records as its call site.
			lf.Source = chain[i-1].callSite
			lf.HasSource = chain[i-1].hasCallSite
		}
		out = append(out, lf)
	}

	if a.ShowStatics && len(out) > 0 {
		outermost := &out[len(out)-1]
		outermost.Variables = append(outermost.Variables, a.collectModuleStatics(cu, raw.PC)...)
	}
	return out, nil
}

type chainNode struct {
	die         *dwarf.Entry
	name        string
	callSite    dwarfdata.SourceLine
	hasCallSite bool
}

// inlineChain walks from sub down through any inlined_subroutine
// descendants whose range covers pc, building the innermost-first chain.
// The outermost entry is always sub itself.
func (a *Assembler) inlineChain(cu *dwarfdata.CompUnit, sub *dwarf.Entry, pc uint64) ([]chainNode, error) {
	root := chainNode{die: sub, name: a.subprogramName(sub)}
	chain := []chainNode{root}

	cur := sub
	for {
		inlined, ok, err := a.findInlinedChild(cur, pc)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		callSite, hasCallSite := a.callSiteOf(inlined)
		node := chainNode{die: inlined, name: a.inlineName(inlined), callSite: callSite, hasCallSite: hasCallSite}
		chain = append(chain, node)
		cur = inlined
	}

	// Reverse: chain was built outermost-first, innermost-last. Callers
	// want innermost-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// findInlinedChild looks (recursively through lexical blocks) for an
// inlined_subroutine child of parent whose range covers pc.
func (a *Assembler) findInlinedChild(parent *dwarf.Entry, pc uint64) (*dwarf.Entry, bool, error) {
	rdr := a.Loader.DWARF().Reader()
	rdr.Seek(parent.Offset)
	if _, err := rdr.Next(); err != nil { // re-read parent itself to position the cursor
		return nil, false, err
	}
	return a.scanForInlined(rdr, pc, 0)
}

// scanForInlined walks the flat sibling/children stream starting right
// after the entry rdr.Next() last returned, stopping at the matching
// parent's terminator. depth tracks nested block entry so we only
// recurse into lexical_block, never past a nested subprogram (an
// out-of-line copy of a function the compiler also kept instantiated
// directly has its own unwind frame and isn't reached through here).
func (a *Assembler) scanForInlined(rdr *dwarf.Reader, pc uint64, depth int) (*dwarf.Entry, bool, error) {
	for {
		e, err := rdr.Next()
		if err != nil {
			return nil, false, err
		}
		if e == nil || e.Tag == 0 {
			return nil, false, nil
		}
		switch e.Tag {
		case dwarf.TagInlinedSubroutine:
			if entryCovers(e, pc) {
				if e.Children {
					rdr.SkipChildren()
				}
				return e, true, nil
			}
			if e.Children {
				rdr.SkipChildren()
			}
		case dwarf.TagLexDwarfBlock:
			if entryCoversOrUnbounded(e, pc) && e.Children {
				found, ok, err := a.scanForInlined(rdr, pc, depth+1)
				if err != nil || ok {
					return found, ok, err
				}
			} else if e.Children {
				rdr.SkipChildren()
			}
		case dwarf.TagSubprogram:
			if e.Children {
				rdr.SkipChildren()
			}
		default:
			if e.Children {
				rdr.SkipChildren()
			}
		}
	}
}

func entryCovers(e *dwarf.Entry, pc uint64) bool {
	low, ok := e.Val(dwarf.AttrLowpc).(uint64)
	if !ok {
		return false
	}
	high := dwarfdataHighPC(e, low)
	return low <= pc && pc < high
}

func entryCoversOrUnbounded(e *dwarf.Entry, pc uint64) bool {
	if _, ok := e.Val(dwarf.AttrLowpc).(uint64); !ok {
		return true // no range recorded: assume it applies (conservative)
	}
	return entryCovers(e, pc)
}

func dwarfdataHighPC(e *dwarf.Entry, low uint64) uint64 {
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

func (a *Assembler) subprogramName(e *dwarf.Entry) string {
	if n, ok := e.Val(dwarf.AttrName).(string); ok && n != "" {
		return n
	}
	if origin, ok := a.abstractOrigin(e); ok {
		return a.subprogramName(origin)
	}
	return "<unknown function>"
}

func (a *Assembler) inlineName(e *dwarf.Entry) string {
	if origin, ok := a.abstractOrigin(e); ok {
		return a.subprogramName(origin)
	}
	if n, ok := e.Val(dwarf.AttrName).(string); ok && n != "" {
		return n
	}
	return "<inlined function>"
}

func (a *Assembler) abstractOrigin(e *dwarf.Entry) (*dwarf.Entry, bool) {
	off, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	if !ok {
		return nil, false
	}
	rdr := a.Loader.DWARF().Reader()
	rdr.Seek(off)
	origin, err := rdr.Next()
	if err != nil || origin == nil {
		return nil, false
	}
	return origin, true
}

func (a *Assembler) callSiteOf(e *dwarf.Entry) (dwarfdata.SourceLine, bool) {
	line, lok := e.Val(dwarf.AttrCallLine).(int64)
	if !lok {
		return dwarfdata.SourceLine{}, false
	}
	col, _ := e.Val(dwarf.AttrCallColumn).(int64)
	file := ""
	// DW_AT_call_file indexes the CU's file table; resolving it exactly
	// requires the line program's file list, which LineForPC already
	// parses. A dedicated file-table lookup isn't threaded through here, so
	// only the call site's line/column are reported and File is left blank.
	return dwarfdata.SourceLine{File: file, Line: int(line), Column: int(col)}, true
}

// frameBaseFunc returns the callback locexpr.FrameContext.FrameBase needs
// for DW_OP_fbreg: it evaluates the subprogram's own DW_AT_frame_base
// expression (typically DW_OP_call_frame_cfa) against raw's CFA.
func (a *Assembler) frameBaseFunc(sub *dwarf.Entry, raw unwind.RawFrame) func() (locexpr.VariableLocation, error) {
	fb := sub.Val(dwarf.AttrFrameBase)
	expr, ok := fb.([]byte)
	if !ok {
		return func() (locexpr.VariableLocation, error) {
			return locexpr.Memory(raw.CFA), nil
		}
	}
	return func() (locexpr.VariableLocation, error) {
		ev := locexpr.NewEvaluator(a.Mem)
		loc := ev.Evaluate(expr, locexpr.FrameContext{CFA: raw.CFA})
		if loc.Kind == locexpr.KindUnavailable {
			return loc, fmt.Errorf("frameasm: frame base unavailable: %s", loc.Detail)
		}
		return loc, nil
	}
}

// collectVariables enumerates the formal parameters and locals directly
// inside scopeDIE (including nested lexical_block children whose range
// covers pc, but not nested subprogram/inlined_subroutine scopes).
func (a *Assembler) collectVariables(cu *dwarfdata.CompUnit, scopeDIE *dwarf.Entry, pc uint64, fc locexpr.FrameContext) []Variable {
	var out []Variable
	rdr := a.Loader.DWARF().Reader()
	rdr.Seek(scopeDIE.Offset)
	if _, err := rdr.Next(); err != nil {
		return nil
	}
	a.walkVariables(cu, rdr, pc, fc, &out)
	return out
}

func (a *Assembler) walkVariables(cu *dwarfdata.CompUnit, rdr *dwarf.Reader, pc uint64, fc locexpr.FrameContext, out *[]Variable) {
	for {
		e, err := rdr.Next()
		if err != nil || e == nil || e.Tag == 0 {
			return
		}
		switch e.Tag {
		case dwarf.TagFormalParameter, dwarf.TagVariable:
			if e.Tag == dwarf.TagVariable && !a.ShowStatics && isStaticLocation(e) {
				if e.Children {
					rdr.SkipChildren()
				}
				continue
			}
			if v, ok := a.resolveVariable(cu, e, pc, fc); ok {
				*out = append(*out, v)
			}
			if e.Children {
				rdr.SkipChildren()
			}
		case dwarf.TagLexDwarfBlock:
			if entryCoversOrUnbounded(e, pc) && e.Children {
				a.walkVariables(cu, rdr, pc, fc, out)
			} else if e.Children {
				rdr.SkipChildren()
			}
		case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
			// Nested scopes belong to a different logical frame.
			if e.Children {
				rdr.SkipChildren()
			}
		default:
			if e.Children {
				rdr.SkipChildren()
			}
		}
	}
}

// isStaticLocation reports whether a DW_TAG_variable's location is a
// fixed DW_OP_addr rather than frame-relative, the usual shape of a
// function-local static or file-scope global.
func isStaticLocation(e *dwarf.Entry) bool {
	expr, ok := e.Val(dwarf.AttrLocation).([]byte)
	return ok && len(expr) > 0 && expr[0] == 0x03
}

// collectModuleStatics walks cu's direct DW_TAG_variable children --
// module-level globals, as opposed to the function-local statics
// walkVariables already filters inline -- and applies the static-
// variable filtering policy: compiler-internal sigils, a deny-listed
// compilation unit, zero size (unless ShowZeroSized), and variables with
// no resolvable location are all omitted rather than rendered as errors.
func (a *Assembler) collectModuleStatics(cu *dwarfdata.CompUnit, pc uint64) []Variable {
	if hasDenyPrefix(cu.Name, a.StaticDenyPrefixes) {
		return nil
	}
	rdr := a.Loader.DWARF().Reader()
	rdr.Seek(cu.Root.Offset)
	if _, err := rdr.Next(); err != nil { // re-read the CU DIE to position the cursor
		return nil
	}

	var out []Variable
	for {
		e, err := rdr.Next()
		if err != nil || e == nil || e.Tag == 0 {
			break
		}
		if e.Tag != dwarf.TagVariable {
			if e.Children {
				rdr.SkipChildren()
			}
			continue
		}
		if e.Children {
			rdr.SkipChildren()
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		if name == "" || hasCompilerInternalSigil(name) {
			continue
		}
		v, ok := a.resolveVariable(cu, e, pc, locexpr.FrameContext{})
		if !ok {
			continue
		}
		if v.Type != nil && v.Type.Deref().IsZeroSized() && !a.ShowZeroSized {
			continue
		}
		if v.Location.Kind == locexpr.KindUnavailable {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (a *Assembler) resolveVariable(cu *dwarfdata.CompUnit, e *dwarf.Entry, pc uint64, fc locexpr.FrameContext) (Variable, bool) {
	name, _ := e.Val(dwarf.AttrName).(string)
	typeOff, hasType := e.Val(dwarf.AttrType).(dwarf.Offset)
	if name == "" || !hasType {
		if origin, ok := a.abstractOrigin(e); ok {
			name2, _ := origin.Val(dwarf.AttrName).(string)
			if name2 != "" {
				name = name2
			}
			if off, ok := origin.Val(dwarf.AttrType).(dwarf.Offset); ok {
				typeOff = off
				hasType = true
			}
		}
	}
	if name == "" || !hasType {
		return Variable{}, false
	}
	t, err := a.Resolver.Resolve(typeOff)
	if err != nil {
		return Variable{}, false
	}

	var loc locexpr.VariableLocation
	if expr, ok := a.Loader.LocationAt(e, cu, pc); ok {
		ev := locexpr.NewEvaluator(a.Mem)
		loc = ev.Evaluate(expr, fc)
	} else {
		loc = locexpr.Unavailable(locexpr.ReasonNoLocationForPC, "no location-list entry covers this pc")
	}

	return Variable{
		Name:     name,
		Type:     t,
		Location: loc,
		IsParam:  e.Tag == dwarf.TagFormalParameter,
	}, true
}
