// Package render turns resolved values (typeinfo.Type + locexpr
// VariableLocation + raw bytes) into a RenderedValue tree, and formats
// that tree to a themed string. Color themes are built on fatih/color.
package render

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/armtrace/stackdump/internal/locexpr"
	"github.com/armtrace/stackdump/internal/memory"
	"github.com/armtrace/stackdump/internal/typeinfo"
)

// Theme is one of the three supported color themes.
type Theme int

const (
	ThemeNone Theme = iota
	ThemeDark
	ThemeLight
)

// ParseTheme maps a CLI/config string to a Theme, defaulting to ThemeDark.
func ParseTheme(s string) Theme {
	switch strings.ToLower(s) {
	case "none", "plain":
		return ThemeNone
	case "light":
		return ThemeLight
	default:
		return ThemeDark
	}
}

// palette is the set of fatih/color attribute sets a theme assigns to each
// semantic class of rendered text.
type palette struct {
	typeName  *color.Color
	fieldName *color.Color
	literal   *color.Color
	address   *color.Color
	errorText *color.Color
	punct     *color.Color
}

func paletteFor(t Theme) *palette {
	switch t {
	case ThemeNone:
		return &palette{
			typeName:  color.New(),
			fieldName: color.New(),
			literal:   color.New(),
			address:   color.New(),
			errorText: color.New(),
			punct:     color.New(),
		}
	case ThemeLight:
		return &palette{
			typeName:  color.New(color.FgBlue),
			fieldName: color.New(color.FgBlack),
			literal:   color.New(color.FgGreen),
			address:   color.New(color.FgMagenta),
			errorText: color.New(color.FgRed, color.Bold),
			punct:     color.New(color.FgBlack),
		}
	default: // ThemeDark
		return &palette{
			typeName:  color.New(color.FgCyan),
			fieldName: color.New(color.FgWhite),
			literal:   color.New(color.FgGreen),
			address:   color.New(color.FgYellow),
			errorText: color.New(color.FgRed, color.Bold),
			punct:     color.New(color.FgHiBlack),
		}
	}
}

// Options controls rendering visibility, configured by the CLI flags in cmd/trace.
type Options struct {
	Theme          Theme
	ShowZeroSized  bool
	ShowStatics    bool
	ShowArtificial bool
	MaxArrayElems  int
	MaxStringBytes int
	// TransparentTypeNames lists typedef names that are skipped silently
	// in display (e.g. MaybeUninit): the typedef's own name is omitted
	// from composite rendering and the next layer underneath is shown
	// instead.
	TransparentTypeNames []string
}

// transparentSkip unwraps t through a chain of Typedef layers whose name
// appears in names, stopping at the first layer that either isn't a
// Typedef or isn't listed. An un-configured typedef keeps showing its
// own name -- unwrapping only happens for names the caller opted into.
func transparentSkip(t *typeinfo.Type, names []string) *typeinfo.Type {
	for t != nil && t.Kind == typeinfo.KindTypedef && t.Target != nil && containsName(names, t.Name) {
		t = t.Target
	}
	return t
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// DefaultOptions matches the tracer's out-of-the-box behavior.
func DefaultOptions() Options {
	return Options{
		Theme:          ThemeDark,
		MaxArrayElems:  64,
		MaxStringBytes: 200,
	}
}

// NodeKind discriminates RenderedValue.
type NodeKind int

const (
	NodeScalar NodeKind = iota
	NodeString
	NodeComposite
	NodeError
)

// Field is one named child of a composite RenderedValue.
type Field struct {
	Name  string
	Value *RenderedValue
}

// RenderedValue is the output tree: every value, however nested,
// resolves to one of these before being formatted.
type RenderedValue struct {
	Kind   NodeKind
	Type   *typeinfo.Type
	Text   string  // NodeScalar / NodeError
	String string  // NodeString
	Fields []Field // NodeComposite
	Elided int     // count of array/field entries omitted by a Max* cap
}

// Renderer resolves a value's bytes/location into a RenderedValue and
// formats it.
type Renderer struct {
	Mem *memory.DeviceMemory
	Opt Options
}

func New(mem *memory.DeviceMemory, opt Options) *Renderer {
	return &Renderer{Mem: mem, Opt: opt}
}

// RenderLocation builds a RenderedValue for a value of type t living at
// loc, reading through r.Mem for any pointer/struct dereferencing required.
func (r *Renderer) RenderLocation(t *typeinfo.Type, loc locexpr.VariableLocation, depth int) *RenderedValue {
	if t == nil {
		return &RenderedValue{Kind: NodeError, Text: "<unknown type>"}
	}
	t = transparentSkip(t, r.Opt.TransparentTypeNames)
	if loc.Kind == locexpr.KindUnavailable {
		return &RenderedValue{Kind: NodeError, Type: t, Text: loc.Reason.String()}
	}
	if depth > 64 {
		return &RenderedValue{Kind: NodeError, Type: t, Text: "<max depth exceeded>"}
	}

	real := t.Deref()
	switch real.Kind {
	case typeinfo.KindBase:
		return r.renderBase(t, real, loc)
	case typeinfo.KindPointer:
		return r.renderPointer(t, real, loc, depth)
	case typeinfo.KindArray:
		return r.renderArray(t, real, loc, depth)
	case typeinfo.KindStructure, typeinfo.KindUnion:
		return r.renderComposite(t, real, loc, depth)
	case typeinfo.KindEnumeration:
		return r.renderEnum(t, real, loc)
	case typeinfo.KindTaggedUnion:
		return r.renderTaggedUnion(t, real, loc, depth)
	case typeinfo.KindSubroutine:
		return &RenderedValue{Kind: NodeScalar, Type: t, Text: fmt.Sprintf("<function %s>", real.Name)}
	default:
		return &RenderedValue{Kind: NodeError, Type: t, Text: fmt.Sprintf("unresolved type: %s", real.UnresolvedReason)}
	}
}

func (r *Renderer) bytesAt(loc locexpr.VariableLocation, n int64) ([]byte, error) {
	switch loc.Kind {
	case locexpr.KindMemory:
		return r.Mem.ReadBytes(loc.Address, n)
	case locexpr.KindValue:
		if int64(len(loc.Bytes)) >= n {
			return loc.Bytes[:n], nil
		}
		return nil, fmt.Errorf("render: stack-value shorter than requested %d bytes", n)
	case locexpr.KindRegister:
		v, err := r.Mem.Register(loc.Register)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		for i := range b {
			b[i] = byte(v >> (8 * i))
		}
		if int64(len(b)) < n {
			return b, nil
		}
		return b[:n], nil
	default:
		return nil, fmt.Errorf("render: location kind %d has no byte representation", loc.Kind)
	}
}

func (r *Renderer) renderBase(t, real *typeinfo.Type, loc locexpr.VariableLocation) *RenderedValue {
	b, err := r.bytesAt(loc, real.ByteSize)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}
	switch real.Encoding {
	case typeinfo.EncodingBool:
		v := false
		for _, x := range b {
			if x != 0 {
				v = true
			}
		}
		return &RenderedValue{Kind: NodeScalar, Type: t, Text: strconv.FormatBool(v)}
	case typeinfo.EncodingChar:
		if len(b) >= 1 {
			return &RenderedValue{Kind: NodeScalar, Type: t, Text: quoteChar(b[0])}
		}
	case typeinfo.EncodingFloat:
		return &RenderedValue{Kind: NodeScalar, Type: t, Text: formatFloat(b)}
	case typeinfo.EncodingSigned:
		return &RenderedValue{Kind: NodeScalar, Type: t, Text: strconv.FormatInt(signExtend(b), 10)}
	}
	return &RenderedValue{Kind: NodeScalar, Type: t, Text: strconv.FormatUint(zeroExtend(b), 10)}
}

func quoteChar(b byte) string {
	if b >= 0x20 && b < 0x7f {
		return fmt.Sprintf("'%c'", b)
	}
	return fmt.Sprintf("'\\x%02x'", b)
}

func signExtend(b []byte) int64 {
	var v int64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	shift := uint(64 - 8*len(b))
	return v << shift >> shift
}

func zeroExtend(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func formatFloat(b []byte) string {
	switch len(b) {
	case 4:
		bits := zeroExtend(b)
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(bits))), 'g', -1, 32)
	case 8:
		bits := zeroExtend(b)
		return strconv.FormatFloat(math.Float64frombits(bits), 'g', -1, 64)
	default:
		return "<unsupported float width>"
	}
}

// renderPointer handles a thin (single-word) pointer. A Rust &str/&[u8]
// fat pointer is DWARF-encoded as a two-member {data_ptr, length}
// structure rather than a DW_TAG_pointer_type, so that case is detected
// and rendered by renderComposite/renderFatPointer instead.
func (r *Renderer) renderPointer(t, real *typeinfo.Type, loc locexpr.VariableLocation, depth int) *RenderedValue {
	b, err := r.bytesAt(loc, 4)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}
	addr := memory.Address(zeroExtend(b))
	if addr == 0 {
		return &RenderedValue{Kind: NodeScalar, Type: t, Text: "null"}
	}
	target := real.Target
	if target != nil && target.Deref() != nil && target.Deref().Kind == typeinfo.KindBase && target.Deref().Encoding == typeinfo.EncodingChar {
		s, err := r.readCString(addr)
		if err == nil {
			return &RenderedValue{Kind: NodeString, Type: t, String: s}
		}
	}
	return &RenderedValue{Kind: NodeScalar, Type: t, Text: fmt.Sprintf("0x%08x", uint64(addr))}
}

func (r *Renderer) readCString(addr memory.Address) (string, error) {
	max := r.Opt.MaxStringBytes
	if max <= 0 {
		max = 200
	}
	var sb strings.Builder
	for i := 0; i < max; i++ {
		b, err := r.Mem.ReadBytes(addr.Add(int64(i)), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(b[0])
	}
	sb.WriteString("...")
	return sb.String(), nil
}

func (r *Renderer) renderArray(t, real *typeinfo.Type, loc locexpr.VariableLocation, depth int) *RenderedValue {
	if real.Elem != nil && real.Elem.Deref() != nil && real.Elem.Deref().Kind == typeinfo.KindBase && real.Elem.Deref().Encoding == typeinfo.EncodingChar && loc.Kind == locexpr.KindMemory {
		n := int64(0)
		if real.Length != nil {
			n = *real.Length
		}
		b, err := r.Mem.ReadBytes(loc.Address, n)
		if err == nil {
			s := string(b)
			if i := strings.IndexByte(s, 0); i >= 0 {
				s = s[:i]
			}
			return &RenderedValue{Kind: NodeString, Type: t, String: s}
		}
	}

	n := int64(0)
	if real.Length != nil {
		n = *real.Length
	}
	limit := int64(r.Opt.MaxArrayElems)
	if limit <= 0 {
		limit = 64
	}
	elemSize := int64(0)
	if real.Elem != nil {
		elemSize = real.Elem.ByteSize
	}
	fields := make([]Field, 0, n)
	var elided int
	for i := int64(0); i < n; i++ {
		if i >= limit {
			elided = int(n - limit)
			break
		}
		elemLoc, err := offsetLocation(loc, i*elemSize)
		if err != nil {
			fields = append(fields, Field{Name: strconv.FormatInt(i, 10), Value: &RenderedValue{Kind: NodeError, Text: err.Error()}})
			continue
		}
		fields = append(fields, Field{Name: strconv.FormatInt(i, 10), Value: r.RenderLocation(real.Elem, elemLoc, depth+1)})
	}
	return &RenderedValue{Kind: NodeComposite, Type: t, Fields: fields, Elided: elided}
}

// maxFatPointerBytes bounds how much of a &str/&[u8]-shaped fat
// pointer's contents is rendered before the value is elided.
const maxFatPointerBytes = 64 * 1024

// fatPointerMembers reports whether real is a two-word {ptr, len}
// structure -- the DWARF shape of a Rust `&str`/`&[u8]` slice reference
// -- and, if so, returns its pointer and length members.
func fatPointerMembers(real *typeinfo.Type) (ptr, length *typeinfo.Member, ok bool) {
	if real.Kind != typeinfo.KindStructure {
		return nil, nil, false
	}
	members := real.VisibleMembers()
	if len(members) != 2 {
		return nil, nil, false
	}
	p, n := members[0], members[1]
	if p.Type == nil || n.Type == nil {
		return nil, nil, false
	}
	pd, nd := p.Type.Deref(), n.Type.Deref()
	if pd == nil || pd.Kind != typeinfo.KindPointer {
		return nil, nil, false
	}
	if nd == nil || nd.Kind != typeinfo.KindBase ||
		(nd.Encoding != typeinfo.EncodingUnsigned && nd.Encoding != typeinfo.EncodingSigned) {
		return nil, nil, false
	}
	return &members[0], &members[1], true
}

func (r *Renderer) renderFatPointer(t, real *typeinfo.Type, loc locexpr.VariableLocation, ptrM, lenM *typeinfo.Member) *RenderedValue {
	ptrLoc, err := offsetLocation(loc, ptrM.ByteOffset)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}
	ptrSize := ptrM.Type.Deref().ByteSize
	if ptrSize == 0 {
		ptrSize = 4
	}
	pb, err := r.bytesAt(ptrLoc, ptrSize)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}
	addr := memory.Address(zeroExtend(pb))

	lenLoc, err := offsetLocation(loc, lenM.ByteOffset)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}
	lenSize := lenM.Type.Deref().ByteSize
	if lenSize == 0 {
		lenSize = 4
	}
	lb, err := r.bytesAt(lenLoc, lenSize)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}
	length := int64(zeroExtend(lb))

	if length > maxFatPointerBytes {
		return &RenderedValue{Kind: NodeScalar, Type: t, Text: fmt.Sprintf("0x%08x (len %d, elided: exceeds 64 KiB)", uint64(addr), length)}
	}
	if length == 0 {
		return &RenderedValue{Kind: NodeString, Type: t, String: ""}
	}
	if addr == 0 {
		return &RenderedValue{Kind: NodeError, Type: t, Text: "null slice pointer with nonzero length"}
	}
	b, err := r.Mem.ReadBytes(addr, length)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}

	elemType := ptrM.Type.Deref().Target
	if elemType != nil && elemType.Deref() != nil && elemType.Deref().Kind == typeinfo.KindBase && elemType.Deref().Encoding == typeinfo.EncodingChar {
		return &RenderedValue{Kind: NodeString, Type: t, String: string(b)}
	}
	fields := make([]Field, 0, len(b))
	for i, x := range b {
		fields = append(fields, Field{Name: strconv.FormatInt(int64(i), 10), Value: &RenderedValue{Kind: NodeScalar, Text: strconv.FormatUint(uint64(x), 10)}})
	}
	return &RenderedValue{Kind: NodeComposite, Type: t, Fields: fields}
}

func (r *Renderer) renderComposite(t, real *typeinfo.Type, loc locexpr.VariableLocation, depth int) *RenderedValue {
	if ptrM, lenM, ok := fatPointerMembers(real); ok {
		return r.renderFatPointer(t, real, loc, ptrM, lenM)
	}
	members := real.Members
	if !r.Opt.ShowArtificial {
		members = real.VisibleMembers()
	}
	fields := make([]Field, 0, len(members))
	for _, m := range members {
		if m.Type != nil && m.Type.IsZeroSized() && !r.Opt.ShowZeroSized {
			continue
		}
		memberLoc, err := offsetLocation(loc, m.ByteOffset)
		if err != nil {
			fields = append(fields, Field{Name: m.Name, Value: &RenderedValue{Kind: NodeError, Text: err.Error()}})
			continue
		}
		var v *RenderedValue
		if m.BitSize != nil {
			v = r.renderBitfield(m, memberLoc)
		} else {
			v = r.RenderLocation(m.Type, memberLoc, depth+1)
		}
		fields = append(fields, Field{Name: m.Name, Value: v})
	}
	return &RenderedValue{Kind: NodeComposite, Type: t, Fields: fields}
}

func (r *Renderer) renderBitfield(m typeinfo.Member, loc locexpr.VariableLocation) *RenderedValue {
	byteLen := (*m.BitSize + 7) / 8
	if byteLen < 1 {
		byteLen = 1
	}
	b, err := r.bytesAt(loc, byteLen)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Text: err.Error()}
	}
	raw := zeroExtend(b)
	shift := uint64(0)
	if m.BitOffset != nil {
		shift = uint64(*m.BitOffset)
	}
	mask := uint64(1)<<uint64(*m.BitSize) - 1
	v := (raw >> shift) & mask
	return &RenderedValue{Kind: NodeScalar, Type: m.Type, Text: strconv.FormatUint(v, 10)}
}

func (r *Renderer) renderEnum(t, real *typeinfo.Type, loc locexpr.VariableLocation) *RenderedValue {
	size := real.ByteSize
	if size == 0 {
		size = 4
	}
	b, err := r.bytesAt(loc, size)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}
	v := int64(signExtend(b))
	for _, variant := range real.Variants {
		if variant.Value == v {
			return &RenderedValue{Kind: NodeScalar, Type: t, Text: fmt.Sprintf("%s::%s", real.Name, variant.Name)}
		}
	}
	return &RenderedValue{Kind: NodeScalar, Type: t, Text: fmt.Sprintf("%s(%d)", real.Name, v)}
}

func (r *Renderer) renderTaggedUnion(t, real *typeinfo.Type, loc locexpr.VariableLocation, depth int) *RenderedValue {
	if real.DiscriminantMember == nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: "tagged union missing discriminant"}
	}
	discLoc, err := offsetLocation(loc, real.DiscriminantMember.ByteOffset)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}
	size := real.DiscriminantMember.Type.ByteSize
	if size == 0 {
		size = 4
	}
	b, err := r.bytesAt(discLoc, size)
	if err != nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: err.Error()}
	}
	disc := int64(signExtend(b))

	var chosen *typeinfo.TUVariant
	for i := range real.TUVariants {
		tv := &real.TUVariants[i]
		if tv.DiscrValue != nil && *tv.DiscrValue == disc {
			chosen = tv
			break
		}
	}
	if chosen == nil {
		for i := range real.TUVariants {
			if real.TUVariants[i].DiscrValue == nil {
				chosen = &real.TUVariants[i]
				break
			}
		}
	}
	if chosen == nil {
		return &RenderedValue{Kind: NodeError, Type: t, Text: fmt.Sprintf("no variant matches discriminant %d", disc)}
	}
	inner := r.RenderLocation(chosen.Payload, loc, depth+1)
	return &RenderedValue{Kind: NodeComposite, Type: t, Fields: []Field{{Name: variantName(chosen), Value: inner}}}
}

func variantName(v *typeinfo.TUVariant) string {
	if v.Payload != nil {
		return v.Payload.Name
	}
	return "<variant>"
}

// offsetLocation shifts loc by byteOff, used when descending into a
// struct/array member whose parent is already resolved to a location.
func offsetLocation(loc locexpr.VariableLocation, byteOff int64) (locexpr.VariableLocation, error) {
	switch loc.Kind {
	case locexpr.KindMemory:
		return locexpr.Memory(loc.Address.Add(byteOff)), nil
	case locexpr.KindUnavailable:
		return loc, nil
	default:
		return locexpr.VariableLocation{}, fmt.Errorf("render: cannot offset into a %v location", loc.Kind)
	}
}

// Format renders the tree to a themed string.
func Format(v *RenderedValue, opt Options) string {
	pal := paletteFor(opt.Theme)
	var sb strings.Builder
	format(&sb, v, pal, 0)
	return sb.String()
}

func format(sb *strings.Builder, v *RenderedValue, pal *palette, indent int) {
	if v == nil {
		sb.WriteString(pal.literal.Sprint("<nil>"))
		return
	}
	switch v.Kind {
	case NodeError:
		sb.WriteString(pal.errorText.Sprintf("<%s>", v.Text))
	case NodeString:
		sb.WriteString(pal.literal.Sprintf("%q", v.String))
	case NodeScalar:
		sb.WriteString(pal.literal.Sprint(v.Text))
	case NodeComposite:
		formatComposite(sb, v, pal, indent)
	}
}

func formatComposite(sb *strings.Builder, v *RenderedValue, pal *palette, indent int) {
	typeName := ""
	if v.Type != nil {
		typeName = v.Type.Name
	}
	if typeName != "" {
		sb.WriteString(pal.typeName.Sprint(typeName))
		sb.WriteString(" ")
	}
	sb.WriteString(pal.punct.Sprint("{"))
	pad := strings.Repeat("  ", indent+1)
	for i, f := range v.Fields {
		if i > 0 {
			sb.WriteString(pal.punct.Sprint(","))
		}
		sb.WriteString("\n")
		sb.WriteString(pad)
		sb.WriteString(pal.fieldName.Sprint(f.Name))
		sb.WriteString(pal.punct.Sprint(": "))
		format(sb, f.Value, pal, indent+1)
	}
	if v.Elided > 0 {
		sb.WriteString(",\n")
		sb.WriteString(pad)
		sb.WriteString(pal.errorText.Sprintf("... %d more elided", v.Elided))
	}
	if len(v.Fields) > 0 || v.Elided > 0 {
		sb.WriteString("\n")
		sb.WriteString(strings.Repeat("  ", indent))
	}
	sb.WriteString(pal.punct.Sprint("}"))
}
