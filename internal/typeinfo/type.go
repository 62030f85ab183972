// Package typeinfo walks DWARF type DIEs into a structured, cacheable
// type model: a sum type with Base, Pointer, Array, Structure, Union,
// Enumeration, TaggedUnion, Subroutine, Typedef, Modifier and Unresolved
// variants.
//
// Types are resolved on demand, one DIE at a time: the Resolver allocates
// a *Type and registers it in its cache before recursing into the DIE's
// referenced types, so a self-referential pointer resolves to the same,
// still-incomplete *Type instead of recursing forever.
package typeinfo

// Kind discriminates the Type sum type.
type Kind int

const (
	KindBase Kind = iota
	KindPointer
	KindArray
	KindStructure
	KindUnion
	KindEnumeration
	KindTaggedUnion
	KindSubroutine
	KindTypedef
	KindModifier
	KindUnresolved
)

func (k Kind) String() string {
	switch k {
	case KindBase:
		return "Base"
	case KindPointer:
		return "Pointer"
	case KindArray:
		return "Array"
	case KindStructure:
		return "Structure"
	case KindUnion:
		return "Union"
	case KindEnumeration:
		return "Enumeration"
	case KindTaggedUnion:
		return "TaggedUnion"
	case KindSubroutine:
		return "Subroutine"
	case KindTypedef:
		return "Typedef"
	case KindModifier:
		return "Modifier"
	default:
		return "Unresolved"
	}
}

// Encoding is DW_ATE_* for Base types, narrowed to the subset this tracer names.
type Encoding int

const (
	EncodingSigned Encoding = iota
	EncodingUnsigned
	EncodingFloat
	EncodingBool
	EncodingChar
	EncodingAddress
	EncodingUTF8
)

// ModifierKind distinguishes the flavor of a Modifier type.
type ModifierKind int

const (
	ModConst ModifierKind = iota
	ModVolatile
	ModRestrict
	ModAtomic
)

// Member is one field of a Structure or Union.
type Member struct {
	Name       string
	Type       *Type
	ByteOffset int64
	BitOffset  *int64 // nil when the member is not a bitfield
	BitSize    *int64
	Artificial bool // compiler-synthesized (e.g. vtable pointer); hidden by default
}

// EnumVariant is one named value of an Enumeration.
type EnumVariant struct {
	Name  string
	Value int64
}

// TUVariant is one payload variant of a TaggedUnion. DiscrValue is nil
// for the unnamed "no discriminant" default/niche variant.
type TUVariant struct {
	DiscrValue *int64
	Payload    *Type
}

// Type is the structured, cacheable type model the rest of the tracer
// works against. Fields are populated according to Kind; see the
// Kind-specific comments below.
type Type struct {
	Kind     Kind
	Name     string
	ByteSize int64

	// KindBase
	Encoding Encoding

	// KindPointer, KindTypedef, KindModifier: the referenced type.
	Target *Type

	// KindArray
	Elem       *Type
	LowerBound int64
	Length     *int64 // nil means flexible/unknown length

	// KindStructure, KindUnion
	Members []Member

	// KindEnumeration
	Underlying *Type
	Variants   []EnumVariant

	// KindTaggedUnion
	DiscriminantMember *Member
	TUVariants         []TUVariant

	// KindSubroutine
	ReturnType *Type
	ParamTypes []*Type

	// KindModifier
	ModKind ModifierKind

	// KindUnresolved
	UnresolvedReason string
}

// Deref returns the type this type transparently wraps (Typedef,
// Modifier) or itself if it wraps nothing. Used by evaluation code that
// needs the "real" storage type without caring about the cosmetic wrapper.
func (t *Type) Deref() *Type {
	for t != nil && (t.Kind == KindTypedef || t.Kind == KindModifier) && t.Target != nil {
		t = t.Target
	}
	return t
}

// IsZeroSized reports whether values of this type occupy no storage.
func (t *Type) IsZeroSized() bool {
	// DWARF array types usually carry no byte size; size them from their
	// element count and element type instead.
	if d := t.Deref(); d != nil && d.Kind == KindArray && d.ByteSize == 0 && d.Length != nil && d.Elem != nil {
		return *d.Length == 0 || d.Elem.IsZeroSized()
	}
	return t.ByteSize == 0
}

// VisibleMembers returns Members with Artificial entries removed.
func (t *Type) VisibleMembers() []Member {
	out := make([]Member, 0, len(t.Members))
	for _, m := range t.Members {
		if !m.Artificial {
			out = append(out, m)
		}
	}
	return out
}

// byteSizeFits is a light invariant check used by tests: every member
// must fit within the composite's declared byte size.
func byteSizeFits(parent int64, m Member) bool {
	size := int64(0)
	if m.Type != nil {
		size = m.Type.ByteSize
	}
	if m.BitSize != nil {
		// Bitfields are accounted for in bits but can straddle byte
		// boundaries; approximate with a byte ceiling.
		size = (*m.BitSize + 7) / 8
	}
	return m.ByteOffset+size <= parent
}
