package typeinfo

import (
	"debug/dwarf"
	"fmt"
	"strings"

	"github.com/armtrace/stackdump/arch"
)

// DW_AT_containing_type is used by compilers to mark the type of a
// vtable-pointer member; such members are filtered as artificial even
// without an explicit DW_AT_artificial flag.
const attrContainingType = dwarf.Attr(0x1d)

// Resolver walks DWARF type DIEs into *Type, memoized so a self-
// referential or widely-shared type is resolved once. The cache is keyed
// on DIE offset directly, which is a superset of per-CU memoization and
// just as cheap since DIE offsets are already unique across the whole
// image.
type Resolver struct {
	data  *dwarf.Data
	cache map[dwarf.Offset]*Type
	// inProgress is not consulted. Self-referential cycles (e.g. a
	// linked-list node pointing to itself) are broken by Resolve
	// registering each Type in cache before its fields are filled in, so a
	// cyclic pointer target resolves to the same, as-yet-incomplete, *Type
	// rather than recursing forever.
	inProgress map[dwarf.Offset]bool
}

// NewResolver creates a Resolver over the given parsed DWARF data.
func NewResolver(data *dwarf.Data) *Resolver {
	return &Resolver{data: data, cache: map[dwarf.Offset]*Type{}}
}

// Resolve returns the Type for the DIE at off, which must be a type DIE
// (base, pointer, array, struct/union/class, enum, subroutine, typedef,
// or a cv-qualifier/atomic wrapper). Unsupported DIE tags yield a
// KindUnresolved Type rather than an error.
func (r *Resolver) Resolve(off dwarf.Offset) (*Type, error) {
	if t, ok := r.cache[off]; ok {
		return t, nil
	}
	t := &Type{}
	r.cache[off] = t // pre-register before recursing, breaks cycles

	rdr := r.data.Reader()
	rdr.Seek(off)
	e, err := rdr.Next()
	if err != nil {
		return nil, fmt.Errorf("typeinfo: reading DIE at %v: %w", off, err)
	}
	if e == nil {
		t.Kind = KindUnresolved
		t.UnresolvedReason = "no DIE at offset"
		return t, nil
	}

	name, _ := e.Val(dwarf.AttrName).(string)
	t.Name = name
	if sz, ok := e.Val(dwarf.AttrByteSize).(int64); ok {
		t.ByteSize = sz
	}

	switch e.Tag {
	case dwarf.TagBaseType:
		t.Kind = KindBase
		t.Encoding = encodingFromDWARF(e)
	case dwarf.TagPointerType:
		t.Kind = KindPointer
		if sz, ok := e.Val(dwarf.AttrByteSize).(int64); ok {
			t.ByteSize = sz
		} else {
			t.ByteSize = int64(arch.CortexM.PointerSize)
		}
		if target, ok := r.resolveTypeAttr(e); ok {
			tt, err := r.Resolve(target)
			if err != nil {
				return nil, err
			}
			t.Target = tt
		}
	case dwarf.TagArrayType:
		t.Kind = KindArray
		if elemOff, ok := r.resolveTypeAttr(e); ok {
			et, err := r.Resolve(elemOff)
			if err != nil {
				return nil, err
			}
			t.Elem = et
		}
		r.fillArrayBounds(rdr, e, t)
	case dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagClassType:
		if e.Tag == dwarf.TagUnionType {
			t.Kind = KindUnion
		} else {
			t.Kind = KindStructure
		}
		if err := r.fillMembers(rdr, t); err != nil {
			return nil, err
		}
		if t.Kind == KindStructure {
			if tu := detectTaggedUnion(t); tu != nil {
				t.Kind = KindTaggedUnion
				t.DiscriminantMember = tu.DiscriminantMember
				t.TUVariants = tu.TUVariants
			}
		}
	case dwarf.TagEnumerationType:
		t.Kind = KindEnumeration
		if underlyingOff, ok := r.resolveTypeAttr(e); ok {
			ut, err := r.Resolve(underlyingOff)
			if err != nil {
				return nil, err
			}
			t.Underlying = ut
		}
		r.fillEnumerators(rdr, t)
	case dwarf.TagSubroutineType:
		t.Kind = KindSubroutine
		if retOff, ok := r.resolveTypeAttr(e); ok {
			rt, err := r.Resolve(retOff)
			if err != nil {
				return nil, err
			}
			t.ReturnType = rt
		}
		r.fillParams(rdr, t)
	case dwarf.TagTypedef:
		t.Kind = KindTypedef
		if targetOff, ok := r.resolveTypeAttr(e); ok {
			tt, err := r.Resolve(targetOff)
			if err != nil {
				return nil, err
			}
			t.Target = tt
			if t.ByteSize == 0 {
				t.ByteSize = tt.ByteSize
			}
		}
	case dwarf.TagConstType, dwarf.TagVolatileType, dwarf.TagRestrictType, dwarf.TagAtomicType:
		t.Kind = KindModifier
		t.ModKind = modKindFromTag(e.Tag)
		if targetOff, ok := r.resolveTypeAttr(e); ok {
			tt, err := r.Resolve(targetOff)
			if err != nil {
				return nil, err
			}
			t.Target = tt
			if t.ByteSize == 0 {
				t.ByteSize = tt.ByteSize
			}
		}
	default:
		t.Kind = KindUnresolved
		t.UnresolvedReason = fmt.Sprintf("unsupported DIE tag %v", e.Tag)
	}
	return t, nil
}

func (r *Resolver) resolveTypeAttr(e *dwarf.Entry) (dwarf.Offset, bool) {
	v := e.Val(dwarf.AttrType)
	if v == nil {
		return 0, false
	}
	off, ok := v.(dwarf.Offset)
	return off, ok
}

func (r *Resolver) fillArrayBounds(rdr *dwarf.Reader, parent *dwarf.Entry, t *Type) {
	for {
		e, err := rdr.Next()
		if err != nil || e == nil || e.Tag == 0 {
			break
		}
		if e.Tag == dwarf.TagSubrangeType {
			if lb, ok := e.Val(dwarf.AttrLowerBound).(int64); ok {
				t.LowerBound = lb
			}
			if c, ok := e.Val(dwarf.AttrCount).(int64); ok {
				n := c
				t.Length = &n
			} else if ub, ok := e.Val(dwarf.AttrUpperBound).(int64); ok {
				n := ub - t.LowerBound + 1
				t.Length = &n
			}
		}
		if !e.Children {
			continue
		}
	}
}

func (r *Resolver) fillMembers(rdr *dwarf.Reader, t *Type) error {
	for {
		e, err := rdr.Next()
		if err != nil {
			return err
		}
		if e == nil || e.Tag == 0 {
			break
		}
		if e.Tag != dwarf.TagMember {
			if e.Children {
				rdr.SkipChildren()
			}
			continue
		}
		m := Member{}
		if n, ok := e.Val(dwarf.AttrName).(string); ok {
			m.Name = n
		}
		if off, ok := e.Val(dwarf.AttrDataMemberLoc).(int64); ok {
			m.ByteOffset = off
		}
		if bo, ok := e.Val(dwarf.AttrBitOffset).(int64); ok {
			m.BitOffset = &bo
		}
		if bs, ok := e.Val(dwarf.AttrBitSize).(int64); ok {
			m.BitSize = &bs
		}
		if a, ok := e.Val(dwarf.AttrArtificial).(bool); ok {
			m.Artificial = a
		}
		if e.Val(attrContainingType) != nil {
			m.Artificial = true
		}
		if typeOff, ok := r.resolveTypeAttr(e); ok {
			mt, err := r.Resolve(typeOff)
			if err != nil {
				return err
			}
			m.Type = mt
		}
		t.Members = append(t.Members, m)
	}
	return nil
}

func (r *Resolver) fillEnumerators(rdr *dwarf.Reader, t *Type) {
	for {
		e, err := rdr.Next()
		if err != nil || e == nil || e.Tag == 0 {
			break
		}
		if e.Tag != dwarf.TagEnumerator {
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		var value int64
		switch v := e.Val(dwarf.AttrConstValue).(type) {
		case int64:
			value = v
		case uint64:
			value = int64(v)
		}
		t.Variants = append(t.Variants, EnumVariant{Name: name, Value: value})
	}
}

func (r *Resolver) fillParams(rdr *dwarf.Reader, t *Type) {
	for {
		e, err := rdr.Next()
		if err != nil || e == nil || e.Tag == 0 {
			break
		}
		if e.Tag != dwarf.TagFormalParameter {
			continue
		}
		if typeOff, ok := r.resolveTypeAttr(e); ok {
			pt, err := r.Resolve(typeOff)
			if err == nil {
				t.ParamTypes = append(t.ParamTypes, pt)
			}
		}
	}
}

func encodingFromDWARF(e *dwarf.Entry) Encoding {
	ate, _ := e.Val(dwarf.AttrEncoding).(int64)
	switch ate {
	case 0x02: // DW_ATE_boolean
		return EncodingBool
	case 0x04: // DW_ATE_float
		return EncodingFloat
	case 0x05: // DW_ATE_signed
		return EncodingSigned
	case 0x06: // DW_ATE_signed_char
		return EncodingChar
	case 0x07: // DW_ATE_unsigned
		return EncodingUnsigned
	case 0x08: // DW_ATE_unsigned_char
		return EncodingChar
	case 0x10: // DW_ATE_UTF (DWARF5 char8_t/UTF-8 encodings)
		return EncodingUTF8
	case 0x01: // DW_ATE_address
		return EncodingAddress
	default:
		name, _ := e.Val(dwarf.AttrName).(string)
		if strings.Contains(name, "char") {
			return EncodingChar
		}
		return EncodingSigned
	}
}

func modKindFromTag(tag dwarf.Tag) ModifierKind {
	switch tag {
	case dwarf.TagVolatileType:
		return ModVolatile
	case dwarf.TagRestrictType:
		return ModRestrict
	case dwarf.TagAtomicType:
		return ModAtomic
	default:
		return ModConst
	}
}

type tuDetection struct {
	DiscriminantMember *Member
	TUVariants         []TUVariant
}

// detectTaggedUnion recognizes the common Rust enum encoding: a
// structure whose single member is itself a union, where the union's
// members are structures each prefixed by an identically-offset
// discriminant field, is modeled as a TaggedUnion. A DW_TAG_variant with
// no discriminant value (which this simplified DIE-walk surfaces as a
// union member lacking a leading scalar with a matching enumerator)
// becomes the default/niche variant.
func detectTaggedUnion(t *Type) *tuDetection {
	visible := t.VisibleMembers()
	if len(visible) != 1 || visible[0].Type == nil || visible[0].Type.Kind != KindUnion {
		return nil
	}
	union := visible[0].Type
	if len(union.Members) == 0 {
		return nil
	}
	var discriminantOffset int64 = -1
	var discriminantMember *Member
	variants := make([]TUVariant, 0, len(union.Members))
	for i := range union.Members {
		variant := union.Members[i].Type
		if variant == nil || variant.Kind != KindStructure || len(variant.Members) == 0 {
			// A payload-less / scalar variant still counts as the
			// default (niche) case.
			variants = append(variants, TUVariant{Payload: variant})
			continue
		}
		first := variant.Members[0]
		if discriminantOffset == -1 {
			discriminantOffset = first.ByteOffset
			discriminantMember = &Member{Name: first.Name, Type: first.Type, ByteOffset: first.ByteOffset}
		} else if first.ByteOffset != discriminantOffset {
			// Variants disagree on the discriminant's offset; this isn't a
			// recognizable tagged-union shape, so back off to a plain Union.
			return nil
		}
		value, ok := constEnumValue(first)
		if !ok {
			variants = append(variants, TUVariant{Payload: variant})
			continue
		}
		v := value
		variants = append(variants, TUVariant{DiscrValue: &v, Payload: variant})
	}
	if discriminantMember == nil {
		return nil
	}
	return &tuDetection{DiscriminantMember: discriminantMember, TUVariants: variants}
}

// constEnumValue extracts a literal discriminant value from a member
// whose type is a single-variant enumeration, the common Rust niche
// encoding for a variant's tag field.
func constEnumValue(m Member) (int64, bool) {
	if m.Type == nil || m.Type.Kind != KindEnumeration || len(m.Type.Variants) != 1 {
		return 0, false
	}
	return m.Type.Variants[0].Value, true
}
