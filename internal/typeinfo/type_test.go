package typeinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func u32() *Type { return &Type{Kind: KindBase, Name: "u32", ByteSize: 4, Encoding: EncodingUnsigned} }

func TestDerefUnwrapsTypedefAndModifier(t *testing.T) {
	base := u32()
	modifier := &Type{Kind: KindModifier, ModKind: ModConst, Target: base, ByteSize: 4}
	typedef := &Type{Kind: KindTypedef, Name: "MyU32", Target: modifier, ByteSize: 4}

	assert.Same(t, base, typedef.Deref())
}

func TestVisibleMembersHidesArtificial(t *testing.T) {
	s := &Type{
		Kind: KindStructure,
		Members: []Member{
			{Name: "vtable", Artificial: true},
			{Name: "x", Type: u32()},
		},
	}
	visible := s.VisibleMembers()
	assert.Len(t, visible, 1)
	assert.Equal(t, "x", visible[0].Name)
}

func TestDetectTaggedUnionRustStyleEnum(t *testing.T) {
	// enum E { A(u32), B } laid out as:
	// struct E { union { struct A_ { discr: EDiscr_A; 0: u32 }, struct B_ { discr: EDiscr_B } } }
	discrA := int64(0)
	discrB := int64(1)
	discrTypeA := &Type{Kind: KindEnumeration, Name: "Discr", Variants: []EnumVariant{{Name: "A", Value: 0}}}
	discrTypeB := &Type{Kind: KindEnumeration, Name: "Discr", Variants: []EnumVariant{{Name: "B", Value: 1}}}

	variantA := &Type{
		Kind: KindStructure,
		Name: "E::A",
		Members: []Member{
			{Name: "tag", Type: discrTypeA, ByteOffset: 0},
			{Name: "0", Type: u32(), ByteOffset: 4},
		},
	}
	variantB := &Type{
		Kind: KindStructure,
		Name: "E::B",
		Members: []Member{
			{Name: "tag", Type: discrTypeB, ByteOffset: 0},
		},
	}
	union := &Type{
		Kind: KindUnion,
		Members: []Member{
			{Name: "A", Type: variantA},
			{Name: "B", Type: variantB},
		},
	}
	e := &Type{
		Kind:     KindStructure,
		Name:     "E",
		ByteSize: 8,
		Members:  []Member{{Name: "", Type: union}},
	}

	tu := detectTaggedUnion(e)
	if assertTUFound(t, tu) {
		assert.Len(t, tu.TUVariants, 2)
		assert.Equal(t, discrA, *tu.TUVariants[0].DiscrValue)
		assert.Equal(t, discrB, *tu.TUVariants[1].DiscrValue)
	}
}

func assertTUFound(t *testing.T, tu *tuDetection) bool {
	t.Helper()
	if tu == nil {
		t.Fatal("expected tagged union to be detected")
		return false
	}
	return true
}

func TestByteSizeFitsCatchesOverflow(t *testing.T) {
	parent := int64(4)
	m := Member{Type: u32(), ByteOffset: 2} // [2,6) doesn't fit in 4
	assert.False(t, byteSizeFits(parent, m))

	m2 := Member{Type: u32(), ByteOffset: 0}
	assert.True(t, byteSizeFits(parent, m2))
}
