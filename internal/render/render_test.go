package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armtrace/stackdump/internal/locexpr"
	"github.com/armtrace/stackdump/internal/memory"
	"github.com/armtrace/stackdump/internal/typeinfo"
)

func u32Type() *typeinfo.Type {
	return &typeinfo.Type{Kind: typeinfo.KindBase, Name: "u32", ByteSize: 4, Encoding: typeinfo.EncodingUnsigned}
}

func TestRenderBaseScalar(t *testing.T) {
	mem := memory.New([]*memory.Region{{Base: 0x2000_0000, Bytes: []byte{0x2a, 0, 0, 0}}}, nil)
	r := New(mem, DefaultOptions())
	v := r.RenderLocation(u32Type(), locexpr.Memory(0x2000_0000), 0)
	require.Equal(t, NodeScalar, v.Kind)
	assert.Equal(t, "42", v.Text)
}

func TestRenderNullPointer(t *testing.T) {
	mem := memory.New([]*memory.Region{{Base: 0x2000_0000, Bytes: []byte{0, 0, 0, 0}}}, nil)
	r := New(mem, DefaultOptions())
	ptrType := &typeinfo.Type{Kind: typeinfo.KindPointer, Name: "*u32", ByteSize: 4, Target: u32Type()}
	v := r.RenderLocation(ptrType, locexpr.Memory(0x2000_0000), 0)
	assert.Equal(t, "null", v.Text)
}

func TestRenderUnavailableBecomesError(t *testing.T) {
	mem := memory.New(nil, nil)
	r := New(mem, DefaultOptions())
	v := r.RenderLocation(u32Type(), locexpr.Unavailable(locexpr.ReasonNeedsMemory, "gap"), 0)
	require.Equal(t, NodeError, v.Kind)
}

func TestRenderCompositeStruct(t *testing.T) {
	mem := memory.New([]*memory.Region{{Base: 0x2000_0000, Bytes: []byte{1, 0, 0, 0, 2, 0, 0, 0}}}, nil)
	s := &typeinfo.Type{
		Kind:     typeinfo.KindStructure,
		Name:     "Point",
		ByteSize: 8,
		Members: []typeinfo.Member{
			{Name: "x", Type: u32Type(), ByteOffset: 0},
			{Name: "y", Type: u32Type(), ByteOffset: 4},
		},
	}
	r := New(mem, DefaultOptions())
	v := r.RenderLocation(s, locexpr.Memory(0x2000_0000), 0)
	require.Equal(t, NodeComposite, v.Kind)
	require.Len(t, v.Fields, 2)
	assert.Equal(t, "1", v.Fields[0].Value.Text)
	assert.Equal(t, "2", v.Fields[1].Value.Text)

	out := Format(v, Options{Theme: ThemeNone})
	assert.True(t, strings.Contains(out, "Point"))
	assert.True(t, strings.Contains(out, "x: 1"))
}

func charType() *typeinfo.Type {
	return &typeinfo.Type{Kind: typeinfo.KindBase, Name: "u8", ByteSize: 1, Encoding: typeinfo.EncodingChar}
}

func TestRenderFatPointerAsString(t *testing.T) {
	mem := memory.New([]*memory.Region{
		{Base: 0x2000_0000, Bytes: []byte{0x00, 0x30, 0x00, 0x20, 0x05, 0x00, 0x00, 0x00}},
		{Base: 0x2000_3000, Bytes: []byte("hello")},
	}, nil)
	strType := &typeinfo.Type{
		Kind:     typeinfo.KindStructure,
		Name:     "&str",
		ByteSize: 8,
		Members: []typeinfo.Member{
			{Name: "data_ptr", Type: &typeinfo.Type{Kind: typeinfo.KindPointer, ByteSize: 4, Target: charType()}, ByteOffset: 0},
			{Name: "length", Type: u32Type(), ByteOffset: 4},
		},
	}
	r := New(mem, DefaultOptions())
	v := r.RenderLocation(strType, locexpr.Memory(0x2000_0000), 0)
	require.Equal(t, NodeString, v.Kind)
	assert.Equal(t, "hello", v.String)
}

func TestRenderFatPointerElidesPastMaxBytes(t *testing.T) {
	lenBytes := []byte{0, 0, 0, 0}
	binaryLE(lenBytes, maxFatPointerBytes+1)
	mem := memory.New([]*memory.Region{
		{Base: 0x2000_0000, Bytes: append([]byte{0x00, 0x30, 0x00, 0x20}, lenBytes...)},
	}, nil)
	sliceType := &typeinfo.Type{
		Kind:     typeinfo.KindStructure,
		Name:     "&[u8]",
		ByteSize: 8,
		Members: []typeinfo.Member{
			{Name: "data_ptr", Type: &typeinfo.Type{Kind: typeinfo.KindPointer, ByteSize: 4, Target: charType()}, ByteOffset: 0},
			{Name: "length", Type: u32Type(), ByteOffset: 4},
		},
	}
	r := New(mem, DefaultOptions())
	v := r.RenderLocation(sliceType, locexpr.Memory(0x2000_0000), 0)
	require.Equal(t, NodeScalar, v.Kind)
	assert.Contains(t, v.Text, "elided")
}

func binaryLE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func TestRenderTransparentTypedefSkipsWrapperName(t *testing.T) {
	mem := memory.New([]*memory.Region{{Base: 0x2000_0000, Bytes: []byte{1, 0, 0, 0, 2, 0, 0, 0}}}, nil)
	point := &typeinfo.Type{
		Kind:     typeinfo.KindStructure,
		Name:     "Point",
		ByteSize: 8,
		Members: []typeinfo.Member{
			{Name: "x", Type: u32Type(), ByteOffset: 0},
			{Name: "y", Type: u32Type(), ByteOffset: 4},
		},
	}
	wrapper := &typeinfo.Type{Kind: typeinfo.KindTypedef, Name: "MaybeUninit<Point>", Target: point}

	opt := DefaultOptions()
	opt.TransparentTypeNames = []string{"MaybeUninit<Point>"}
	r := New(mem, opt)
	v := r.RenderLocation(wrapper, locexpr.Memory(0x2000_0000), 0)
	assert.Equal(t, "Point", v.Type.Name)

	r2 := New(mem, DefaultOptions())
	v2 := r2.RenderLocation(wrapper, locexpr.Memory(0x2000_0000), 0)
	assert.Equal(t, "MaybeUninit<Point>", v2.Type.Name) // not configured as transparent: wrapper name stays
}

func TestParseTheme(t *testing.T) {
	assert.Equal(t, ThemeNone, ParseTheme("none"))
	assert.Equal(t, ThemeLight, ParseTheme("light"))
	assert.Equal(t, ThemeDark, ParseTheme("dark"))
	assert.Equal(t, ThemeDark, ParseTheme("anything-else"))
}
