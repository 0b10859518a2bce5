package btf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RoundTrip(t *testing.T) {
	b := NewBuilder(binary.LittleEndian)
	u32 := b.Int("unsigned int", 4, false)
	i64 := b.Int("long long", 8, true)
	task := b.Struct("task_struct", 16,
		Member{Name: "pid", Type: u32, BitOffset: 0},
		Member{Name: "start_time", Type: i64, BitOffset: 64},
	)
	ptr := b.Pointer(task)
	td := b.Typedef("task_ptr", ptr)

	g, err := b.BuildGraph()
	require.NoError(t, err)

	// Void plus the five records above.
	assert.Equal(t, 6, g.NumTypes())

	typ, err := g.TypeByID(task)
	require.NoError(t, err)
	assert.Equal(t, KindStruct, typ.Kind)
	assert.Equal(t, "task_struct", typ.Name)
	assert.Equal(t, uint32(16), typ.Size)
	require.Len(t, typ.Members, 2)
	assert.Equal(t, "pid", typ.Members[0].Name)
	assert.Equal(t, u32, typ.Members[0].Type)
	assert.Equal(t, uint32(64), typ.Members[1].BitOffset)

	typ, err = g.TypeByID(td)
	require.NoError(t, err)
	assert.Equal(t, KindTypedef, typ.Kind)
	assert.Equal(t, ptr, typ.Ref)
}

func TestDecode_ByteOrderFromMagic(t *testing.T) {
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		b := NewBuilder(bo)
		b.Int("int", 4, true)
		blob := b.Build()

		g, err := Decode(blob, nil)
		require.NoError(t, err, "byte order %v", bo)
		assert.Equal(t, 2, g.NumTypes())
	}
}

func TestDecode_Errors(t *testing.T) {
	valid := func() []byte {
		b := NewBuilder(binary.LittleEndian)
		b.Int("int", 4, true)
		return b.Build()
	}

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"bad magic", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"truncated header", valid()[:10]},
		{"truncated types", valid()[:headerLen+4]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.blob, binary.LittleEndian)
			var derr *DecodeError
			require.ErrorAs(t, err, &derr)
		})
	}
}

func TestDecode_DanglingReference(t *testing.T) {
	b := NewBuilder(binary.LittleEndian)
	b.Pointer(TypeID(42))

	_, err := b.BuildGraph()
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Contains(t, derr.Reason, "references type 42")
}

func TestGraph_TypesByName_Flavors(t *testing.T) {
	b := NewBuilder(binary.LittleEndian)
	plain := b.Struct("request", 8)
	old := b.Struct("request___old", 16)

	g, err := b.BuildGraph()
	require.NoError(t, err)

	ids := g.TypesByName("request")
	assert.Equal(t, []TypeID{plain, old}, ids)

	// A flavored query resolves through the essential name too.
	assert.Equal(t, ids, g.TypesByName("request___v2"))
}

func TestEssentialName(t *testing.T) {
	assert.Equal(t, "task_struct", EssentialName("task_struct"))
	assert.Equal(t, "task_struct", EssentialName("task_struct___v511"))
	// A leading "___" is part of the name, not a flavor marker.
	assert.Equal(t, "___weird", EssentialName("___weird"))
}

func TestGraph_Underlying(t *testing.T) {
	b := NewBuilder(binary.LittleEndian)
	i32 := b.Int("int", 4, true)
	c := b.Const(i32)
	td := b.Typedef("myint", c)

	g, err := b.BuildGraph()
	require.NoError(t, err)

	id, typ, err := g.Underlying(td)
	require.NoError(t, err)
	assert.Equal(t, i32, id)
	assert.Equal(t, KindInt, typ.Kind)
}

func TestGraph_Size(t *testing.T) {
	b := NewBuilder(binary.LittleEndian)
	i32 := b.Int("int", 4, true)
	idx := b.Int("__ARRAY_SIZE_TYPE__", 4, false)
	arr := b.Array(i32, idx, 10)
	s := b.Struct("wrapper", 48, Member{Name: "values", Type: arr})
	ptr := b.Pointer(s)

	g, err := b.BuildGraph()
	require.NoError(t, err)

	tests := []struct {
		id   TypeID
		want uint32
	}{
		{i32, 4},
		{arr, 40},
		{s, 48},
		{ptr, 8},
	}
	for _, tt := range tests {
		got, err := g.Size(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "type %d", tt.id)
	}

	_, err = g.Size(0) // Void has no size.
	assert.Error(t, err)
}

func TestDecode_Bitfields(t *testing.T) {
	b := NewBuilder(binary.LittleEndian)
	u32 := b.Int("unsigned int", 4, false)
	s := b.Struct("flags", 4,
		Member{Name: "a", Type: u32, BitOffset: 0, BitSize: 3},
		Member{Name: "b", Type: u32, BitOffset: 3, BitSize: 5},
	)

	g, err := b.BuildGraph()
	require.NoError(t, err)

	typ, err := g.TypeByID(s)
	require.NoError(t, err)
	require.Len(t, typ.Members, 2)
	assert.Equal(t, uint8(3), typ.Members[0].BitSize)
	assert.Equal(t, uint32(3), typ.Members[1].BitOffset)
	assert.Equal(t, uint8(5), typ.Members[1].BitSize)
}

func TestDecode_Enum(t *testing.T) {
	b := NewBuilder(binary.LittleEndian)
	e := b.Enum("state", 4,
		EnumValue{Name: "IDLE", Value: 0},
		EnumValue{Name: "RUNNING", Value: 7},
	)

	g, err := b.BuildGraph()
	require.NoError(t, err)

	typ, err := g.TypeByID(e)
	require.NoError(t, err)
	assert.Equal(t, KindEnum, typ.Kind)
	require.Len(t, typ.Values, 2)
	assert.Equal(t, "RUNNING", typ.Values[1].Name)
	assert.Equal(t, int64(7), typ.Values[1].Value)
}

func TestDecode_Datasec(t *testing.T) {
	b := NewBuilder(binary.LittleEndian)
	u64 := b.Int("unsigned long long", 8, false)
	v := b.Var("counter", u64, 1)
	ds := b.Datasec(".bss", 8, VarSecInfo{Type: v, Offset: 0, Size: 8})

	g, err := b.BuildGraph()
	require.NoError(t, err)

	typ, err := g.TypeByID(ds)
	require.NoError(t, err)
	assert.Equal(t, KindDatasec, typ.Kind)
	require.Len(t, typ.Vars, 1)
	assert.Equal(t, v, typ.Vars[0].Type)
}

func TestRuntimeGraphCache(t *testing.T) {
	defer ResetRuntimeGraph()

	b := NewBuilder(binary.LittleEndian)
	b.Int("int", 4, true)
	g, err := b.BuildGraph()
	require.NoError(t, err)

	SetRuntimeGraph(g)
	got, err := RuntimeGraph()
	require.NoError(t, err)
	assert.Same(t, g, got)
}
