package btf

import (
	"encoding/binary"
)

// Builder assembles a valid BTF blob programmatically. It exists for
// test fixtures and tools that need a type graph without a compiler:
// ids are handed out in insertion order, exactly as Decode will
// assign them when the blob is read back.
type Builder struct {
	bo      binary.ByteOrder
	strings []byte
	strOffs map[string]uint32
	types   [][]byte
}

// NewBuilder creates a Builder targeting the given byte order.
func NewBuilder(bo binary.ByteOrder) *Builder {
	return &Builder{
		bo:      bo,
		strings: []byte{0},
		strOffs: map[string]uint32{"": 0},
	}
}

func (b *Builder) internString(s string) uint32 {
	if off, ok := b.strOffs[s]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.strings = append(b.strings, s...)
	b.strings = append(b.strings, 0)
	b.strOffs[s] = off
	return off
}

func (b *Builder) u32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	b.bo.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// record appends a btf_type record and returns its id.
func (b *Builder) record(name string, kind Kind, vlen int, kindFlag bool, sizeType uint32, extra []byte) TypeID {
	info := uint32(vlen)&infoVlenMask | uint32(kind)<<infoKindShift
	if kindFlag {
		info |= 1 << infoFlagShift
	}
	var rec []byte
	rec = b.u32(rec, b.internString(name))
	rec = b.u32(rec, info)
	rec = b.u32(rec, sizeType)
	rec = append(rec, extra...)
	b.types = append(b.types, rec)
	return TypeID(len(b.types))
}

// Int adds an integer type of the given byte size.
func (b *Builder) Int(name string, size uint32, signed bool) TypeID {
	enc := uint32(size * 8)
	if signed {
		enc |= intEncSigned << intEncShift
	}
	var extra []byte
	extra = b.u32(extra, enc)
	return b.record(name, KindInt, 0, false, size, extra)
}

// Pointer adds a pointer to the given type.
func (b *Builder) Pointer(to TypeID) TypeID {
	return b.record("", KindPointer, 0, false, uint32(to), nil)
}

// Typedef adds a named alias of the given type.
func (b *Builder) Typedef(name string, to TypeID) TypeID {
	return b.record(name, KindTypedef, 0, false, uint32(to), nil)
}

// Const adds a const qualifier over the given type.
func (b *Builder) Const(to TypeID) TypeID {
	return b.record("", KindConst, 0, false, uint32(to), nil)
}

// Array adds an array of nelems elements.
func (b *Builder) Array(elem, index TypeID, nelems uint32) TypeID {
	var extra []byte
	extra = b.u32(extra, uint32(elem))
	extra = b.u32(extra, uint32(index))
	extra = b.u32(extra, nelems)
	return b.record("", KindArray, 0, false, 0, extra)
}

func (b *Builder) composite(name string, kind Kind, size uint32, members []Member) TypeID {
	kindFlag := false
	for _, m := range members {
		if m.BitSize != 0 {
			kindFlag = true
			break
		}
	}
	var extra []byte
	for _, m := range members {
		extra = b.u32(extra, b.internString(m.Name))
		extra = b.u32(extra, uint32(m.Type))
		off := m.BitOffset
		if kindFlag {
			off = uint32(m.BitSize)<<24 | (m.BitOffset & 0x00ffffff)
		}
		extra = b.u32(extra, off)
	}
	return b.record(name, kind, len(members), kindFlag, size, extra)
}

// Struct adds a struct with the given byte size and members. Member
// offsets are in bits.
func (b *Builder) Struct(name string, size uint32, members ...Member) TypeID {
	return b.composite(name, KindStruct, size, members)
}

// Union adds a union with the given byte size and members.
func (b *Builder) Union(name string, size uint32, members ...Member) TypeID {
	return b.composite(name, KindUnion, size, members)
}

// Enum adds an enum of the given byte size.
func (b *Builder) Enum(name string, size uint32, values ...EnumValue) TypeID {
	var extra []byte
	for _, v := range values {
		extra = b.u32(extra, b.internString(v.Name))
		extra = b.u32(extra, uint32(int32(v.Value)))
	}
	return b.record(name, KindEnum, len(values), false, size, extra)
}

// Forward adds a forward declaration. union selects "union foo;".
func (b *Builder) Forward(name string, union bool) TypeID {
	return b.record(name, KindForward, 0, union, 0, nil)
}

// FuncProto adds a function prototype returning ret.
func (b *Builder) FuncProto(ret TypeID, params ...Param) TypeID {
	var extra []byte
	for _, p := range params {
		extra = b.u32(extra, b.internString(p.Name))
		extra = b.u32(extra, uint32(p.Type))
	}
	return b.record("", KindFuncProto, len(params), false, uint32(ret), extra)
}

// Func adds a named function with the given prototype.
func (b *Builder) Func(name string, proto TypeID) TypeID {
	return b.record(name, KindFunc, 0, false, uint32(proto), nil)
}

// Var adds a named variable of the given type.
func (b *Builder) Var(name string, typ TypeID, linkage uint32) TypeID {
	var extra []byte
	extra = b.u32(extra, linkage)
	return b.record(name, KindVar, 0, false, uint32(typ), extra)
}

// Datasec adds a data section holding the given variables.
func (b *Builder) Datasec(name string, size uint32, vars ...VarSecInfo) TypeID {
	var extra []byte
	for _, v := range vars {
		extra = b.u32(extra, uint32(v.Type))
		extra = b.u32(extra, v.Offset)
		extra = b.u32(extra, v.Size)
	}
	return b.record(name, KindDatasec, len(vars), false, size, extra)
}

// Build serialises the accumulated types into a BTF blob.
func (b *Builder) Build() []byte {
	var typeBuf []byte
	for _, rec := range b.types {
		typeBuf = append(typeBuf, rec...)
	}

	blob := make([]byte, 0, headerLen+len(typeBuf)+len(b.strings))
	var tmp [4]byte
	b.bo.PutUint16(tmp[:2], Magic)
	blob = append(blob, tmp[0], tmp[1])
	blob = append(blob, 1, 0) // version, flags
	blob = b.u32(blob, headerLen)
	blob = b.u32(blob, 0)                    // type_off
	blob = b.u32(blob, uint32(len(typeBuf))) // type_len
	blob = b.u32(blob, uint32(len(typeBuf))) // str_off
	blob = b.u32(blob, uint32(len(b.strings)))
	blob = append(blob, typeBuf...)
	blob = append(blob, b.strings...)
	return blob
}

// BuildGraph serialises and immediately decodes, returning the graph
// the blob describes.
func (b *Builder) BuildGraph() (*Graph, error) {
	return Decode(b.Build(), b.bo)
}
