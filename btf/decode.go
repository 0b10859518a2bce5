package btf

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies a BTF blob. The kernel emits it in native byte
// order, which is how the decoder detects endianness when the caller
// has no ELF header to consult.
const Magic = 0xeB9F

// DecodeError is returned when a BTF blob cannot be decoded. TypeID
// is the id of the record being decoded when the failure occurred,
// or 0 for header-level failures.
type DecodeError struct {
	TypeID TypeID
	Reason string
}

func (e *DecodeError) Error() string {
	if e.TypeID != 0 {
		return fmt.Sprintf("decoding BTF type %d: %s", e.TypeID, e.Reason)
	}
	return fmt.Sprintf("decoding BTF: %s", e.Reason)
}

func decodeErrf(id TypeID, format string, args ...any) *DecodeError {
	return &DecodeError{TypeID: id, Reason: fmt.Sprintf(format, args...)}
}

// header mirrors struct btf_header. All offsets are relative to the
// end of the header (HdrLen bytes into the blob).
type header struct {
	magic   uint16
	version uint8
	flags   uint8
	hdrLen  uint32
	typeOff uint32
	typeLen uint32
	strOff  uint32
	strLen  uint32
}

const (
	headerLen = 24
	recordLen = 12 // btf_type: name_off, info, size/type
)

// info bit layout of btf_type.Info.
const (
	infoVlenMask  = 0xffff
	infoKindShift = 24
	infoKindMask  = 0x1f
	infoFlagShift = 31
)

// Int encoding bits in the trailing u32 of an Int record.
const (
	intEncSigned  = 1 << 0
	intEncChar    = 1 << 1
	intEncBool    = 1 << 2
	intEncShift   = 24
	intBitsMask   = 0xff
	intOffsetMask = 0xff
)

// Decode decodes a BTF blob into a Graph using the given byte order.
// The byte order normally comes from the containing object's ELF
// header; pass nil to detect it from the magic.
func Decode(blob []byte, bo binary.ByteOrder) (*Graph, error) {
	if bo == nil {
		var err error
		bo, err = guessByteOrder(blob)
		if err != nil {
			return nil, err
		}
	}
	hdr, err := parseHeader(blob, bo)
	if err != nil {
		return nil, err
	}

	typeStart := hdr.hdrLen + hdr.typeOff
	strStart := hdr.hdrLen + hdr.strOff
	if err := checkExtent(blob, typeStart, hdr.typeLen, "type section"); err != nil {
		return nil, err
	}
	if err := checkExtent(blob, strStart, hdr.strLen, "string section"); err != nil {
		return nil, err
	}

	strtab, err := newStringTable(blob[strStart : strStart+hdr.strLen])
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	d := &decoder{
		buf:    blob[typeStart : typeStart+hdr.typeLen],
		bo:     bo,
		strtab: strtab,
	}
	types, err := d.decodeTypes()
	if err != nil {
		return nil, err
	}

	g := &Graph{types: types, byName: make(map[string][]TypeID), strings: strtab}
	for id, t := range g.types {
		if t.Name == "" {
			continue
		}
		name := EssentialName(t.Name)
		g.byName[name] = append(g.byName[name], TypeID(id))
	}
	return g, nil
}

func guessByteOrder(blob []byte) (binary.ByteOrder, error) {
	if len(blob) < 2 {
		return nil, &DecodeError{Reason: "blob too short for magic"}
	}
	switch {
	case binary.LittleEndian.Uint16(blob) == Magic:
		return binary.LittleEndian, nil
	case binary.BigEndian.Uint16(blob) == Magic:
		return binary.BigEndian, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("bad magic 0x%x", binary.LittleEndian.Uint16(blob))}
	}
}

func parseHeader(blob []byte, bo binary.ByteOrder) (*header, error) {
	if len(blob) < headerLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("blob is %d bytes, header needs %d", len(blob), headerLen)}
	}
	hdr := &header{
		magic:   bo.Uint16(blob[0:2]),
		version: blob[2],
		flags:   blob[3],
		hdrLen:  bo.Uint32(blob[4:8]),
		typeOff: bo.Uint32(blob[8:12]),
		typeLen: bo.Uint32(blob[12:16]),
		strOff:  bo.Uint32(blob[16:20]),
		strLen:  bo.Uint32(blob[20:24]),
	}
	if hdr.magic != Magic {
		return nil, &DecodeError{Reason: fmt.Sprintf("bad magic 0x%x", hdr.magic)}
	}
	if hdr.version != 1 {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", hdr.version)}
	}
	if hdr.hdrLen < headerLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("header length %d too small", hdr.hdrLen)}
	}
	if int(hdr.hdrLen) > len(blob) {
		return nil, &DecodeError{Reason: "header length exceeds blob"}
	}
	return hdr, nil
}

func checkExtent(blob []byte, off, length uint32, what string) error {
	end := uint64(off) + uint64(length)
	if end > uint64(len(blob)) {
		return &DecodeError{Reason: fmt.Sprintf("%s [%d, %d) exceeds blob of %d bytes", what, off, end, len(blob))}
	}
	return nil
}

type decoder struct {
	buf    []byte
	off    int
	bo     binary.ByteOrder
	strtab *stringTable
}

// decodeTypes iterates the self-describing type records. Record
// index order is the type id, starting at 1; id 0 is the implicit
// Void type. Forward references to not-yet-decoded ids are legal and
// validated at the end of the pass.
func (d *decoder) decodeTypes() ([]Type, error) {
	types := []Type{{Kind: KindVoid}}
	for d.off < len(d.buf) {
		id := TypeID(len(types))
		t, err := d.decodeOne(id)
		if err != nil {
			return nil, err
		}
		types = append(types, *t)
	}
	if err := validateRefs(types); err != nil {
		return nil, err
	}
	return types, nil
}

// validateRefs checks that every type id referenced by a node exists
// in the arena. Forward references are legal; dangling ones are not.
func validateRefs(types []Type) error {
	n := TypeID(len(types))
	check := func(id TypeID, owner TypeID, what string) error {
		if id >= n {
			return decodeErrf(owner, "%s references type %d, graph has %d", what, id, n)
		}
		return nil
	}
	for i := range types {
		t, id := &types[i], TypeID(i)
		switch t.Kind {
		case KindPointer, KindTypedef, KindVolatile, KindConst, KindRestrict,
			KindFunc, KindVar, KindDeclTag, KindTypeTag:
			if err := check(t.Ref, id, t.Kind.String()); err != nil {
				return err
			}
		case KindFuncProto:
			if err := check(t.Ref, id, "return type"); err != nil {
				return err
			}
			for _, p := range t.Params {
				if err := check(p.Type, id, "parameter"); err != nil {
					return err
				}
			}
		case KindArray:
			if err := check(t.Elem, id, "array element"); err != nil {
				return err
			}
			if err := check(t.Index, id, "array index"); err != nil {
				return err
			}
		case KindStruct, KindUnion:
			for _, m := range t.Members {
				if err := check(m.Type, id, "member"); err != nil {
					return err
				}
			}
		case KindDatasec:
			for _, v := range t.Vars {
				if err := check(v.Type, id, "section variable"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (d *decoder) u32(id TypeID) (uint32, error) {
	if d.off+4 > len(d.buf) {
		return 0, decodeErrf(id, "truncated record at offset %d", d.off)
	}
	v := d.bo.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) str(id TypeID, off uint32) (string, error) {
	s, err := d.strtab.Lookup(off)
	if err != nil {
		return "", decodeErrf(id, "%v", err)
	}
	return s, nil
}

// decodeOne decodes a single btf_type record plus its kind-specific
// trailing data.
func (d *decoder) decodeOne(id TypeID) (*Type, error) {
	nameOff, err := d.u32(id)
	if err != nil {
		return nil, err
	}
	info, err := d.u32(id)
	if err != nil {
		return nil, err
	}
	sizeType, err := d.u32(id)
	if err != nil {
		return nil, err
	}

	name, err := d.str(id, nameOff)
	if err != nil {
		return nil, err
	}

	vlen := int(info & infoVlenMask)
	kind := Kind((info >> infoKindShift) & infoKindMask)
	kindFlag := info>>infoFlagShift&1 != 0

	t := &Type{Kind: kind, Name: name}
	switch kind {
	case KindInt:
		enc, err := d.u32(id)
		if err != nil {
			return nil, err
		}
		t.Size = sizeType
		t.Bits = uint8(enc & intBitsMask)
		encoding := (enc >> intEncShift) & 0xf
		t.Signed = encoding&intEncSigned != 0
		t.Char = encoding&intEncChar != 0
		t.Bool = encoding&intEncBool != 0
		if uint32(t.Bits) > t.Size*8 {
			return nil, decodeErrf(id, "int %q: %d bits exceed declared size of %d bytes", name, t.Bits, t.Size)
		}

	case KindPointer, KindTypedef, KindVolatile, KindConst, KindRestrict, KindTypeTag:
		t.Ref = TypeID(sizeType)

	case KindArray:
		elem, err := d.u32(id)
		if err != nil {
			return nil, err
		}
		index, err := d.u32(id)
		if err != nil {
			return nil, err
		}
		nelems, err := d.u32(id)
		if err != nil {
			return nil, err
		}
		t.Elem = TypeID(elem)
		t.Index = TypeID(index)
		t.NumElems = nelems

	case KindStruct, KindUnion:
		t.Size = sizeType
		t.Members = make([]Member, 0, vlen)
		for i := 0; i < vlen; i++ {
			m, err := d.decodeMember(id, t.Size, kindFlag)
			if err != nil {
				return nil, err
			}
			t.Members = append(t.Members, *m)
		}

	case KindEnum:
		t.Size = sizeType
		t.EnumSigned = kindFlag
		t.Values = make([]EnumValue, 0, vlen)
		for i := 0; i < vlen; i++ {
			vNameOff, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			val, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			vName, err := d.str(id, vNameOff)
			if err != nil {
				return nil, err
			}
			v := int64(int32(val))
			if !t.EnumSigned {
				v = int64(val)
			}
			t.Values = append(t.Values, EnumValue{Name: vName, Value: v})
		}

	case KindEnum64:
		t.Size = sizeType
		t.EnumSigned = kindFlag
		t.Values = make([]EnumValue, 0, vlen)
		for i := 0; i < vlen; i++ {
			vNameOff, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			lo, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			hi, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			vName, err := d.str(id, vNameOff)
			if err != nil {
				return nil, err
			}
			t.Values = append(t.Values, EnumValue{
				Name:  vName,
				Value: int64(uint64(hi)<<32 | uint64(lo)),
			})
		}

	case KindForward:
		t.FwdUnion = kindFlag

	case KindFunc:
		t.Ref = TypeID(sizeType)
		t.Linkage = uint32(vlen)

	case KindFuncProto:
		t.Ref = TypeID(sizeType)
		t.Params = make([]Param, 0, vlen)
		for i := 0; i < vlen; i++ {
			pNameOff, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			pType, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			pName, err := d.str(id, pNameOff)
			if err != nil {
				return nil, err
			}
			t.Params = append(t.Params, Param{Name: pName, Type: TypeID(pType)})
		}

	case KindVar:
		t.Ref = TypeID(sizeType)
		linkage, err := d.u32(id)
		if err != nil {
			return nil, err
		}
		t.Linkage = linkage

	case KindDatasec:
		t.Size = sizeType
		t.Vars = make([]VarSecInfo, 0, vlen)
		for i := 0; i < vlen; i++ {
			vType, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			vOff, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			vSize, err := d.u32(id)
			if err != nil {
				return nil, err
			}
			t.Vars = append(t.Vars, VarSecInfo{Type: TypeID(vType), Offset: vOff, Size: vSize})
		}

	case KindFloat:
		t.Size = sizeType

	case KindDeclTag:
		t.Ref = TypeID(sizeType)
		if _, err := d.u32(id); err != nil { // component index, unused here
			return nil, err
		}

	default:
		return nil, decodeErrf(id, "unknown kind %d", kind)
	}

	return t, nil
}

// decodeMember decodes one btf_member. When the parent's kind_flag is
// set the offset word packs a bitfield size in its top byte.
func (d *decoder) decodeMember(id TypeID, parentSize uint32, kindFlag bool) (*Member, error) {
	nameOff, err := d.u32(id)
	if err != nil {
		return nil, err
	}
	typ, err := d.u32(id)
	if err != nil {
		return nil, err
	}
	offset, err := d.u32(id)
	if err != nil {
		return nil, err
	}
	name, err := d.str(id, nameOff)
	if err != nil {
		return nil, err
	}

	m := &Member{Name: name, Type: TypeID(typ)}
	if kindFlag {
		m.BitSize = uint8(offset >> 24)
		m.BitOffset = offset & 0x00ffffff
	} else {
		m.BitOffset = offset
	}
	if end := uint64(m.BitOffset) + uint64(m.BitSize); end > uint64(parentSize)*8 {
		return nil, decodeErrf(id, "member %q at bit %d (size %d) exceeds parent size of %d bytes",
			name, m.BitOffset, m.BitSize, parentSize)
	}
	return m, nil
}
