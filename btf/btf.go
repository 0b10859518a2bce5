// Package btf decodes BTF type-description blobs into queryable type
// graphs. Two graphs exist during a load: the local graph decoded
// from the object's .BTF section, and the runtime graph decoded once
// per process from the kernel's exposed type information.
//
// Types are held in a single arena indexed by TypeID; all
// cross-references between types are plain ids into that arena, so
// forward references decode naturally and cycles through pointers
// need no special ownership treatment.
package btf

import (
	"fmt"
	"strings"
)

// TypeID identifies a type within one Graph. ID 0 is always Void.
// IDs are assigned by record order during decoding.
type TypeID uint32

// Kind enumerates the BTF type kinds. Values match the kernel's
// BTF_KIND_* constants.
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindEnum
	KindForward
	KindTypedef
	KindVolatile
	KindConst
	KindRestrict
	KindFunc
	KindFuncProto
	KindVar
	KindDatasec
	KindFloat
	KindDeclTag
	KindTypeTag
	KindEnum64
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindInt:
		return "int"
	case KindPointer:
		return "pointer"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	case KindForward:
		return "forward"
	case KindTypedef:
		return "typedef"
	case KindVolatile:
		return "volatile"
	case KindConst:
		return "const"
	case KindRestrict:
		return "restrict"
	case KindFunc:
		return "func"
	case KindFuncProto:
		return "func_proto"
	case KindVar:
		return "var"
	case KindDatasec:
		return "datasec"
	case KindFloat:
		return "float"
	case KindDeclTag:
		return "decl_tag"
	case KindTypeTag:
		return "type_tag"
	case KindEnum64:
		return "enum64"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Member is one field of a struct or union. BitOffset is the offset
// from the start of the parent in bits; BitSize is non-zero only for
// bitfields.
type Member struct {
	Name      string
	Type      TypeID
	BitOffset uint32
	BitSize   uint8
}

// Anonymous reports whether the member has no name (an embedded
// anonymous struct or union).
func (m Member) Anonymous() bool { return m.Name == "" }

// EnumValue is one enumerator of an enum type.
type EnumValue struct {
	Name  string
	Value int64
}

// Param is one parameter of a function prototype.
type Param struct {
	Name string
	Type TypeID
}

// VarSecInfo places one variable within a data section.
type VarSecInfo struct {
	Type   TypeID
	Offset uint32
	Size   uint32
}

// Type is one node of the type graph: a tagged variant over Kind.
// Only the fields relevant to the node's kind are populated; the
// remainder stay zero. References to other types are TypeIDs into
// the owning Graph.
type Type struct {
	Kind Kind
	Name string

	// Size is the byte size for Int, Enum, Enum64, Struct, Union,
	// Float and Datasec.
	Size uint32

	// Ref is the referenced type for Pointer, Typedef, the
	// qualifiers, Func (its prototype), FuncProto (its return type),
	// Var, DeclTag and TypeTag.
	Ref TypeID

	// Int encoding.
	Bits   uint8
	Signed bool
	Char   bool
	Bool   bool

	// Array.
	Elem     TypeID
	Index    TypeID
	NumElems uint32

	// Struct/Union.
	Members []Member

	// Enum/Enum64. EnumSigned mirrors the kind_flag bit.
	Values     []EnumValue
	EnumSigned bool

	// FuncProto.
	Params []Param

	// Var/Func linkage (static/global/extern).
	Linkage uint32

	// Datasec.
	Vars []VarSecInfo

	// FwdUnion distinguishes "union foo;" from "struct foo;" forward
	// declarations.
	FwdUnion bool
}

// Composite reports whether the type is a struct or union.
func (t *Type) Composite() bool {
	return t.Kind == KindStruct || t.Kind == KindUnion
}

// EssentialName strips a "___flavor" suffix from a type name. Objects
// may carry several flavors of one kernel type (task_struct___old);
// all of them match the unsuffixed runtime name.
func EssentialName(name string) string {
	if i := strings.Index(name, "___"); i > 0 {
		return name[:i]
	}
	return name
}

// Graph is a decoded type graph: an arena of Types plus name lookup.
// A Graph is immutable after decoding and safe for concurrent reads.
type Graph struct {
	types   []Type
	byName  map[string][]TypeID
	strings *stringTable
}

// LookupString resolves a byte offset into the graph's string table.
// Companion sections (.BTF.ext) reference the same table.
func (g *Graph) LookupString(off uint32) (string, error) {
	return g.strings.Lookup(off)
}

// NumTypes returns the number of types in the graph, including Void.
func (g *Graph) NumTypes() int { return len(g.types) }

// TypeByID returns the type with the given id.
func (g *Graph) TypeByID(id TypeID) (*Type, error) {
	if int(id) >= len(g.types) {
		return nil, fmt.Errorf("type id %d out of range (graph has %d types)", id, len(g.types))
	}
	return &g.types[id], nil
}

// TypesByName returns the ids of all types whose essential name
// matches name, in id order. Flavored types (name___suffix) are
// indexed under their essential name.
func (g *Graph) TypesByName(name string) []TypeID {
	return g.byName[EssentialName(name)]
}

// Underlying peels typedefs and type qualifiers until it reaches a
// concrete type, following Ref ids. Fails on reference cycles, which
// a well-formed graph cannot contain for these kinds.
func (g *Graph) Underlying(id TypeID) (TypeID, *Type, error) {
	for depth := 0; depth < maxResolveDepth; depth++ {
		t, err := g.TypeByID(id)
		if err != nil {
			return 0, nil, err
		}
		switch t.Kind {
		case KindTypedef, KindVolatile, KindConst, KindRestrict, KindTypeTag:
			id = t.Ref
		default:
			return id, t, nil
		}
	}
	return 0, nil, fmt.Errorf("type id %d: qualifier chain too deep", id)
}

// maxResolveDepth bounds typedef/qualifier chains. Real chains are a
// handful deep; anything near this limit is a corrupt graph.
const maxResolveDepth = 32

// Size returns the byte size of the type, resolving typedefs,
// qualifiers and arrays. Pointers have the target's fixed width.
func (g *Graph) Size(id TypeID) (uint32, error) {
	multiplier := uint32(1)
	for depth := 0; depth < maxResolveDepth; depth++ {
		t, err := g.TypeByID(id)
		if err != nil {
			return 0, err
		}
		switch t.Kind {
		case KindInt, KindEnum, KindEnum64, KindStruct, KindUnion, KindFloat, KindDatasec:
			return multiplier * t.Size, nil
		case KindPointer:
			return multiplier * pointerSize, nil
		case KindTypedef, KindVolatile, KindConst, KindRestrict, KindTypeTag:
			id = t.Ref
		case KindArray:
			multiplier *= t.NumElems
			id = t.Elem
		default:
			return 0, fmt.Errorf("type id %d (%s) has no size", id, t.Kind)
		}
	}
	return 0, fmt.Errorf("type id %d: size resolution too deep", id)
}

// pointerSize is the BPF target pointer width. BPF is a 64-bit
// machine regardless of the host.
const pointerSize = 8
