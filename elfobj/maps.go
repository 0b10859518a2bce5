package elfobj

import (
	"fmt"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/btf"
)

// BTFMapSpecs recovers map declarations from the object's ".maps"
// section. The declarations live entirely in type information: each
// variable in the section is a struct whose members encode the map
// attributes (__uint(type, ...) compiles to a pointer to an array
// whose element count is the attribute value; key/value members are
// pointers to the actual key/value types).
//
// g must be the graph decoded from the object's own BTF blob.
func (o *Object) BTFMapSpecs(g *btf.Graph) ([]bpfload.MapSpec, error) {
	if len(o.btfMapsVars) == 0 {
		return nil, nil
	}

	datasec := findDatasec(g, ".maps")
	if datasec == nil {
		return nil, fmt.Errorf(".maps section present but BTF declares no matching datasec")
	}

	var specs []bpfload.MapSpec
	for _, v := range datasec.Vars {
		variable, err := g.TypeByID(v.Type)
		if err != nil {
			return nil, err
		}
		if variable.Kind != btf.KindVar {
			return nil, fmt.Errorf(".maps datasec entry is a %s, want var", variable.Kind)
		}
		if !o.btfMapsVars[variable.Name] {
			continue
		}
		spec, err := mapSpecFromBTF(g, variable)
		if err != nil {
			return nil, fmt.Errorf("map %q: %w", variable.Name, err)
		}
		specs = append(specs, *spec)
	}
	return specs, nil
}

func findDatasec(g *btf.Graph, name string) *btf.Type {
	for _, id := range g.TypesByName(name) {
		t, err := g.TypeByID(id)
		if err == nil && t.Kind == btf.KindDatasec {
			return t
		}
	}
	return nil
}

func mapSpecFromBTF(g *btf.Graph, variable *btf.Type) (*bpfload.MapSpec, error) {
	_, def, err := g.Underlying(variable.Ref)
	if err != nil {
		return nil, err
	}
	if def.Kind != btf.KindStruct {
		return nil, fmt.Errorf("definition is a %s, want struct", def.Kind)
	}

	spec := &bpfload.MapSpec{Name: variable.Name}
	for _, m := range def.Members {
		switch m.Name {
		case "type":
			n, err := uintAttribute(g, m.Type)
			if err != nil {
				return nil, fmt.Errorf("member type: %w", err)
			}
			spec.Type = bpfload.MapType(n)
		case "max_entries":
			n, err := uintAttribute(g, m.Type)
			if err != nil {
				return nil, fmt.Errorf("member max_entries: %w", err)
			}
			spec.MaxEntries = n
		case "key_size":
			n, err := uintAttribute(g, m.Type)
			if err != nil {
				return nil, fmt.Errorf("member key_size: %w", err)
			}
			spec.KeySize = n
		case "value_size":
			n, err := uintAttribute(g, m.Type)
			if err != nil {
				return nil, fmt.Errorf("member value_size: %w", err)
			}
			spec.ValueSize = n
		case "map_flags":
			n, err := uintAttribute(g, m.Type)
			if err != nil {
				return nil, fmt.Errorf("member map_flags: %w", err)
			}
			spec.Flags = n
		case "key":
			size, err := pointeeSize(g, m.Type)
			if err != nil {
				return nil, fmt.Errorf("member key: %w", err)
			}
			spec.KeySize = size
		case "value":
			size, err := pointeeSize(g, m.Type)
			if err != nil {
				return nil, fmt.Errorf("member value: %w", err)
			}
			spec.ValueSize = size
		default:
			// Members like pinning or inner map definitions are not
			// modelled; ignore them rather than reject the object.
		}
	}

	if spec.Type == bpfload.MapTypeUnspecified {
		return nil, fmt.Errorf("declaration has no type member")
	}
	// Ring buffers have no keys or values; everything else needs both.
	if spec.Type != bpfload.MapTypeRingBuf {
		if spec.KeySize == 0 || spec.ValueSize == 0 {
			return nil, fmt.Errorf("declaration is missing key or value size")
		}
	}
	return spec, nil
}

// uintAttribute decodes the __uint convention: a pointer to an array
// whose element count carries the value.
func uintAttribute(g *btf.Graph, id btf.TypeID) (uint32, error) {
	_, t, err := g.Underlying(id)
	if err != nil {
		return 0, err
	}
	if t.Kind != btf.KindPointer {
		return 0, fmt.Errorf("attribute is a %s, want pointer", t.Kind)
	}
	_, arr, err := g.Underlying(t.Ref)
	if err != nil {
		return 0, err
	}
	if arr.Kind != btf.KindArray {
		return 0, fmt.Errorf("attribute pointee is a %s, want array", arr.Kind)
	}
	return arr.NumElems, nil
}

// pointeeSize decodes the __type convention: a pointer to the actual
// key or value type, whose size is the attribute.
func pointeeSize(g *btf.Graph, id btf.TypeID) (uint32, error) {
	_, t, err := g.Underlying(id)
	if err != nil {
		return 0, err
	}
	if t.Kind != btf.KindPointer {
		return 0, fmt.Errorf("member is a %s, want pointer", t.Kind)
	}
	return g.Size(t.Ref)
}
