// Package core applies CO-RE (compile once, run everywhere)
// relocations: it rewrites compile-time field offsets, sizes,
// existence flags and type ids embedded in bytecode immediates so
// they match the layout of the running kernel.
//
// The resolver walks each relocation's access path through the
// object's local type graph, finds the structurally equivalent path
// in the runtime graph, computes the corrected value, and patches
// the instruction in place. Patching never changes instruction
// counts, so all other offsets in the section remain valid.
package core

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/btf"
)

// Kind enumerates CO-RE relocation kinds. Values match the kernel's
// bpf_core_relo_kind enum.
type Kind uint32

const (
	FieldByteOffset Kind = iota
	FieldByteSize
	FieldExists
	FieldSigned
	FieldLShiftU64
	FieldRShiftU64
	TypeIDLocal
	TypeIDTarget
	TypeExists
	TypeSize
	EnumvalExists
	EnumvalValue
)

func (k Kind) String() string {
	switch k {
	case FieldByteOffset:
		return "field_byte_offset"
	case FieldByteSize:
		return "field_byte_size"
	case FieldExists:
		return "field_exists"
	case FieldSigned:
		return "field_signed"
	case FieldLShiftU64:
		return "field_lshift_u64"
	case FieldRShiftU64:
		return "field_rshift_u64"
	case TypeIDLocal:
		return "type_id_local"
	case TypeIDTarget:
		return "type_id_target"
	case TypeExists:
		return "type_exists"
	case TypeSize:
		return "type_size"
	case EnumvalExists:
		return "enumval_exists"
	case EnumvalValue:
		return "enumval_value"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// fieldKind reports whether the relocation walks a field access path.
func (k Kind) fieldKind() bool {
	switch k {
	case FieldByteOffset, FieldByteSize, FieldExists, FieldSigned,
		FieldLShiftU64, FieldRShiftU64:
		return true
	}
	return false
}

// Apply resolves every relocation against the target graph and
// patches insns in place. target may be nil only when no relocation
// actually needs it (TypeIDLocal is purely local). insns is the raw
// instruction stream of one program section; relocation offsets are
// byte offsets into it.
func Apply(insns []byte, relos []btf.CORERelocation, local, target *btf.Graph, bo binary.ByteOrder, logger *slog.Logger) error {
	for _, relo := range relos {
		val, err := resolve(relo, local, target, logger)
		if err != nil {
			return err
		}
		if err := patchImm(insns, relo.InsnOff, bo, val); err != nil {
			return failf(relo, local, "patching instruction: %v", err)
		}
	}
	return nil
}

// failf builds the fatal relocation error, carrying the access path
// for diagnostics.
func failf(relo btf.CORERelocation, local *btf.Graph, format string, args ...any) error {
	typeName := fmt.Sprintf("type_id=%d", relo.TypeID)
	if t, err := local.TypeByID(relo.TypeID); err == nil && t.Name != "" {
		typeName = t.Name
	}
	return &bpfload.RelocationFailedError{
		Kind:   Kind(relo.Kind).String(),
		Type:   typeName,
		Path:   relo.AccessStr,
		Reason: fmt.Sprintf(format, args...),
	}
}

// resolve computes the relocated value for one record.
func resolve(relo btf.CORERelocation, local, target *btf.Graph, logger *slog.Logger) (uint64, error) {
	kind := Kind(relo.Kind)

	switch kind {
	case TypeIDLocal:
		// Purely local; answerable without runtime types.
		if _, err := local.TypeByID(relo.TypeID); err != nil {
			return 0, failf(relo, local, "%v", err)
		}
		return uint64(relo.TypeID), nil

	case FieldLShiftU64, FieldRShiftU64, FieldSigned:
		// Bitfield shift relocations need load-size context this
		// resolver does not model.
		if kind == FieldLShiftU64 || kind == FieldRShiftU64 {
			return 0, failf(relo, local, "unsupported relocation kind")
		}
	}

	if target == nil {
		return 0, failf(relo, local, "%v", bpfload.ErrRuntimeTypesUnavailable)
	}

	if kind.fieldKind() {
		return resolveField(relo, kind, local, target, logger)
	}

	switch kind {
	case TypeExists, TypeSize, TypeIDTarget:
		return resolveType(relo, kind, local, target, logger)
	case EnumvalExists, EnumvalValue:
		return resolveEnumval(relo, kind, local, target, logger)
	default:
		return 0, failf(relo, local, "unsupported relocation kind")
	}
}

func resolveField(relo btf.CORERelocation, kind Kind, local, target *btf.Graph, logger *slog.Logger) (uint64, error) {
	lp, err := walkLocal(local, relo.TypeID, relo.AccessStr)
	if err != nil {
		return 0, failf(relo, local, "local path: %v", err)
	}

	tp, matchErr := matchTarget(local, lp, target)
	if matchErr != nil {
		// FieldExists is the one kind for which an unresolvable path
		// is an answer, not a failure: the field simply is not there
		// on this kernel.
		if kind == FieldExists {
			logger.Debug("field absent from runtime graph",
				"type", lp.rootName, "path", relo.AccessStr, "reason", matchErr)
			return 0, nil
		}
		return 0, failf(relo, local, "no matching runtime field: %v", matchErr)
	}

	switch kind {
	case FieldExists:
		return 1, nil
	case FieldByteOffset:
		if tp.bitfield {
			return 0, failf(relo, local, "bitfield byte offset is not representable")
		}
		return uint64(tp.byteOff), nil
	case FieldByteSize:
		size, err := target.Size(tp.fieldType)
		if err != nil {
			return 0, failf(relo, local, "sizing runtime field: %v", err)
		}
		return uint64(size), nil
	case FieldSigned:
		_, t, err := target.Underlying(tp.fieldType)
		if err != nil {
			return 0, failf(relo, local, "%v", err)
		}
		switch t.Kind {
		case btf.KindInt:
			if t.Signed {
				return 1, nil
			}
			return 0, nil
		case btf.KindEnum, btf.KindEnum64:
			if t.EnumSigned {
				return 1, nil
			}
			return 0, nil
		default:
			return 0, failf(relo, local, "signedness of %s field", t.Kind)
		}
	default:
		return 0, failf(relo, local, "unsupported field relocation")
	}
}

func resolveType(relo btf.CORERelocation, kind Kind, local, target *btf.Graph, logger *slog.Logger) (uint64, error) {
	localRoot, err := localRootType(local, relo.TypeID)
	if err != nil {
		return 0, failf(relo, local, "%v", err)
	}

	targetID, found := findTargetRoot(local, localRoot, target)
	if !found {
		if kind == TypeExists {
			return 0, nil
		}
		return 0, failf(relo, local, "type %q not present in runtime graph", localRoot.Name)
	}

	switch kind {
	case TypeExists:
		return 1, nil
	case TypeIDTarget:
		return uint64(targetID), nil
	case TypeSize:
		size, err := target.Size(targetID)
		if err != nil {
			return 0, failf(relo, local, "sizing runtime type: %v", err)
		}
		return uint64(size), nil
	default:
		return 0, failf(relo, local, "unsupported type relocation")
	}
}

func resolveEnumval(relo btf.CORERelocation, kind Kind, local, target *btf.Graph, logger *slog.Logger) (uint64, error) {
	spec, err := parseAccessor(relo.AccessStr)
	if err != nil {
		return 0, failf(relo, local, "%v", err)
	}
	if len(spec) != 2 || spec[0] != 0 {
		return 0, failf(relo, local, "malformed enumerator accessor %q", relo.AccessStr)
	}

	_, localEnum, err := local.Underlying(relo.TypeID)
	if err != nil {
		return 0, failf(relo, local, "%v", err)
	}
	if localEnum.Kind != btf.KindEnum && localEnum.Kind != btf.KindEnum64 {
		return 0, failf(relo, local, "enumerator accessor into %s", localEnum.Kind)
	}
	if spec[1] >= len(localEnum.Values) {
		return 0, failf(relo, local, "enumerator index %d out of range", spec[1])
	}
	wanted := btf.EssentialName(localEnum.Values[spec[1]].Name)

	targetID, found := findTargetRoot(local, localEnum, target)
	if !found {
		if kind == EnumvalExists {
			return 0, nil
		}
		return 0, failf(relo, local, "enum %q not present in runtime graph", localEnum.Name)
	}
	_, targetEnum, err := target.Underlying(targetID)
	if err != nil {
		return 0, failf(relo, local, "%v", err)
	}
	for _, v := range targetEnum.Values {
		if btf.EssentialName(v.Name) == wanted {
			if kind == EnumvalExists {
				return 1, nil
			}
			return uint64(v.Value), nil
		}
	}
	if kind == EnumvalExists {
		return 0, nil
	}
	return 0, failf(relo, local, "enumerator %q not present in runtime enum %q", wanted, localEnum.Name)
}

// localRootType peels qualifiers off the relocation's root type.
func localRootType(g *btf.Graph, id btf.TypeID) (*btf.Type, error) {
	_, t, err := g.Underlying(id)
	return t, err
}

// findTargetRoot locates the runtime type matching the local root:
// same essential name, same kind. Candidates are tried in id order
// and the first kind-compatible one wins.
func findTargetRoot(local *btf.Graph, localRoot *btf.Type, target *btf.Graph) (btf.TypeID, bool) {
	if localRoot.Name == "" {
		return 0, false
	}
	for _, id := range target.TypesByName(localRoot.Name) {
		peeled, t, err := target.Underlying(id)
		if err != nil {
			continue
		}
		if t.Kind == localRoot.Kind {
			return peeled, true
		}
		// enum32 and enum64 are the same type at different widths.
		if isEnum(t.Kind) && isEnum(localRoot.Kind) {
			return peeled, true
		}
	}
	return 0, false
}

func isEnum(k btf.Kind) bool {
	return k == btf.KindEnum || k == btf.KindEnum64
}

// ldimm64 is the opcode of the two-slot 64-bit immediate load.
const ldimm64 = 0x18

const insnSize = 8

// patchImm overwrites the immediate operand of the instruction at
// byte offset off. For ldimm64 the value spans the imm fields of
// both slots; for everything else it must fit the single 32-bit imm.
func patchImm(insns []byte, off uint32, bo binary.ByteOrder, val uint64) error {
	if uint64(off)+insnSize > uint64(len(insns)) {
		return fmt.Errorf("instruction offset %d out of bounds (%d bytes)", off, len(insns))
	}
	if off%insnSize != 0 {
		return fmt.Errorf("instruction offset %d is not %d-byte aligned", off, insnSize)
	}
	if insns[off] == ldimm64 {
		if uint64(off)+2*insnSize > uint64(len(insns)) {
			return fmt.Errorf("ldimm64 at offset %d is missing its second slot", off)
		}
		bo.PutUint32(insns[off+4:], uint32(val))
		bo.PutUint32(insns[off+12:], uint32(val>>32))
		return nil
	}
	if val > 0xffffffff {
		return fmt.Errorf("value %#x does not fit a 32-bit immediate", val)
	}
	bo.PutUint32(insns[off+4:], uint32(val))
	return nil
}
