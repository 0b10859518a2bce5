package core

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/btf"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ldimm64Insns returns an instruction stream holding a single ldimm64
// with the given immediate in its first slot.
func ldimm64Insns(imm uint32) []byte {
	insns := make([]byte, 16)
	insns[0] = ldimm64
	binary.LittleEndian.PutUint32(insns[4:], imm)
	return insns
}

// aluInsns returns a single non-ldimm64 instruction with the given
// immediate.
func aluInsns(imm uint32) []byte {
	insns := make([]byte, 8)
	insns[0] = 0xb7 // mov64 dst, imm
	binary.LittleEndian.PutUint32(insns[4:], imm)
	return insns
}

// localGraph builds the compile-time view: struct event with "pid" at
// byte 0 and "comm" at byte 4.
func localGraph(t *testing.T) (*btf.Graph, btf.TypeID) {
	b := btf.NewBuilder(binary.LittleEndian)
	u32 := b.Int("unsigned int", 4, false)
	ev := b.Struct("event", 8,
		btf.Member{Name: "pid", Type: u32, BitOffset: 0},
		btf.Member{Name: "comm", Type: u32, BitOffset: 32},
	)
	g, err := b.BuildGraph()
	require.NoError(t, err)
	return g, ev
}

// runtimeGraph builds the running kernel's view of the same struct
// with "comm" moved to byte 8.
func runtimeGraph(t *testing.T) *btf.Graph {
	b := btf.NewBuilder(binary.LittleEndian)
	u32 := b.Int("unsigned int", 4, false)
	u64 := b.Int("unsigned long long", 8, false)
	b.Struct("event", 16,
		btf.Member{Name: "pid", Type: u32, BitOffset: 0},
		btf.Member{Name: "pad", Type: u32, BitOffset: 32},
		btf.Member{Name: "comm", Type: u64, BitOffset: 64},
	)
	g, err := b.BuildGraph()
	require.NoError(t, err)
	return g
}

func TestApply_FieldByteOffset(t *testing.T) {
	local, ev := localGraph(t)
	target := runtimeGraph(t)

	// Compile-time offset of comm is 4; runtime moved it to 8.
	insns := aluInsns(4)
	relos := []btf.CORERelocation{{
		InsnOff:   0,
		TypeID:    ev,
		AccessStr: "0:1",
		Kind:      uint32(FieldByteOffset),
	}}

	err := Apply(insns, relos, local, target, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(insns[4:]))
}

func TestApply_FieldByteSize(t *testing.T) {
	local, ev := localGraph(t)
	target := runtimeGraph(t)

	// comm is 4 bytes locally, 8 at runtime.
	insns := aluInsns(4)
	relos := []btf.CORERelocation{{
		TypeID:    ev,
		AccessStr: "0:1",
		Kind:      uint32(FieldByteSize),
	}}

	err := Apply(insns, relos, local, target, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(insns[4:]))
}

func TestApply_FieldExists(t *testing.T) {
	local, ev := localGraph(t)

	// Runtime graph lacking the comm member.
	b := btf.NewBuilder(binary.LittleEndian)
	u32 := b.Int("unsigned int", 4, false)
	b.Struct("event", 4, btf.Member{Name: "pid", Type: u32})
	target, err := b.BuildGraph()
	require.NoError(t, err)

	// Present field patches to 1.
	insns := aluInsns(1)
	err = Apply(insns, []btf.CORERelocation{{
		TypeID: ev, AccessStr: "0:0", Kind: uint32(FieldExists),
	}}, local, target, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(insns[4:]))

	// Absent field is an answer (0), not a failure.
	insns = aluInsns(1)
	err = Apply(insns, []btf.CORERelocation{{
		TypeID: ev, AccessStr: "0:1", Kind: uint32(FieldExists),
	}}, local, target, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(insns[4:]))
}

func TestApply_MissingTypeFails(t *testing.T) {
	local, ev := localGraph(t)

	b := btf.NewBuilder(binary.LittleEndian)
	b.Int("int", 4, true)
	target, err := b.BuildGraph()
	require.NoError(t, err)

	insns := aluInsns(4)
	err = Apply(insns, []btf.CORERelocation{{
		TypeID: ev, AccessStr: "0:1", Kind: uint32(FieldByteOffset),
	}}, local, target, binary.LittleEndian, testLogger)

	var rerr *bpfload.RelocationFailedError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "event", rerr.Type)
	assert.Equal(t, "0:1", rerr.Path)
}

func TestApply_TypeIDLocalNeedsNoTarget(t *testing.T) {
	local, ev := localGraph(t)

	insns := aluInsns(0)
	err := Apply(insns, []btf.CORERelocation{{
		TypeID: ev, AccessStr: "0", Kind: uint32(TypeIDLocal),
	}}, local, nil, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(ev), binary.LittleEndian.Uint32(insns[4:]))
}

func TestApply_NilTargetFailsForRuntimeKinds(t *testing.T) {
	local, ev := localGraph(t)

	insns := aluInsns(0)
	err := Apply(insns, []btf.CORERelocation{{
		TypeID: ev, AccessStr: "0:0", Kind: uint32(FieldByteOffset),
	}}, local, nil, binary.LittleEndian, testLogger)
	require.ErrorContains(t, err, bpfload.ErrRuntimeTypesUnavailable.Error())
}

func TestApply_TypeRelocations(t *testing.T) {
	local, ev := localGraph(t)
	target := runtimeGraph(t)

	tests := []struct {
		kind Kind
		want uint32
	}{
		{TypeExists, 1},
		{TypeSize, 16}, // runtime struct grew to 16 bytes
	}
	for _, tt := range tests {
		insns := aluInsns(0)
		err := Apply(insns, []btf.CORERelocation{{
			TypeID: ev, AccessStr: "0", Kind: uint32(tt.kind),
		}}, local, target, binary.LittleEndian, testLogger)
		require.NoError(t, err, tt.kind)
		assert.Equal(t, tt.want, binary.LittleEndian.Uint32(insns[4:]), tt.kind)
	}
}

func TestApply_TypeExistsAbsent(t *testing.T) {
	local, ev := localGraph(t)

	b := btf.NewBuilder(binary.LittleEndian)
	target, err := b.BuildGraph()
	require.NoError(t, err)

	insns := aluInsns(1)
	err = Apply(insns, []btf.CORERelocation{{
		TypeID: ev, AccessStr: "0", Kind: uint32(TypeExists),
	}}, local, target, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(insns[4:]))
}

func TestApply_EnumvalValue(t *testing.T) {
	lb := btf.NewBuilder(binary.LittleEndian)
	localEnum := lb.Enum("bpf_state", 4,
		btf.EnumValue{Name: "ST_IDLE", Value: 0},
		btf.EnumValue{Name: "ST_RUN", Value: 1},
	)
	local, err := lb.BuildGraph()
	require.NoError(t, err)

	tb := btf.NewBuilder(binary.LittleEndian)
	tb.Enum("bpf_state", 4,
		btf.EnumValue{Name: "ST_IDLE", Value: 0},
		btf.EnumValue{Name: "ST_NEW", Value: 1},
		btf.EnumValue{Name: "ST_RUN", Value: 2},
	)
	target, err := tb.BuildGraph()
	require.NoError(t, err)

	// ST_RUN renumbered from 1 to 2 at runtime.
	insns := aluInsns(1)
	err = Apply(insns, []btf.CORERelocation{{
		TypeID: localEnum, AccessStr: "0:1", Kind: uint32(EnumvalValue),
	}}, local, target, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(insns[4:]))

	// Existence of the same enumerator.
	insns = aluInsns(0)
	err = Apply(insns, []btf.CORERelocation{{
		TypeID: localEnum, AccessStr: "0:1", Kind: uint32(EnumvalExists),
	}}, local, target, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(insns[4:]))
}

func TestApply_FlavoredLocalType(t *testing.T) {
	// The object carries a flavored rendition of the runtime struct;
	// matching goes through the essential name.
	lb := btf.NewBuilder(binary.LittleEndian)
	u32 := lb.Int("unsigned int", 4, false)
	flavored := lb.Struct("event___old", 4,
		btf.Member{Name: "pid", Type: u32},
	)
	local, err := lb.BuildGraph()
	require.NoError(t, err)

	target := runtimeGraph(t)

	insns := aluInsns(0)
	err = Apply(insns, []btf.CORERelocation{{
		TypeID: flavored, AccessStr: "0:0", Kind: uint32(FieldByteOffset),
	}}, local, target, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(insns[4:]))
}

func TestApply_AnonymousNestedMember(t *testing.T) {
	// Local: struct outer { struct { u32 inner; }; } accessed as
	// outer[0].0.0. Runtime: inner moved behind a leading field.
	lb := btf.NewBuilder(binary.LittleEndian)
	lu32 := lb.Int("unsigned int", 4, false)
	lanon := lb.Struct("", 4, btf.Member{Name: "inner", Type: lu32})
	louter := lb.Struct("outer", 4, btf.Member{Name: "", Type: lanon})
	local, err := lb.BuildGraph()
	require.NoError(t, err)

	tb := btf.NewBuilder(binary.LittleEndian)
	tu32 := tb.Int("unsigned int", 4, false)
	tanon := tb.Struct("", 8,
		btf.Member{Name: "lead", Type: tu32, BitOffset: 0},
		btf.Member{Name: "inner", Type: tu32, BitOffset: 32},
	)
	tb.Struct("outer", 8, btf.Member{Name: "", Type: tanon})
	target, err := tb.BuildGraph()
	require.NoError(t, err)

	insns := aluInsns(0)
	err = Apply(insns, []btf.CORERelocation{{
		TypeID: louter, AccessStr: "0:0:0", Kind: uint32(FieldByteOffset),
	}}, local, target, binary.LittleEndian, testLogger)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(insns[4:]))
}

func TestPatchImm_Ldimm64(t *testing.T) {
	insns := ldimm64Insns(0)
	err := patchImm(insns, 0, binary.LittleEndian, 0x1122334455667788)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x55667788), binary.LittleEndian.Uint32(insns[4:]))
	assert.Equal(t, uint32(0x11223344), binary.LittleEndian.Uint32(insns[12:]))
}

func TestPatchImm_Errors(t *testing.T) {
	tests := []struct {
		name  string
		insns []byte
		off   uint32
		val   uint64
	}{
		{"out of bounds", aluInsns(0), 8, 0},
		{"unaligned", make([]byte, 16), 4, 0},
		{"ldimm64 missing second slot", ldimm64Insns(0)[:8], 0, 0},
		{"value overflows imm", aluInsns(0), 0, 1 << 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, patchImm(tt.insns, tt.off, binary.LittleEndian, tt.val))
		})
	}
}
