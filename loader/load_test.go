package loader

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/btf"
	"github.com/frobware/go-bpfload/elfobj"
	"github.com/frobware/go-bpfload/store"
	"github.com/frobware/go-bpfload/sys"
)

func TestLoadObject(t *testing.T) {
	gw := newFakeGateway()
	l, st := newTestLoader(t, gw)
	ctx := context.Background()

	lp := loadTestObject(t, l)

	assert.Equal(t, StateLoaded, lp.State())
	assert.Equal(t, "trace_unlink", lp.Program.Name())
	require.NotNil(t, lp.Map("counts"))
	require.NotNil(t, lp.Map("events"))
	assert.Nil(t, lp.Map("nope"))

	rec, err := st.GetProgram(ctx, lp.Program.ID())
	require.NoError(t, err)
	assert.Equal(t, "trace_unlink", rec.Name)
	assert.Equal(t, "/test/trace.o", rec.ObjectPath)
	assert.Equal(t, "kprobe/do_unlinkat", rec.SectionName)
	assert.Equal(t, l.Root().ProgramPin("trace_unlink"), rec.PinPath)
	assert.False(t, rec.Attached())

	maps, err := st.ListMapsForProgram(ctx, lp.Program.ID())
	require.NoError(t, err)
	require.Len(t, maps, 2)
	assert.Equal(t, "counts", maps[0].Name)
	assert.Equal(t, l.Root().MapPin("trace_unlink", "counts"), maps[0].PinPath)
	assert.Equal(t, "events", maps[1].Name)

	// The pin directories were laid out under the root.
	assert.DirExists(t, l.Root().Programs())
	assert.DirExists(t, l.Root().Maps("trace_unlink"))
}

func TestLoadObject_WithoutPin(t *testing.T) {
	gw := newFakeGateway()
	l, st := newTestLoader(t, gw)
	ctx := context.Background()

	lp, err := l.LoadObject(ctx, testObject(), bpfload.LoadSpec{
		ObjectPath:  "/test/trace.o",
		ProgramName: "trace_unlink",
	})
	require.NoError(t, err)
	defer lp.Close()

	assert.Empty(t, gw.callsFor(sys.CmdObjPin))

	rec, err := st.GetProgram(ctx, lp.Program.ID())
	require.NoError(t, err)
	assert.Empty(t, rec.PinPath)
}

func TestLoadObject_UnknownProgram(t *testing.T) {
	gw := newFakeGateway()
	l, _ := newTestLoader(t, gw)

	_, err := l.LoadObject(context.Background(), testObject(), bpfload.LoadSpec{
		ProgramName: "no_such_program",
	})
	require.Error(t, err)
}

func TestLoadObject_RingBufUnsupported(t *testing.T) {
	gw := newFakeGateway()
	l, _ := newTestLoader(t, gw)
	l.feats.HasRingBuf = false
	l.feats.KernelVersion = "5.7.0"

	_, err := l.LoadObject(context.Background(), testObject(), bpfload.LoadSpec{
		ProgramName: "trace_unlink",
	})
	var merr *bpfload.MapCreateError
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, err.Error(), "ring buffer")
	assert.Empty(t, gw.callsFor(sys.CmdMapCreate), "the gate runs before any map exists")
}

func TestLoadObject_VerifierRejectionRollsBack(t *testing.T) {
	gw := newFakeGateway()
	// Both the silent attempt and the log retry fail.
	gw.progLoadResults = []error{unix.EACCES, unix.EACCES}
	l, st := newTestLoader(t, gw)

	_, err := l.LoadObject(context.Background(), testObject(), bpfload.LoadSpec{
		ProgramName: "trace_unlink",
		PinDir:      l.Root().String(),
	})
	var lerr *bpfload.LoadError
	require.ErrorAs(t, err, &lerr)

	// Both freshly created maps are torn down.
	assert.Len(t, gw.closedFDs, 2)

	progs, listErr := st.ListPrograms(context.Background())
	require.NoError(t, listErr)
	assert.Empty(t, progs, "a failed load leaves no state behind")
}

// failingStore wraps a real store but refuses transactions, forcing
// the persist step to fail after the kernel-side work succeeded.
type failingStore struct {
	store.Store
	err error
}

func (s *failingStore) RunInTransaction(ctx context.Context, fn func(store.Store) error) error {
	return s.err
}

func TestLoadObject_PersistFailureRollsBack(t *testing.T) {
	gw := newFakeGateway()
	l, st := newTestLoader(t, gw)
	l.store = &failingStore{Store: st, err: errors.New("disk full")}

	_, err := l.LoadObject(context.Background(), testObject(), bpfload.LoadSpec{
		ProgramName: "trace_unlink",
		PinDir:      l.Root().String(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist state")

	// The program and both maps are closed in reverse creation order.
	require.Len(t, gw.closedFDs, 3)
	assert.Greater(t, gw.closedFDs[0], gw.closedFDs[1])
	assert.Greater(t, gw.closedFDs[1], gw.closedFDs[2])
}

func TestLoadObject_ReusedPinSurvivesRollback(t *testing.T) {
	gw := newFakeGateway()
	l, _ := newTestLoader(t, gw)

	// A compatible pin from an earlier load already exists.
	reusedFD := gw.registerPinnedMap(l.Root().MapPin("trace_unlink", "counts"), sys.MapInfo{
		Type:       uint32(bpfload.MapTypeHash),
		ID:         42,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 128,
	})

	gw.progLoadResults = []error{unix.EACCES, unix.EACCES}
	_, err := l.LoadObject(context.Background(), testObject(), bpfload.LoadSpec{
		ProgramName: "trace_unlink",
		PinDir:      l.Root().String(),
	})
	require.Error(t, err)

	// Only the ring buffer this load created is rolled back; the
	// reused map belongs to the earlier load.
	require.Len(t, gw.closedFDs, 1)
	assert.NotContains(t, gw.closedFDs, reusedFD)
}

func TestLoadObject_NoRelocationsLeavesBytecodeUntouched(t *testing.T) {
	gw := newFakeGateway()
	l, _ := newTestLoader(t, gw)

	// mov r0, 0; exit. No type blob, no map references.
	insns := make([]byte, 16)
	insns[0] = 0xb7
	insns[8] = 0x95
	want := append([]byte(nil), insns...)

	obj := &elfobj.Object{
		ByteOrder: binary.LittleEndian,
		License:   "GPL",
		Programs: []elfobj.Program{{
			Name:        "noop",
			SectionName: "kprobe/do_nanosleep",
			Type:        bpfload.ProgramTypeKprobe,
			Insns:       insns,
		}},
	}

	lp, err := l.LoadObject(context.Background(), obj, bpfload.LoadSpec{
		ProgramName: "noop",
	})
	require.NoError(t, err)
	defer lp.Close()

	assert.Equal(t, want, insns, "a load with no relocations must submit the bytecode verbatim")
}

func TestLoadObject_NoTypesSkipsRuntimeLookup(t *testing.T) {
	gw := newFakeGateway()
	called := false
	l, _ := newTestLoader(t, gw, WithRuntimeGraph(func() (*btf.Graph, error) {
		called = true
		return nil, errors.New("runtime types unavailable")
	}))

	lp, err := l.LoadObject(context.Background(), testObject(), bpfload.LoadSpec{
		ProgramName: "trace_unlink",
	})
	require.NoError(t, err)
	defer lp.Close()
	assert.False(t, called, "objects without a type blob must not touch runtime types")
}
