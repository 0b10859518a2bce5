package loader

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/bpffs"
	"github.com/frobware/go-bpfload/elfobj"
	"github.com/frobware/go-bpfload/kernel"
	"github.com/frobware/go-bpfload/store"
	"github.com/frobware/go-bpfload/store/sqlite"
	"github.com/frobware/go-bpfload/sys"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFeatures() kernel.Features {
	return kernel.Features{KernelVersion: "6.1.0", HasBPFLink: true, HasRingBuf: true}
}

// bpfCall records one bpf(2) invocation against the fake gateway.
type bpfCall struct {
	cmd  sys.Cmd
	attr sys.Attr
}

// fakeGateway simulates the kernel entry points without syscalls.
// Unlike a single-call fake, BPF_OBJ_PIN registers the pinned path so
// a later BPF_OBJ_GET on the same path resolves, which models pin
// reuse across loads.
type fakeGateway struct {
	nextFD int

	bpfCalls  []bpfCall
	closedFDs []int

	mapInfos  map[int]sys.MapInfo
	progInfos map[int]sys.ProgInfo
	pinned    map[string]int

	failOn          map[sys.Cmd]error
	progLoadResults []error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nextFD:    10,
		mapInfos:  make(map[int]sys.MapInfo),
		progInfos: make(map[int]sys.ProgInfo),
		pinned:    make(map[string]int),
		failOn:    make(map[sys.Cmd]error),
	}
}

func (g *fakeGateway) allocFD() int {
	fd := g.nextFD
	g.nextFD++
	return fd
}

func (g *fakeGateway) registerPinnedMap(path string, info sys.MapInfo) int {
	fd := g.allocFD()
	g.pinned[path] = fd
	g.mapInfos[fd] = info
	return fd
}

func (g *fakeGateway) registerPinnedProg(path string, info sys.ProgInfo) int {
	fd := g.allocFD()
	g.pinned[path] = fd
	g.progInfos[fd] = info
	return fd
}

func (g *fakeGateway) callsFor(cmd sys.Cmd) []bpfCall {
	var out []bpfCall
	for _, c := range g.bpfCalls {
		if c.cmd == cmd {
			out = append(out, c)
		}
	}
	return out
}

func (g *fakeGateway) BPF(cmd sys.Cmd, attr sys.Attr) (uintptr, error) {
	g.bpfCalls = append(g.bpfCalls, bpfCall{cmd: cmd, attr: attr})
	if err, ok := g.failOn[cmd]; ok {
		return 0, err
	}

	switch cmd {
	case sys.CmdMapCreate:
		fd := g.allocFD()
		a := attr.(*sys.MapCreateAttr)
		g.mapInfos[fd] = sys.MapInfo{
			Type:       a.MapType,
			ID:         uint32(fd) * 100,
			KeySize:    a.KeySize,
			ValueSize:  a.ValueSize,
			MaxEntries: a.MaxEntries,
			MapFlags:   a.MapFlags,
			Name:       a.MapName,
		}
		return uintptr(fd), nil

	case sys.CmdProgLoad:
		var res error
		if len(g.progLoadResults) > 0 {
			res = g.progLoadResults[0]
			g.progLoadResults = g.progLoadResults[1:]
		}
		if res != nil {
			return 0, res
		}
		fd := g.allocFD()
		a := attr.(*sys.ProgLoadAttr)
		g.progInfos[fd] = sys.ProgInfo{
			Type: a.ProgType,
			ID:   uint32(fd) * 100,
			Name: a.ProgName,
		}
		return uintptr(fd), nil

	case sys.CmdObjGetInfoByFD:
		a := attr.(*sys.ObjGetInfoByFDAttr)
		fd := int(a.BpfFD)
		if info, ok := g.mapInfos[fd]; ok {
			*(*sys.MapInfo)(unsafe.Pointer(uintptr(a.Info))) = info
			return 0, nil
		}
		if info, ok := g.progInfos[fd]; ok {
			*(*sys.ProgInfo)(unsafe.Pointer(uintptr(a.Info))) = info
			return 0, nil
		}
		return 0, unix.EBADF

	case sys.CmdObjGet:
		a := attr.(*sys.ObjPinAttr)
		if fd, ok := g.pinned[cstringAt(a.Pathname)]; ok {
			return uintptr(fd), nil
		}
		return 0, unix.ENOENT

	case sys.CmdObjPin:
		a := attr.(*sys.ObjPinAttr)
		g.pinned[cstringAt(a.Pathname)] = int(a.BpfFD)
		return 0, nil

	case sys.CmdMapUpdateElem, sys.CmdMapLookupElem, sys.CmdMapDeleteElem, sys.CmdMapFreeze:
		return 0, nil

	case sys.CmdRawTracepoint, sys.CmdLinkCreate:
		return uintptr(g.allocFD()), nil
	}
	return 0, unix.EINVAL
}

// cstringAt reads the NUL-terminated string a syscall attribute
// points at.
func cstringAt(ptr uint64) string {
	if ptr == 0 {
		return ""
	}
	var out []byte
	for i := uintptr(0); ; i++ {
		b := *(*byte)(unsafe.Pointer(uintptr(ptr) + i))
		if b == 0 {
			return string(out)
		}
		out = append(out, b)
	}
}

func (g *fakeGateway) PerfEventOpen(attr *unix.PerfEventAttr, pid, cpu, groupFD int, flags int) (int, error) {
	return g.allocFD(), nil
}

func (g *fakeGateway) Ioctl(fd int, req uint, arg int) error { return nil }

func (g *fakeGateway) Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error) {
	return make([]byte, length), nil
}

func (g *fakeGateway) Munmap(b []byte) error { return nil }

func (g *fakeGateway) EpollCreate() (int, error) { return g.allocFD(), nil }

func (g *fakeGateway) EpollCtl(epfd, op, fd int, event *unix.EpollEvent) error { return nil }

func (g *fakeGateway) EpollWait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	return 0, nil
}

func (g *fakeGateway) Close(fd int) error {
	g.closedFDs = append(g.closedFDs, fd)
	return nil
}

// testInsns is an ldimm64 referencing a map, then exit.
func testInsns() []byte {
	insns := make([]byte, 24)
	insns[0] = 0x18
	insns[16] = 0x95
	return insns
}

// testObject is a parsed object with one kprobe program, a hash map
// it references and a ring buffer, mirroring the shape of a typical
// tracing object.
func testObject() *elfobj.Object {
	return &elfobj.Object{
		ByteOrder: binary.LittleEndian,
		License:   "GPL",
		Programs: []elfobj.Program{{
			Name:        "trace_unlink",
			SectionName: "kprobe/do_unlinkat",
			Type:        bpfload.ProgramTypeKprobe,
			Insns:       testInsns(),
			MapRelocs:   []elfobj.MapReloc{{InsnOff: 0, Symbol: "counts"}},
		}},
		Maps: []bpfload.MapSpec{
			{Name: "counts", Type: bpfload.MapTypeHash, KeySize: 4, ValueSize: 8, MaxEntries: 128},
			{Name: "events", Type: bpfload.MapTypeRingBuf, MaxEntries: 1 << 12},
		},
	}
}

func newTestLoader(t *testing.T, gw sys.Gateway, opts ...Option) (*Loader, store.Store) {
	t.Helper()
	st, err := sqlite.NewInMemory(context.Background(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := bpffs.Root(t.TempDir())
	all := append([]Option{
		WithGateway(gw),
		WithFeatures(testFeatures()),
	}, opts...)
	l, err := New(root, st, testLogger(), all...)
	require.NoError(t, err)
	return l, st
}

// loadTestObject runs the pipeline on testObject with pinning under
// the loader's root.
func loadTestObject(t *testing.T, l *Loader) *LoadedProgram {
	t.Helper()
	lp, err := l.LoadObject(context.Background(), testObject(), bpfload.LoadSpec{
		ObjectPath:  "/test/trace.o",
		ProgramName: "trace_unlink",
		PinDir:      l.Root().String(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { lp.Close() })
	return lp
}

// writePMUTree lays out the sysfs files the kprobe PMU exposes.
func writePMUTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "kprobe")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "format"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "type"), []byte("6\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "format", "retprobe"), []byte("config:0\n"), 0o644))
	return root
}
