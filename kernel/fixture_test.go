package kernel

import (
	"io"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-bpfload/sys"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bpfCall records one bpf(2) invocation against the fake gateway.
type bpfCall struct {
	cmd  sys.Cmd
	attr sys.Attr
}

// perfCall records one perf_event_open invocation.
type perfCall struct {
	attr unix.PerfEventAttr
}

// ioctlCall records one ioctl invocation.
type ioctlCall struct {
	fd  int
	req uint
	arg int
}

// fakeGateway simulates the kernel entry points without syscalls.
// Descriptors are handed out sequentially; object info served by
// BPF_OBJ_GET_INFO_BY_FD comes from the registered per-fd records.
type fakeGateway struct {
	nextFD int

	bpfCalls   []bpfCall
	perfCalls  []perfCall
	ioctlCalls []ioctlCall
	closedFDs  []int

	mapInfos  map[int]sys.MapInfo
	progInfos map[int]sys.ProgInfo

	// pinned maps pin paths to pre-registered descriptors served by
	// BPF_OBJ_GET. Unregistered paths fail with ENOENT.
	pinned map[string]int

	// Error injection, keyed by command.
	failOn map[sys.Cmd]error

	// progLoadResults overrides successive BPF_PROG_LOAD outcomes; nil
	// entries succeed. Used to exercise the verifier log retry loop.
	progLoadResults []error
	progLoadLog     string
	progLoads       int

	perfEventErr error
	ioctlErr     error
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

// registerPinnedMap pre-registers a pinned map so BPF_OBJ_GET on path
// succeeds and info queries on the returned fd resolve.
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
		g.progLoads++
		var res error
		if len(g.progLoadResults) > 0 {
			res = g.progLoadResults[0]
			g.progLoadResults = g.progLoadResults[1:]
		}
		if res != nil {
			a := attr.(*sys.ProgLoadAttr)
			if a.LogBuf != 0 && g.progLoadLog != "" {
				writeLog(a, g.progLoadLog)
			}
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
		path := cstringAt(a.Pathname)
		if fd, ok := g.pinned[path]; ok {
			return uintptr(fd), nil
		}
		return 0, unix.ENOENT

	case sys.CmdObjPin:
		return 0, nil

	case sys.CmdMapUpdateElem, sys.CmdMapLookupElem, sys.CmdMapDeleteElem, sys.CmdMapFreeze:
		return 0, nil

	case sys.CmdRawTracepoint, sys.CmdLinkCreate:
		return uintptr(g.allocFD()), nil
	}
	return 0, unix.EINVAL
}

// writeLog copies a verifier log into the caller's log buffer.
func writeLog(a *sys.ProgLoadAttr, log string) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(a.LogBuf))), a.LogSize)
	n := copy(buf, log)
	if n < len(buf) {
		buf[n] = 0
	}
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
	g.perfCalls = append(g.perfCalls, perfCall{attr: *attr})
	if g.perfEventErr != nil {
		return 0, g.perfEventErr
	}
	return g.allocFD(), nil
}

func (g *fakeGateway) Ioctl(fd int, req uint, arg int) error {
	g.ioctlCalls = append(g.ioctlCalls, ioctlCall{fd: fd, req: req, arg: arg})
	return g.ioctlErr
}

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
