// Package sys is the single dispatch point for every kernel entry
// point the loader uses. All other packages call through the Gateway
// interface, never the kernel directly, so tests can substitute a
// gateway that returns canned results without side effects.
package sys

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Cmd is a bpf(2) command code.
type Cmd uint32

// The subset of bpf(2) commands the loader uses. Values are kernel
// ABI.
const (
	CmdMapCreate      Cmd = 0
	CmdMapLookupElem  Cmd = 1
	CmdMapUpdateElem  Cmd = 2
	CmdMapDeleteElem  Cmd = 3
	CmdProgLoad       Cmd = 5
	CmdObjPin         Cmd = 6
	CmdObjGet         Cmd = 7
	CmdObjGetInfoByFD Cmd = 15
	CmdRawTracepoint  Cmd = 17
	CmdMapFreeze      Cmd = 22
	CmdLinkCreate     Cmd = 28
)

func (c Cmd) String() string {
	switch c {
	case CmdMapCreate:
		return "map_create"
	case CmdMapLookupElem:
		return "map_lookup_elem"
	case CmdMapUpdateElem:
		return "map_update_elem"
	case CmdMapDeleteElem:
		return "map_delete_elem"
	case CmdProgLoad:
		return "prog_load"
	case CmdObjPin:
		return "obj_pin"
	case CmdObjGet:
		return "obj_get"
	case CmdObjGetInfoByFD:
		return "obj_get_info_by_fd"
	case CmdRawTracepoint:
		return "raw_tracepoint_open"
	case CmdMapFreeze:
		return "map_freeze"
	case CmdLinkCreate:
		return "link_create"
	default:
		return "unknown"
	}
}

// Attr is an attribute block for one bpf(2) command. Implementations
// are fixed-layout structs mirroring the kernel ABI.
type Attr interface {
	Pointer() unsafe.Pointer
	Size() uintptr
}

// Gateway wraps the kernel entry points used by the loader: the
// bpf(2) multiplexer, perf event setup, memory mapping for shared
// buffers, epoll for the consumer path, and close as the uniform
// release primitive.
type Gateway interface {
	// BPF performs one bpf(2) call. The result is the raw return
	// value (a file descriptor for the create/open commands).
	BPF(cmd Cmd, attr Attr) (uintptr, error)

	// PerfEventOpen opens a monitoring event.
	PerfEventOpen(attr *unix.PerfEventAttr, pid, cpu, groupFD int, flags int) (int, error)

	// Ioctl issues a control operation (attach/enable/disable) on an
	// open event descriptor.
	Ioctl(fd int, req uint, arg int) error

	// Mmap and Munmap map shared ring buffers.
	Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error)
	Munmap(b []byte) error

	// Epoll primitives for blocking on buffer readiness.
	EpollCreate() (int, error)
	EpollCtl(epfd, op, fd int, event *unix.EpollEvent) error
	EpollWait(epfd int, events []unix.EpollEvent, msec int) (int, error)

	// Close releases any descriptor obtained through this gateway.
	// Closing is the single cancellation primitive for every
	// resource in the system.
	Close(fd int) error
}

// Default returns the gateway backed by the real kernel.
func Default() Gateway { return hostGateway{} }

type hostGateway struct{}

func (hostGateway) BPF(cmd Cmd, attr Attr) (uintptr, error) {
	var ptr, size uintptr
	if attr != nil {
		ptr = uintptr(attr.Pointer())
		size = attr.Size()
	}
	r1, _, errno := unix.Syscall(unix.SYS_BPF, uintptr(cmd), ptr, size)
	runtime.KeepAlive(attr)
	if errno != 0 {
		return r1, errno
	}
	return r1, nil
}

func (hostGateway) PerfEventOpen(attr *unix.PerfEventAttr, pid, cpu, groupFD int, flags int) (int, error) {
	return unix.PerfEventOpen(attr, pid, cpu, groupFD, flags)
}

func (hostGateway) Ioctl(fd int, req uint, arg int) error {
	return unix.IoctlSetInt(fd, req, arg)
}

func (hostGateway) Mmap(fd int, offset int64, length int, prot, flags int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, prot, flags)
}

func (hostGateway) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (hostGateway) EpollCreate() (int, error) {
	return unix.EpollCreate1(unix.EPOLL_CLOEXEC)
}

func (hostGateway) EpollCtl(epfd, op, fd int, event *unix.EpollEvent) error {
	return unix.EpollCtl(epfd, op, fd, event)
}

func (hostGateway) EpollWait(epfd int, events []unix.EpollEvent, msec int) (int, error) {
	return unix.EpollWait(epfd, events, msec)
}

func (hostGateway) Close(fd int) error {
	return unix.Close(fd)
}
