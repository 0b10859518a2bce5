package bpfload

import (
	"errors"
	"fmt"
)

// AttachSpec describes a hook point a loaded program can be attached
// to. It is a closed set: exactly one of the concrete spec types
// below. Hook returns a human-readable description of the hook for
// logs and errors.
type AttachSpec interface {
	Hook() string
	attachSpec()
}

// KprobeAttachSpec attaches to a kernel function entry (or return,
// when Retprobe is set).
type KprobeAttachSpec struct {
	fnName   string
	offset   uint64
	retprobe bool
}

// NewKprobeAttachSpec creates a KprobeAttachSpec with validated fields.
func NewKprobeAttachSpec(fnName string, retprobe bool) (KprobeAttachSpec, error) {
	if fnName == "" {
		return KprobeAttachSpec{}, errors.New("fnName is required")
	}
	return KprobeAttachSpec{fnName: fnName, retprobe: retprobe}, nil
}

// WithOffset returns a new KprobeAttachSpec probing at an offset into
// the function rather than its entry.
func (s KprobeAttachSpec) WithOffset(offset uint64) KprobeAttachSpec {
	s.offset = offset
	return s
}

func (s KprobeAttachSpec) FnName() string { return s.fnName }
func (s KprobeAttachSpec) Offset() uint64 { return s.offset }
func (s KprobeAttachSpec) Retprobe() bool { return s.retprobe }

func (s KprobeAttachSpec) Hook() string {
	if s.retprobe {
		return fmt.Sprintf("kretprobe/%s", s.fnName)
	}
	return fmt.Sprintf("kprobe/%s", s.fnName)
}

func (KprobeAttachSpec) attachSpec() {}

// TracepointAttachSpec attaches to a static kernel tracepoint
// identified by group and name, e.g. syscalls/sys_enter_openat.
type TracepointAttachSpec struct {
	group string
	name  string
}

// NewTracepointAttachSpec creates a TracepointAttachSpec with
// validated fields.
func NewTracepointAttachSpec(group, name string) (TracepointAttachSpec, error) {
	if group == "" {
		return TracepointAttachSpec{}, errors.New("group is required")
	}
	if name == "" {
		return TracepointAttachSpec{}, errors.New("name is required")
	}
	return TracepointAttachSpec{group: group, name: name}, nil
}

func (s TracepointAttachSpec) Group() string { return s.group }
func (s TracepointAttachSpec) Name() string  { return s.name }

func (s TracepointAttachSpec) Hook() string {
	return fmt.Sprintf("tracepoint/%s/%s", s.group, s.name)
}

func (TracepointAttachSpec) attachSpec() {}

// RawTracepointAttachSpec attaches to a raw tracepoint by name.
type RawTracepointAttachSpec struct {
	name string
}

// NewRawTracepointAttachSpec creates a RawTracepointAttachSpec with
// validated fields.
func NewRawTracepointAttachSpec(name string) (RawTracepointAttachSpec, error) {
	if name == "" {
		return RawTracepointAttachSpec{}, errors.New("name is required")
	}
	return RawTracepointAttachSpec{name: name}, nil
}

func (s RawTracepointAttachSpec) Name() string { return s.name }

func (s RawTracepointAttachSpec) Hook() string {
	return fmt.Sprintf("raw_tracepoint/%s", s.name)
}

func (RawTracepointAttachSpec) attachSpec() {}

// XDPAttachSpec attaches a packet-processing program to a network
// interface.
type XDPAttachSpec struct {
	ifname  string
	ifindex int
	flags   uint32
}

// NewXDPAttachSpec creates an XDPAttachSpec with validated fields.
func NewXDPAttachSpec(ifname string, ifindex int) (XDPAttachSpec, error) {
	if ifname == "" {
		return XDPAttachSpec{}, errors.New("ifname is required")
	}
	if ifindex <= 0 {
		return XDPAttachSpec{}, errors.New("ifindex must be positive")
	}
	return XDPAttachSpec{ifname: ifname, ifindex: ifindex}, nil
}

// WithFlags returns a new XDPAttachSpec with XDP attach flags set
// (e.g. generic vs driver mode).
func (s XDPAttachSpec) WithFlags(flags uint32) XDPAttachSpec {
	s.flags = flags
	return s
}

func (s XDPAttachSpec) Ifname() string { return s.ifname }
func (s XDPAttachSpec) Ifindex() int   { return s.ifindex }
func (s XDPAttachSpec) Flags() uint32  { return s.flags }

func (s XDPAttachSpec) Hook() string {
	return fmt.Sprintf("xdp/%s", s.ifname)
}

func (XDPAttachSpec) attachSpec() {}
