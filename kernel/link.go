package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/sys"
)

// Link is an owned attachment of a program to a hook. Closing the
// link detaches the program; the program itself stays loaded and can
// be attached again.
type Link struct {
	gw     sys.Gateway
	hook   string
	fds    []int // closed in reverse order on Close
	closed bool
}

// Attacher binds loaded programs to kernel hooks. Attachment paths
// depend on kernel features: BPF links where available, the
// perf-event ioctl fallback otherwise.
type Attacher struct {
	gw          sys.Gateway
	feats       Features
	logger      *slog.Logger
	tracefsRoot string
	pmuRoot     string
}

// NewAttacher creates an Attacher using the given gateway and
// detected features.
func NewAttacher(gw sys.Gateway, feats Features, logger *slog.Logger) *Attacher {
	return &Attacher{
		gw:          gw,
		feats:       feats,
		logger:      logger,
		tracefsRoot: "/sys/kernel/tracing",
		pmuRoot:     "/sys/bus/event_source/devices",
	}
}

// WithTracefs overrides the tracefs mount point. Tests point this at
// a fixture tree.
func (a *Attacher) WithTracefs(root string) *Attacher {
	c := *a
	c.tracefsRoot = root
	return &c
}

// WithPMURoot overrides the perf PMU sysfs root. Tests point this at
// a fixture tree.
func (a *Attacher) WithPMURoot(root string) *Attacher {
	c := *a
	c.pmuRoot = root
	return &c
}

// Attach binds prog to the hook described by spec. A failed attach
// leaves prog loaded; the caller decides whether to retry, attach
// elsewhere, or unload.
func (a *Attacher) Attach(prog *Program, spec bpfload.AttachSpec) (*Link, error) {
	var (
		link *Link
		err  error
	)
	switch s := spec.(type) {
	case bpfload.KprobeAttachSpec:
		link, err = a.attachKprobe(prog, s)
	case bpfload.TracepointAttachSpec:
		link, err = a.attachTracepoint(prog, s)
	case bpfload.RawTracepointAttachSpec:
		link, err = a.attachRawTracepoint(prog, s)
	case bpfload.XDPAttachSpec:
		link, err = a.attachXDP(prog, s)
	default:
		err = fmt.Errorf("unsupported attach spec %T", spec)
	}
	if err != nil {
		return nil, &bpfload.AttachError{Program: prog.Name(), Hook: spec.Hook(), Err: err}
	}
	a.logger.Debug("attached program", "program", prog.Name(), "hook", spec.Hook())
	return link, nil
}

// attachKprobe opens a kprobe perf event through the kprobe PMU and
// binds the program to it.
func (a *Attacher) attachKprobe(prog *Program, spec bpfload.KprobeAttachSpec) (*Link, error) {
	pmuType, err := a.readSysfsUint(filepath.Join(a.pmuRoot, "kprobe", "type"))
	if err != nil {
		return nil, fmt.Errorf("kprobe PMU unavailable: %w", err)
	}

	fnName := append([]byte(spec.FnName()), 0)
	attr := unix.PerfEventAttr{
		Type: uint32(pmuType),
		Ext1: uint64(sys.Pointer64(fnName)), // kprobe_func
		Ext2: spec.Offset(),                 // probe_offset
	}
	if spec.Retprobe() {
		bit, err := a.readRetprobeBit("kprobe")
		if err != nil {
			return nil, err
		}
		attr.Config = 1 << bit
	}

	evtFD, err := a.gw.PerfEventOpen(&attr, -1, 0, -1, unix.PERF_FLAG_FD_CLOEXEC)
	keepAlive(fnName)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open for %s: %w", spec.Hook(), err)
	}
	return a.bindPerfEvent(prog, spec.Hook(), evtFD)
}

// attachTracepoint resolves the tracepoint's event id through tracefs
// and binds the program via a tracepoint perf event.
func (a *Attacher) attachTracepoint(prog *Program, spec bpfload.TracepointAttachSpec) (*Link, error) {
	idPath := filepath.Join(a.tracefsRoot, "events", spec.Group(), spec.Name(), "id")
	id, err := a.readSysfsUint(idPath)
	if err != nil {
		return nil, fmt.Errorf("resolving tracepoint id: %w", err)
	}

	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_TRACEPOINT,
		Config: id,
	}
	evtFD, err := a.gw.PerfEventOpen(&attr, -1, 0, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open for %s: %w", spec.Hook(), err)
	}
	return a.bindPerfEvent(prog, spec.Hook(), evtFD)
}

// bindPerfEvent attaches the program to an open perf event. On
// kernels with BPF links the attachment gets its own descriptor;
// otherwise the event fd carries the attachment via ioctl.
func (a *Attacher) bindPerfEvent(prog *Program, hook string, evtFD int) (*Link, error) {
	if a.feats.HasBPFLink {
		attr := sys.LinkCreateAttr{
			ProgFD:     uint32(prog.FD()),
			TargetFD:   uint32(evtFD),
			AttachType: sys.AttachTypePerfEvent,
		}
		linkFD, err := a.gw.BPF(sys.CmdLinkCreate, &attr)
		if err != nil {
			a.gw.Close(evtFD)
			return nil, fmt.Errorf("link create: %w", err)
		}
		if err := a.gw.Ioctl(evtFD, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			a.gw.Close(int(linkFD))
			a.gw.Close(evtFD)
			return nil, fmt.Errorf("enabling perf event: %w", err)
		}
		return &Link{gw: a.gw, hook: hook, fds: []int{evtFD, int(linkFD)}}, nil
	}

	if err := a.gw.Ioctl(evtFD, unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
		a.gw.Close(evtFD)
		return nil, fmt.Errorf("binding program to perf event: %w", err)
	}
	if err := a.gw.Ioctl(evtFD, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		a.gw.Close(evtFD)
		return nil, fmt.Errorf("enabling perf event: %w", err)
	}
	return &Link{gw: a.gw, hook: hook, fds: []int{evtFD}}, nil
}

func (a *Attacher) attachRawTracepoint(prog *Program, spec bpfload.RawTracepointAttachSpec) (*Link, error) {
	ptr, buf := sys.String64(spec.Name())
	attr := sys.RawTracepointOpenAttr{Name: ptr, ProgFD: uint32(prog.FD())}
	fd, err := a.gw.BPF(sys.CmdRawTracepoint, &attr)
	keepAlive(buf)
	if err != nil {
		return nil, fmt.Errorf("raw tracepoint open: %w", err)
	}
	return &Link{gw: a.gw, hook: spec.Hook(), fds: []int{int(fd)}}, nil
}

func (a *Attacher) attachXDP(prog *Program, spec bpfload.XDPAttachSpec) (*Link, error) {
	if !a.feats.HasBPFLink {
		return nil, fmt.Errorf("kernel %s lacks BPF link support required for interface attachment", a.feats.KernelVersion)
	}
	attr := sys.LinkCreateAttr{
		ProgFD:     uint32(prog.FD()),
		TargetFD:   uint32(spec.Ifindex()), // target_ifindex
		AttachType: sys.AttachTypeXDP,
		Flags:      spec.Flags(),
	}
	fd, err := a.gw.BPF(sys.CmdLinkCreate, &attr)
	if err != nil {
		return nil, fmt.Errorf("link create: %w", err)
	}
	return &Link{gw: a.gw, hook: spec.Hook(), fds: []int{int(fd)}}, nil
}

// readSysfsUint reads a single decimal integer from a sysfs or
// tracefs file.
func (a *Attacher) readSysfsUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return n, nil
}

// readRetprobeBit parses the PMU's retprobe format descriptor, a
// line of the form "config:0" naming the config bit that selects
// return probes.
func (a *Attacher) readRetprobeBit(pmu string) (uint, error) {
	path := filepath.Join(a.pmuRoot, pmu, "format", "retprobe")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading retprobe format: %w", err)
	}
	s := strings.TrimSpace(string(data))
	rest, ok := strings.CutPrefix(s, "config:")
	if !ok {
		return 0, fmt.Errorf("unexpected retprobe format %q", s)
	}
	bit, err := strconv.ParseUint(rest, 10, 6)
	if err != nil {
		return 0, fmt.Errorf("unexpected retprobe format %q", s)
	}
	return uint(bit), nil
}

// Hook returns the human-readable hook description.
func (l *Link) Hook() string { return l.hook }

// Close detaches the program by releasing the link's descriptors in
// reverse acquisition order. Idempotent.
func (l *Link) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	for i := len(l.fds) - 1; i >= 0; i-- {
		if err := l.gw.Close(l.fds[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
