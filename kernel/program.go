package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/elfobj"
	"github.com/frobware/go-bpfload/sys"
)

// keepAlive pins syscall argument buffers past the call that uses
// their addresses.
func keepAlive(bufs ...[]byte) {
	runtime.KeepAlive(bufs)
}

// ldimm64 instruction encoding details for the map relocation pass.
const (
	opLdimm64      = 0x18
	insnSize       = 8
	pseudoMapFD    = 1
	pseudoMapValue = 2
)

// Program is a loaded kernel program.
type Program struct {
	gw      sys.Gateway
	fd      int
	id      uint32
	name    string
	typ     bpfload.ProgramType
	section string
	pinPath string
	closed  bool
}

// verifier log sizing. The buffer starts modest and doubles on
// overflow; the cap keeps a pathological rejection from exhausting
// memory.
const (
	logStartSize = 64 * 1024
	logMaxSize   = 16 * 1024 * 1024
)

// LoadProgram applies the map relocation pass to spec.Insns and
// submits the result to the kernel. maps supplies a live handle per
// map name; relocs are the object's map references for this program.
// On rejection the returned LoadError carries the verifier's
// diagnostic verbatim.
func LoadProgram(gw sys.Gateway, spec bpfload.ProgramSpec, maps map[string]*MapHandle, relocs []elfobj.MapReloc, bo binary.ByteOrder, logger *slog.Logger) (*Program, error) {
	if len(spec.Insns) == 0 || len(spec.Insns)%insnSize != 0 {
		return nil, &bpfload.LoadError{Program: spec.Name,
			Err: fmt.Errorf("instruction stream of %d bytes is not a whole number of instructions", len(spec.Insns))}
	}

	if err := applyMapRelocs(spec.Insns, relocs, maps, bo); err != nil {
		return nil, &bpfload.LoadError{Program: spec.Name, Err: err}
	}

	licensePtr, licenseBuf := sys.String64(spec.License)
	attr := sys.ProgLoadAttr{
		ProgType: uint32(spec.Type),
		InsnCnt:  uint32(len(spec.Insns) / insnSize),
		Insns:    sys.Pointer64(spec.Insns),
		License:  licensePtr,
		ProgName: sys.ObjName(spec.Name),
	}

	fd, err := gw.BPF(sys.CmdProgLoad, &attr)
	keepAlive(spec.Insns, licenseBuf)
	if err == nil {
		return newProgram(gw, int(fd), spec, logger), nil
	}

	// Rejected. Re-submit with a verifier log buffer so the caller
	// sees the kernel's reason, growing the buffer until the log
	// fits. A retry may also succeed outright when the first failure
	// was transient (EAGAIN under memlock pressure).
	for size := logStartSize; size <= logMaxSize; size *= 2 {
		logBuf := make([]byte, size)
		attr.LogLevel = 1
		attr.LogSize = uint32(size)
		attr.LogBuf = sys.Pointer64(logBuf)

		fd, err = gw.BPF(sys.CmdProgLoad, &attr)
		keepAlive(spec.Insns, licenseBuf, logBuf)
		if err == nil {
			return newProgram(gw, int(fd), spec, logger), nil
		}
		if errors.Is(err, unix.ENOSPC) {
			continue
		}
		return nil, &bpfload.LoadError{Program: spec.Name, Log: logString(logBuf), Err: err}
	}
	return nil, &bpfload.LoadError{Program: spec.Name, Err: err}
}

func newProgram(gw sys.Gateway, fd int, spec bpfload.ProgramSpec, logger *slog.Logger) *Program {
	p := &Program{gw: gw, fd: fd, name: spec.Name, typ: spec.Type, section: spec.SectionName}
	p.id, _ = progID(gw, p.fd)
	logger.Debug("loaded program", "program", spec.Name, "type", spec.Type, "id", p.id)
	return p
}

// applyMapRelocs is the second relocation pass, run after maps
// exist: every instruction referencing a map by name becomes an
// ldimm64 loading the concrete descriptor. Data-section references
// additionally address an offset inside the backing map's value.
func applyMapRelocs(insns []byte, relocs []elfobj.MapReloc, maps map[string]*MapHandle, bo binary.ByteOrder) error {
	for _, rel := range relocs {
		if rel.InsnOff%insnSize != 0 {
			return fmt.Errorf("map relocation at unaligned offset %d", rel.InsnOff)
		}
		if rel.InsnOff+2*insnSize > uint64(len(insns)) {
			return fmt.Errorf("map relocation at %d exceeds instruction stream", rel.InsnOff)
		}
		if insns[rel.InsnOff] != opLdimm64 {
			return fmt.Errorf("map relocation at %d targets opcode %#x, want ldimm64", rel.InsnOff, insns[rel.InsnOff])
		}
		handle, ok := maps[rel.Symbol]
		if !ok {
			return fmt.Errorf("instruction references unknown map %q", rel.Symbol)
		}

		off := rel.InsnOff
		if rel.Datasec {
			// The immediate the compiler left behind is the offset
			// of the access within the section; it moves to the
			// upper slot, relative to the start of the map value.
			orig := uint64(bo.Uint32(insns[off+4:]))
			setSrcReg(insns, off, pseudoMapValue, bo)
			bo.PutUint32(insns[off+4:], uint32(handle.FD()))
			bo.PutUint32(insns[off+12:], uint32(rel.ValueOffset+orig))
		} else {
			setSrcReg(insns, off, pseudoMapFD, bo)
			bo.PutUint32(insns[off+4:], uint32(handle.FD()))
			bo.PutUint32(insns[off+12:], 0)
		}
	}
	return nil
}

// setSrcReg rewrites the source register nibble of the instruction
// at off. The dst/src nibble order within the register byte follows
// the object's endianness.
func setSrcReg(insns []byte, off uint64, src byte, bo binary.ByteOrder) {
	regs := insns[off+1]
	if bo == binary.ByteOrder(binary.BigEndian) {
		insns[off+1] = regs&0xf0 | src&0x0f
	} else {
		insns[off+1] = src<<4 | regs&0x0f
	}
}

func logString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func progID(gw sys.Gateway, fd int) (uint32, error) {
	var info sys.ProgInfo
	attr := sys.ObjGetInfoByFDAttr{
		BpfFD:   uint32(fd),
		InfoLen: uint32(unsafe.Sizeof(info)),
		Info:    uint64(uintptr(unsafe.Pointer(&info))),
	}
	if _, err := gw.BPF(sys.CmdObjGetInfoByFD, &attr); err != nil {
		return 0, err
	}
	return info.ID, nil
}

// OpenPinnedProgram opens the program pinned at path and returns a
// live handle populated from kernel info.
func OpenPinnedProgram(gw sys.Gateway, path string, logger *slog.Logger) (*Program, error) {
	ptr, buf := sys.String64(path)
	attr := sys.ObjPinAttr{Pathname: ptr}
	fd, err := gw.BPF(sys.CmdObjGet, &attr)
	keepAlive(buf)
	if err != nil {
		return nil, fmt.Errorf("opening pinned program at %s: %w", path, err)
	}

	p := &Program{gw: gw, fd: int(fd), pinPath: path}
	var info sys.ProgInfo
	infoAttr := sys.ObjGetInfoByFDAttr{
		BpfFD:   uint32(p.fd),
		InfoLen: uint32(unsafe.Sizeof(info)),
		Info:    uint64(uintptr(unsafe.Pointer(&info))),
	}
	if _, err := gw.BPF(sys.CmdObjGetInfoByFD, &infoAttr); err != nil {
		p.Close()
		return nil, fmt.Errorf("reading pinned program info: %w", err)
	}
	p.id = info.ID
	p.typ = bpfload.ProgramType(info.Type)
	p.name = objNameString(info.Name)
	logger.Debug("opened pinned program", "path", path, "id", p.id, "name", p.name)
	return p, nil
}

func objNameString(name [sys.ObjNameLen]byte) string {
	for i, b := range name {
		if b == 0 {
			return string(name[:i])
		}
	}
	return string(name[:])
}

// FD returns the owned descriptor.
func (p *Program) FD() int { return p.fd }

// ID returns the kernel-assigned program id.
func (p *Program) ID() uint32 { return p.id }

// Name returns the program name.
func (p *Program) Name() string { return p.name }

// Type returns the program type.
func (p *Program) Type() bpfload.ProgramType { return p.typ }

// SectionName returns the object section the program came from.
func (p *Program) SectionName() string { return p.section }

// PinPath returns the pin path, or "" for an unpinned program.
func (p *Program) PinPath() string { return p.pinPath }

// Pin registers the program at path.
func (p *Program) Pin(path string) error {
	ptr, buf := sys.String64(path)
	attr := sys.ObjPinAttr{Pathname: ptr, BpfFD: uint32(p.fd)}
	_, err := p.gw.BPF(sys.CmdObjPin, &attr)
	keepAlive(buf)
	if err != nil {
		return fmt.Errorf("pinning program %q at %s: %w", p.name, path, err)
	}
	p.pinPath = path
	return nil
}

// Close releases the program's kernel reference. Idempotent. A
// pinned program remains reachable through its pin path.
func (p *Program) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.gw.Close(p.fd)
}
