// Package kernel owns the kernel-side resources the loader creates:
// maps, programs and attachment links. Every handle wraps a file
// descriptor obtained through the sys gateway; closing the handle is
// the single release mechanism, and pinning is the one way to opt a
// resource out of that release.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/sys"
)

// MapHandle is an owned reference to a kernel map. Dropping an
// unpinned handle (Close) releases the kernel-side object once all
// references are gone; a pinned handle survives via its pin path.
type MapHandle struct {
	gw      sys.Gateway
	fd      int
	id      uint32
	spec    bpfload.MapSpec
	pinPath string
	reused  bool
	closed  bool
}

// CreateMap creates a kernel map from spec, or reuses the map pinned
// at pinPath when one already exists there. Reuse makes
// reload-after-crash idempotent: the second load call gets a handle
// to the same kernel object instead of an "already exists" error.
// pinPath may be empty for an unpinned map.
func CreateMap(gw sys.Gateway, spec bpfload.MapSpec, pinPath string, logger *slog.Logger) (*MapHandle, error) {
	if pinPath != "" {
		h, err := openPinnedMap(gw, spec, pinPath)
		if err == nil {
			logger.Debug("reusing pinned map", "map", spec.Name, "path", pinPath, "id", h.id)
			return h, nil
		}
		if !errors.Is(err, unix.ENOENT) && !errors.Is(err, os.ErrNotExist) {
			return nil, &bpfload.MapCreateError{Map: spec.Name, Err: err}
		}
	}

	attr := sys.MapCreateAttr{
		MapType:    uint32(spec.Type),
		KeySize:    spec.KeySize,
		ValueSize:  spec.ValueSize,
		MaxEntries: spec.MaxEntries,
		MapFlags:   spec.Flags,
		MapName:    sys.ObjName(spec.Name),
	}
	fd, err := gw.BPF(sys.CmdMapCreate, &attr)
	if err != nil {
		return nil, &bpfload.MapCreateError{Map: spec.Name, Err: err}
	}

	h := &MapHandle{gw: gw, fd: int(fd), spec: spec}
	if err := h.initialise(pinPath); err != nil {
		h.Close()
		return nil, &bpfload.MapCreateError{Map: spec.Name, Err: err}
	}
	logger.Debug("created map", "map", spec.Name, "type", spec.Type, "id", h.id, "pin", pinPath)
	return h, nil
}

// initialise populates internal map contents, freezes read-only
// maps, pins when requested, and fetches the kernel id.
func (h *MapHandle) initialise(pinPath string) error {
	if len(h.spec.Contents) != 0 {
		value := make([]byte, h.spec.ValueSize)
		copy(value, h.spec.Contents)
		var key [4]byte
		if err := h.Update(key[:], value, 0); err != nil {
			return fmt.Errorf("populating contents: %w", err)
		}
	}
	if h.spec.Frozen {
		attr := sys.MapFreezeAttr{MapFD: uint32(h.fd)}
		if _, err := h.gw.BPF(sys.CmdMapFreeze, &attr); err != nil {
			return fmt.Errorf("freezing: %w", err)
		}
	}
	if pinPath != "" {
		if err := h.Pin(pinPath); err != nil {
			return err
		}
	}
	info, err := mapInfo(h.gw, h.fd)
	if err != nil {
		return fmt.Errorf("reading map info: %w", err)
	}
	h.id = info.ID
	return nil
}

// openPinnedMap opens the map pinned at path and verifies it is
// structurally compatible with spec.
func openPinnedMap(gw sys.Gateway, spec bpfload.MapSpec, path string) (*MapHandle, error) {
	ptr, buf := sys.String64(path)
	attr := sys.ObjPinAttr{Pathname: ptr}
	fd, err := gw.BPF(sys.CmdObjGet, &attr)
	keepAlive(buf)
	if err != nil {
		return nil, err
	}

	h := &MapHandle{gw: gw, fd: int(fd), spec: spec, pinPath: path, reused: true}
	info, err := mapInfo(gw, h.fd)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("reading pinned map info: %w", err)
	}
	if !spec.Compatible(bpfload.MapType(info.Type), info.KeySize, info.ValueSize, info.MaxEntries) {
		h.Close()
		return nil, fmt.Errorf("pinned map at %s is incompatible: have %s key=%d value=%d max=%d, want %s key=%d value=%d max=%d",
			path, bpfload.MapType(info.Type), info.KeySize, info.ValueSize, info.MaxEntries,
			spec.Type, spec.KeySize, spec.ValueSize, spec.MaxEntries)
	}
	h.id = info.ID
	return h, nil
}

// OpenPinnedMap opens the map pinned at path without a declared
// spec, reconstructing one from kernel info. Used when reattaching to
// maps across process restarts.
func OpenPinnedMap(gw sys.Gateway, path string, logger *slog.Logger) (*MapHandle, error) {
	ptr, buf := sys.String64(path)
	attr := sys.ObjPinAttr{Pathname: ptr}
	fd, err := gw.BPF(sys.CmdObjGet, &attr)
	keepAlive(buf)
	if err != nil {
		return nil, fmt.Errorf("opening pinned map at %s: %w", path, err)
	}

	h := &MapHandle{gw: gw, fd: int(fd), pinPath: path, reused: true}
	info, err := mapInfo(gw, h.fd)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("reading pinned map info: %w", err)
	}
	h.id = info.ID
	h.spec = bpfload.MapSpec{
		Name:       objNameString(info.Name),
		Type:       bpfload.MapType(info.Type),
		KeySize:    info.KeySize,
		ValueSize:  info.ValueSize,
		MaxEntries: info.MaxEntries,
		Flags:      info.MapFlags,
	}
	logger.Debug("opened pinned map", "path", path, "id", h.id, "name", h.spec.Name)
	return h, nil
}

func mapInfo(gw sys.Gateway, fd int) (*sys.MapInfo, error) {
	var info sys.MapInfo
	attr := sys.ObjGetInfoByFDAttr{
		BpfFD:   uint32(fd),
		InfoLen: uint32(unsafe.Sizeof(info)),
		Info:    uint64(uintptr(unsafe.Pointer(&info))),
	}
	if _, err := gw.BPF(sys.CmdObjGetInfoByFD, &attr); err != nil {
		return nil, err
	}
	return &info, nil
}

// FD returns the owned descriptor.
func (h *MapHandle) FD() int { return h.fd }

// ID returns the kernel-assigned map id.
func (h *MapHandle) ID() uint32 { return h.id }

// Name returns the declared map name.
func (h *MapHandle) Name() string { return h.spec.Name }

// Spec returns the declaration this handle was created from.
func (h *MapHandle) Spec() bpfload.MapSpec { return h.spec }

// PinPath returns the pin path, or "" for an unpinned handle.
func (h *MapHandle) PinPath() string { return h.pinPath }

// Reused reports whether the handle reuses a previously pinned map
// rather than owning a fresh one.
func (h *MapHandle) Reused() bool { return h.reused }

// Pin registers the map at path, adding a kernel-side reference that
// outlives this handle.
func (h *MapHandle) Pin(path string) error {
	ptr, buf := sys.String64(path)
	attr := sys.ObjPinAttr{Pathname: ptr, BpfFD: uint32(h.fd)}
	_, err := h.gw.BPF(sys.CmdObjPin, &attr)
	keepAlive(buf)
	if err != nil {
		return fmt.Errorf("pinning map %q at %s: %w", h.spec.Name, path, err)
	}
	h.pinPath = path
	return nil
}

// Unpin removes the pin path, dropping the filesystem reference.
// The map survives while open handles remain.
func (h *MapHandle) Unpin() error {
	if h.pinPath == "" {
		return nil
	}
	if err := os.Remove(h.pinPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	h.pinPath = ""
	return nil
}

// Lookup copies the value for key into value. The read is a
// snapshot: kernel-side programs may update the map concurrently.
func (h *MapHandle) Lookup(key, value []byte) error {
	attr := sys.MapElemAttr{
		MapFD: uint32(h.fd),
		Key:   sys.Pointer64(key),
		Value: sys.Pointer64(value),
	}
	_, err := h.gw.BPF(sys.CmdMapLookupElem, &attr)
	keepAlive(key, value)
	return err
}

// Update writes value for key.
func (h *MapHandle) Update(key, value []byte, flags uint64) error {
	attr := sys.MapElemAttr{
		MapFD: uint32(h.fd),
		Key:   sys.Pointer64(key),
		Value: sys.Pointer64(value),
		Flags: flags,
	}
	_, err := h.gw.BPF(sys.CmdMapUpdateElem, &attr)
	keepAlive(key, value)
	return err
}

// Delete removes key from the map.
func (h *MapHandle) Delete(key []byte) error {
	attr := sys.MapElemAttr{
		MapFD: uint32(h.fd),
		Key:   sys.Pointer64(key),
	}
	_, err := h.gw.BPF(sys.CmdMapDeleteElem, &attr)
	keepAlive(key)
	return err
}

// Close releases the handle's kernel reference. Idempotent. A pinned
// map remains reachable through its pin path.
func (h *MapHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.gw.Close(h.fd)
}
