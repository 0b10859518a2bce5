package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/kernel"
	"github.com/frobware/go-bpfload/ringbuf"
	"github.com/frobware/go-bpfload/store"
)

// Attach binds a loaded program to the hook described by spec. A
// failed attach leaves the program loaded; the caller may retry or
// unload. On success the store's hook column reflects the attachment.
func (l *Loader) Attach(ctx context.Context, lp *LoadedProgram, spec bpfload.AttachSpec) error {
	if lp.state == StateAttached {
		return &bpfload.AttachError{
			Program: lp.Program.Name(),
			Hook:    spec.Hook(),
			Err:     errors.New("program is already attached"),
		}
	}

	link, err := l.attacher.Attach(lp.Program, spec)
	if err != nil {
		return err
	}
	lp.link = link
	lp.state = StateAttached

	rec, err := l.store.GetProgram(ctx, lp.Program.ID())
	if err == nil {
		rec.Hook = spec.Hook()
		if err := l.store.SaveProgram(ctx, rec); err != nil {
			l.logger.Warn("recording attachment failed", "program", lp.Program.Name(), "error", err)
		}
	}
	return nil
}

// AttachPinned binds a reopened pinned program to the hook described
// by spec. The caller owns the returned link; closing it detaches.
// The store's hook column reflects the attachment on success.
func (l *Loader) AttachPinned(ctx context.Context, prog *kernel.Program, spec bpfload.AttachSpec) (*kernel.Link, error) {
	link, err := l.attacher.Attach(prog, spec)
	if err != nil {
		return nil, err
	}

	rec, err := l.store.GetProgram(ctx, prog.ID())
	if err == nil {
		rec.Hook = spec.Hook()
		if err := l.store.SaveProgram(ctx, rec); err != nil {
			l.logger.Warn("recording attachment failed", "program", prog.Name(), "error", err)
		}
	}
	return link, nil
}

// Detach closes the program's attachment link, returning it to the
// loaded state.
func (l *Loader) Detach(ctx context.Context, lp *LoadedProgram) error {
	if lp.link == nil {
		return nil
	}
	err := lp.link.Close()
	lp.link = nil
	lp.state = StateLoaded

	rec, recErr := l.store.GetProgram(ctx, lp.Program.ID())
	if recErr == nil {
		rec.Hook = ""
		if saveErr := l.store.SaveProgram(ctx, rec); saveErr != nil {
			l.logger.Warn("recording detach failed", "program", lp.Program.Name(), "error", saveErr)
		}
	}
	return err
}

// List returns the program records the store knows about, keyed by
// kernel id.
func (l *Loader) List(ctx context.Context) (map[uint32]store.ProgramRecord, error) {
	return l.store.ListPrograms(ctx)
}

// Maps returns the map records recorded for a program's kernel id.
func (l *Loader) Maps(ctx context.Context, programID uint32) ([]store.MapRecord, error) {
	return l.store.ListMapsForProgram(ctx, programID)
}

// Unload removes a previously loaded program by name: its pins, its
// maps' pins, and its store records. Works across process restarts;
// the kernel releases the objects once the last reference (pin or
// descriptor) is gone.
func (l *Loader) Unload(ctx context.Context, name string) error {
	rec, err := l.store.GetProgramByName(ctx, name)
	if err != nil {
		return err
	}

	maps, err := l.store.ListMapsForProgram(ctx, rec.KernelID)
	if err != nil {
		return err
	}

	var errs []error
	if rec.PinPath != "" {
		if err := removePin(rec.PinPath); err != nil {
			errs = append(errs, fmt.Errorf("removing program pin %s: %w", rec.PinPath, err))
		}
	}
	for _, m := range maps {
		if m.PinPath == "" {
			continue
		}
		if err := removePin(m.PinPath); err != nil {
			errs = append(errs, fmt.Errorf("removing map pin %s: %w", m.PinPath, err))
		}
	}

	// Remove the now-empty per-program maps directory; ignore failure,
	// the directory may hold pins from another load.
	if len(maps) > 0 && maps[0].PinPath != "" {
		_ = os.Remove(filepath.Dir(maps[0].PinPath))
	}

	if err := l.store.DeleteProgram(ctx, rec.KernelID); err != nil {
		errs = append(errs, fmt.Errorf("deleting program record: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	l.logger.Info("unloaded program", "program", name, "kernel_id", rec.KernelID)
	return nil
}

// Events opens a ring buffer reader on the named map of a loaded
// program. The caller owns the reader and must Close it.
func (l *Loader) Events(lp *LoadedProgram, mapName string) (*ringbuf.Reader, error) {
	handle := lp.Map(mapName)
	if handle == nil {
		return nil, fmt.Errorf("program %q has no map %q", lp.Program.Name(), mapName)
	}
	if handle.Spec().Type != bpfload.MapTypeRingBuf {
		return nil, fmt.Errorf("map %q is a %s, want ring buffer", mapName, handle.Spec().Type)
	}
	if !l.feats.HasRingBuf {
		return nil, fmt.Errorf("kernel %s lacks ring buffer support", l.feats.KernelVersion)
	}
	return ringbuf.NewReader(l.gw, handle.FD(), handle.Spec().MaxEntries)
}

// EventsPinned opens a ring buffer reader on a pinned map recorded
// for the named program, without requiring the original load's
// in-process handles. The caller owns the reader and must Close it.
func (l *Loader) EventsPinned(ctx context.Context, progName, mapName string) (*ringbuf.Reader, error) {
	rec, err := l.store.GetProgramByName(ctx, progName)
	if err != nil {
		return nil, err
	}
	maps, err := l.store.ListMapsForProgram(ctx, rec.KernelID)
	if err != nil {
		return nil, err
	}
	for _, m := range maps {
		if m.Name != mapName {
			continue
		}
		if m.PinPath == "" {
			return nil, fmt.Errorf("map %q was created without a pin", mapName)
		}
		handle, err := kernel.OpenPinnedMap(l.gw, m.PinPath, l.logger)
		if err != nil {
			return nil, err
		}
		if handle.Spec().Type != bpfload.MapTypeRingBuf {
			handle.Close()
			return nil, fmt.Errorf("map %q is a %s, want ring buffer", mapName, handle.Spec().Type)
		}
		reader, err := ringbuf.NewReader(l.gw, handle.FD(), handle.Spec().MaxEntries)
		if err != nil {
			handle.Close()
			return nil, err
		}
		// The reopened descriptor has no other owner; tie it to the
		// reader's lifetime.
		return reader.CloseWith(handle.Close), nil
	}
	return nil, fmt.Errorf("program %q has no recorded map %q", progName, mapName)
}

// OpenPinned reopens a previously pinned program by its store record,
// returning a live handle. Used to attach or inspect across process
// restarts.
func (l *Loader) OpenPinned(ctx context.Context, name string) (*kernel.Program, error) {
	rec, err := l.store.GetProgramByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.PinPath == "" {
		return nil, fmt.Errorf("program %q was loaded without a pin", name)
	}
	return kernel.OpenPinnedProgram(l.gw, rec.PinPath, l.logger)
}
