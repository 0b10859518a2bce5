package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	bpfload "github.com/frobware/go-bpfload"
	"github.com/frobware/go-bpfload/bpffs"
	"github.com/frobware/go-bpfload/btf"
	"github.com/frobware/go-bpfload/core"
	"github.com/frobware/go-bpfload/elfobj"
	"github.com/frobware/go-bpfload/kernel"
	"github.com/frobware/go-bpfload/store"
)

// State tracks a program through the load pipeline.
type State int

const (
	StateParsed State = iota
	StateRelocated
	StateLoaded
	StateAttached
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateRelocated:
		return "relocated"
	case StateLoaded:
		return "loaded"
	case StateAttached:
		return "attached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LoadedProgram is the in-process result of a successful load: the
// live program handle plus the map handles created for it.
type LoadedProgram struct {
	Program *kernel.Program
	Maps    map[string]*kernel.MapHandle

	state State
	link  *kernel.Link
}

// State returns the pipeline state.
func (lp *LoadedProgram) State() State { return lp.state }

// Map returns the named map handle, or nil.
func (lp *LoadedProgram) Map(name string) *kernel.MapHandle { return lp.Maps[name] }

// Close releases every in-process handle: the attachment link if
// present, then the program, then the maps. Pinned objects survive
// via their pin paths.
func (lp *LoadedProgram) Close() error {
	var errs []error
	if lp.link != nil {
		errs = append(errs, lp.link.Close())
		lp.link = nil
	}
	if lp.Program != nil {
		errs = append(errs, lp.Program.Close())
	}
	for _, m := range lp.Maps {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}

// Load parses the object named by spec and runs the full pipeline.
func (l *Loader) Load(ctx context.Context, spec bpfload.LoadSpec) (*LoadedProgram, error) {
	obj, err := elfobj.Open(spec.ObjectPath)
	if err != nil {
		return nil, err
	}
	return l.LoadObject(ctx, obj, spec)
}

// LoadObject runs the pipeline on an already parsed object: CO-RE
// relocation, map creation, the map reference pass, program
// submission, pinning and store persistence.
func (l *Loader) LoadObject(ctx context.Context, obj *elfobj.Object, spec bpfload.LoadSpec) (*LoadedProgram, error) {
	prog, err := obj.Program(spec.ProgramName)
	if err != nil {
		return nil, err
	}

	localGraph, err := l.relocate(obj, prog)
	if err != nil {
		return nil, err
	}

	mapSpecs, err := l.collectMapSpecs(obj, localGraph)
	if err != nil {
		return nil, err
	}

	var pinRoot bpffs.Root
	if spec.PinDir != "" {
		pinRoot = bpffs.Root(spec.PinDir)
		if err := pinRoot.EnsureDirs(prog.Name); err != nil {
			return nil, err
		}
	}

	var undo undoStack
	maps := make(map[string]*kernel.MapHandle, len(mapSpecs))
	for _, ms := range mapSpecs {
		var pinPath string
		if pinRoot != "" {
			pinPath = pinRoot.MapPin(prog.Name, ms.Name)
		}
		handle, err := kernel.CreateMap(l.gw, ms, pinPath, l.logger)
		if err != nil {
			undo.rollback(l.logger)
			return nil, err
		}
		maps[ms.Name] = handle
		if !handle.Reused() {
			// Reused pins belong to an earlier load; only maps this
			// load created are torn down on failure.
			h := handle
			undo.push(func() error {
				return errors.Join(h.Unpin(), h.Close())
			})
		}
	}

	progSpec := bpfload.ProgramSpec{
		Name:         prog.Name,
		Type:         prog.Type,
		SectionName:  prog.SectionName,
		Insns:        prog.Insns,
		License:      obj.License,
		AttachTarget: elfobj.AttachTargetForSection(prog.SectionName),
	}
	loaded, err := kernel.LoadProgram(l.gw, progSpec, maps, prog.MapRelocs, obj.ByteOrder, l.logger)
	if err != nil {
		undo.rollback(l.logger)
		return nil, err
	}
	undo.push(func() error { return loaded.Close() })

	var progPin string
	if pinRoot != "" {
		progPin = pinRoot.ProgramPin(prog.Name)
		if err := loaded.Pin(progPin); err != nil {
			undo.rollback(l.logger)
			return nil, err
		}
		undo.push(func() error { return removePin(progPin) })
	}

	if err := l.persist(ctx, spec, loaded, maps); err != nil {
		l.logger.Error("persist failed, rolling back", "program", prog.Name, "error", err)
		if rbErr := undo.rollback(l.logger); rbErr != nil {
			return nil, errors.Join(
				fmt.Errorf("persist state: %w", err),
				fmt.Errorf("rollback failed: %w", rbErr),
			)
		}
		return nil, fmt.Errorf("persist state: %w", err)
	}

	l.logger.Info("loaded program",
		"program", prog.Name,
		"type", prog.Type,
		"kernel_id", loaded.ID(),
		"pin", progPin)

	return &LoadedProgram{Program: loaded, Maps: maps, state: StateLoaded}, nil
}

// relocate decodes the object's type blob and applies CO-RE
// relocations to the selected program. Objects without relocations
// never touch runtime type information.
func (l *Loader) relocate(obj *elfobj.Object, prog *elfobj.Program) (*btf.Graph, error) {
	if len(obj.BTF) == 0 {
		return nil, nil
	}
	localGraph, err := btf.Decode(obj.BTF, obj.ByteOrder)
	if err != nil {
		return nil, err
	}
	if len(obj.BTFExt) == 0 {
		return localGraph, nil
	}

	ext, err := btf.ParseExtInfos(obj.BTFExt, obj.ByteOrder, localGraph)
	if err != nil {
		return nil, err
	}
	relos := relosForProgram(ext.CORERelos[prog.SectionName], prog)
	if len(relos) == 0 {
		return localGraph, nil
	}

	target, err := l.runtimeGraph()
	if err != nil {
		return nil, fmt.Errorf("program %q carries field relocations: %w", prog.Name, err)
	}

	if err := core.Apply(prog.Insns, relos, localGraph, target, obj.ByteOrder, l.logger); err != nil {
		return nil, err
	}
	return localGraph, nil
}

// relosForProgram selects the section's relocations that fall inside
// the program and rebases their offsets from section-relative to
// program-relative.
func relosForProgram(relos []btf.CORERelocation, prog *elfobj.Program) []btf.CORERelocation {
	var out []btf.CORERelocation
	start := uint32(prog.SectionOffset)
	end := start + uint32(len(prog.Insns))
	for _, r := range relos {
		if r.InsnOff < start || r.InsnOff >= end {
			continue
		}
		r.InsnOff -= start
		out = append(out, r)
	}
	return out
}

// collectMapSpecs merges the object's legacy and internal maps with
// its type-declared maps.
func (l *Loader) collectMapSpecs(obj *elfobj.Object, g *btf.Graph) ([]bpfload.MapSpec, error) {
	specs := append([]bpfload.MapSpec(nil), obj.Maps...)
	if g != nil {
		btfSpecs, err := obj.BTFMapSpecs(g)
		if err != nil {
			return nil, err
		}
		specs = append(specs, btfSpecs...)
	}
	for _, ms := range specs {
		if ms.Type == bpfload.MapTypeRingBuf && !l.feats.HasRingBuf {
			return nil, &bpfload.MapCreateError{
				Map: ms.Name,
				Err: fmt.Errorf("kernel %s lacks ring buffer support", l.feats.KernelVersion),
			}
		}
	}
	return specs, nil
}

// persist records the program and its maps in one transaction.
func (l *Loader) persist(ctx context.Context, spec bpfload.LoadSpec, prog *kernel.Program, maps map[string]*kernel.MapHandle) error {
	now := time.Now().UTC()
	return l.store.RunInTransaction(ctx, func(tx store.Store) error {
		rec := store.ProgramRecord{
			KernelID:    prog.ID(),
			Name:        prog.Name(),
			ProgramType: prog.Type().String(),
			ObjectPath:  spec.ObjectPath,
			SectionName: prog.SectionName(),
			PinPath:     prog.PinPath(),
			CreatedAt:   now,
		}
		if err := tx.SaveProgram(ctx, rec); err != nil {
			return err
		}
		for _, m := range maps {
			mr := store.MapRecord{
				KernelID:   m.ID(),
				Name:       m.Name(),
				MapType:    m.Spec().Type.String(),
				KeySize:    m.Spec().KeySize,
				ValueSize:  m.Spec().ValueSize,
				MaxEntries: m.Spec().MaxEntries,
				PinPath:    m.PinPath(),
				ProgramID:  prog.ID(),
			}
			if err := tx.SaveMap(ctx, mr); err != nil {
				return err
			}
		}
		return nil
	})
}
