package bpffs

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
)

// Scanner provides read-only access to the loader's pin layout under
// a bpffs root. It is the filesystem counterpart to the state store:
// what is actually pinned, as opposed to what the store believes is
// pinned.
type Scanner struct {
	root        Root
	onMalformed func(path string, err error)
}

// NewScanner creates a Scanner for the given root.
func NewScanner(root Root) *Scanner {
	return &Scanner{root: root}
}

// WithOnMalformed sets a callback for unparseable filesystem entries.
// Returns the Scanner for chaining.
func (s *Scanner) WithOnMalformed(f func(path string, err error)) *Scanner {
	s.onMalformed = f
	return s
}

func (s *Scanner) reportMalformed(path string, err error) {
	if s.onMalformed != nil {
		s.onMalformed(path, err)
	}
}

// ProgramPin is a pinned program: {root}/programs/{name}.
type ProgramPin struct {
	Path string
	Name string
}

// MapPin is a pinned map: {root}/maps/{program}/{name}.
type MapPin struct {
	Path    string
	Program string
	Name    string
}

// FSState is a materialised snapshot of the pin layout. Use
// Scanner.Scan to create one, or construct directly in tests.
type FSState struct {
	ProgramPins []ProgramPin
	MapPins     []MapPin
}

// ProgramPins returns an iterator over pinned programs. Errors are
// yielded only for failures that prevent enumeration; a missing
// programs directory simply means no pins.
func (s *Scanner) ProgramPins(ctx context.Context) iter.Seq2[ProgramPin, error] {
	return func(yield func(ProgramPin, error) bool) {
		dir := s.root.Programs()
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			yield(ProgramPin{}, fmt.Errorf("read dir %s: %w", dir, err))
			return
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				yield(ProgramPin{}, ctx.Err())
				return
			}
			if entry.IsDir() {
				s.reportMalformed(filepath.Join(dir, entry.Name()), fmt.Errorf("unexpected directory in program pins"))
				continue
			}
			pin := ProgramPin{
				Path: filepath.Join(dir, entry.Name()),
				Name: entry.Name(),
			}
			if !yield(pin, nil) {
				return
			}
		}
	}
}

// MapPins returns an iterator over pinned maps across all programs.
// Errors are yielded only for failures that prevent enumeration.
func (s *Scanner) MapPins(ctx context.Context) iter.Seq2[MapPin, error] {
	return func(yield func(MapPin, error) bool) {
		mapsDir := filepath.Join(string(s.root), "maps")
		progDirs, err := os.ReadDir(mapsDir)
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			yield(MapPin{}, fmt.Errorf("read dir %s: %w", mapsDir, err))
			return
		}

		for _, progDir := range progDirs {
			if ctx.Err() != nil {
				yield(MapPin{}, ctx.Err())
				return
			}
			if !progDir.IsDir() {
				s.reportMalformed(filepath.Join(mapsDir, progDir.Name()), fmt.Errorf("unexpected file in maps directory"))
				continue
			}

			progPath := filepath.Join(mapsDir, progDir.Name())
			entries, err := os.ReadDir(progPath)
			if err != nil {
				if !yield(MapPin{}, fmt.Errorf("read dir %s: %w", progPath, err)) {
					return
				}
				continue
			}

			for _, entry := range entries {
				if ctx.Err() != nil {
					yield(MapPin{}, ctx.Err())
					return
				}
				if entry.IsDir() {
					s.reportMalformed(filepath.Join(progPath, entry.Name()), fmt.Errorf("unexpected directory in map pins"))
					continue
				}
				pin := MapPin{
					Path:    filepath.Join(progPath, entry.Name()),
					Program: progDir.Name(),
					Name:    entry.Name(),
				}
				if !yield(pin, nil) {
					return
				}
			}
		}
	}
}

// PathExists reports whether a path exists. Used to verify
// store-recorded pin paths against the filesystem.
func (s *Scanner) PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Scan materialises everything into an FSState. Returns an error if
// any iterator encounters a fatal error.
func (s *Scanner) Scan(ctx context.Context) (*FSState, error) {
	state := &FSState{}

	for pin, err := range s.ProgramPins(ctx) {
		if err != nil {
			return nil, fmt.Errorf("scan program pins: %w", err)
		}
		state.ProgramPins = append(state.ProgramPins, pin)
	}

	for pin, err := range s.MapPins(ctx) {
		if err != nil {
			return nil, fmt.Errorf("scan map pins: %w", err)
		}
		state.MapPins = append(state.MapPins, pin)
	}

	return state, nil
}
