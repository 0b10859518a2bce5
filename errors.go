package bpfload

import (
	"errors"
	"fmt"
)

// ErrRuntimeTypesUnavailable is returned when the running kernel does
// not expose its type information (no /sys/kernel/btf/vmlinux). Loads
// whose objects carry no CO-RE relocations proceed without it; any
// load that needs runtime types escalates this to a relocation
// failure.
var ErrRuntimeTypesUnavailable = errors.New("runtime kernel type information unavailable")

// MalformedObjectError is returned when the bytecode object cannot be
// parsed: bad magic, truncated section table, or a section whose
// offset and length fall outside the file.
type MalformedObjectError struct {
	Section string // section name if the failure is section-scoped
	Reason  string
}

func (e *MalformedObjectError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("malformed object: section %q: %s", e.Section, e.Reason)
	}
	return fmt.Sprintf("malformed object: %s", e.Reason)
}

// RelocationFailedError is returned when a CO-RE relocation cannot be
// resolved against the runtime type graph. It carries the access path
// so the failure can be reproduced against a different kernel.
type RelocationFailedError struct {
	Kind   string // relocation kind name
	Type   string // root type name of the access path
	Path   string // raw accessor string, e.g. "0:3:2"
	Reason string
}

func (e *RelocationFailedError) Error() string {
	return fmt.Sprintf("relocation %s for %s[%s] failed: %s", e.Kind, e.Type, e.Path, e.Reason)
}

// MapCreateError is returned when a declared map cannot be created or
// an existing pinned map cannot be reused.
type MapCreateError struct {
	Map string
	Err error
}

func (e *MapCreateError) Error() string {
	return fmt.Sprintf("creating map %q: %v", e.Map, e.Err)
}

func (e *MapCreateError) Unwrap() error { return e.Err }

// LoadError is returned when the kernel rejects a program at
// submission time. Log carries the verifier's rejection reason
// verbatim; it is never summarised or truncated by the loader.
type LoadError struct {
	Program string
	Log     string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Log != "" {
		return fmt.Sprintf("loading program %q: %v: %s", e.Program, e.Err, e.Log)
	}
	return fmt.Sprintf("loading program %q: %v", e.Program, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AttachError is returned when a loaded program cannot be attached to
// its hook. The program remains loaded and usable; the caller may
// retry attachment or discard the program.
type AttachError struct {
	Program string
	Hook    string
	Err     error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attaching program %q to %s: %v", e.Program, e.Hook, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
