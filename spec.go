package bpfload

// MapSpec describes a map declared by a bytecode object. One kernel
// map is created (or reused via its pin path) per spec at load time.
type MapSpec struct {
	Name       string  `json:"name"`
	Type       MapType `json:"type"`
	KeySize    uint32  `json:"key_size"`
	ValueSize  uint32  `json:"value_size"`
	MaxEntries uint32  `json:"max_entries"`
	Flags      uint32  `json:"flags,omitempty"`

	// Contents is the initial map contents for internal maps backing
	// .rodata/.data/.bss sections. Nil for declared maps.
	Contents []byte `json:"-"`

	// Frozen marks internal maps whose contents must not change
	// after load (.rodata).
	Frozen bool `json:"frozen,omitempty"`
}

// Compatible reports whether a kernel map with the given attributes
// can serve this spec. Used when reusing a pinned map: the pinned
// object must structurally match what the object declared.
func (s MapSpec) Compatible(typ MapType, keySize, valueSize, maxEntries uint32) bool {
	return s.Type == typ &&
		s.KeySize == keySize &&
		s.ValueSize == valueSize &&
		s.MaxEntries == maxEntries
}

// ProgramSpec describes one loadable program: its relocated
// instruction stream plus the metadata the kernel needs at
// submission time.
type ProgramSpec struct {
	Name string      `json:"name"`
	Type ProgramType `json:"type"`

	// SectionName is the ELF section the program came from, e.g.
	// "kprobe/do_unlinkat". Used to infer the attach target when the
	// caller does not supply one.
	SectionName string `json:"section_name"`

	// Insns is the instruction stream, patched in place by the
	// relocation passes before submission.
	Insns []byte `json:"-"`

	// License must be GPL-compatible for programs using GPL-only
	// helpers. Taken from the object's license section.
	License string `json:"license"`

	// AttachTarget is an optional hint for tracing programs
	// (fentry/fexit) naming the kernel function to attach to.
	AttachTarget string `json:"attach_target,omitempty"`
}

// LoadSpec describes what the loader should load: which object file,
// which program within it, and where kernel handles should be pinned.
type LoadSpec struct {
	// ObjectPath is the path to the relocatable bytecode object.
	ObjectPath string `json:"object_path"`

	// ProgramName selects the program within the object. Empty
	// selects the object's only program; it is an error if the
	// object contains more than one.
	ProgramName string `json:"program_name,omitempty"`

	// PinDir, when non-empty, is the bpffs directory where the
	// program and its maps are pinned. Pinned handles survive the
	// loader process; unpinned ones are released when their handles
	// close.
	PinDir string `json:"pin_dir,omitempty"`
}
