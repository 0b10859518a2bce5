package sys

import "unsafe"

// The attribute blocks below mirror the kernel's bpf_attr union
// variants. Layouts are kernel ABI: field order, widths and padding
// are fixed external contracts. Pointers are smuggled as uint64
// (Pointer64) regardless of host width, as the ABI requires.

// ObjNameLen is the fixed width of kernel object names.
const ObjNameLen = 16

// Pointer64 converts a byte slice to the 64-bit pointer
// representation the ABI uses. A nil or empty slice becomes 0.
func Pointer64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// String64 returns the 64-bit pointer to a NUL-terminated copy of s.
// The returned backing slice must be kept alive across the syscall.
func String64(s string) (uint64, []byte) {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return Pointer64(buf), buf
}

// ObjName truncates a name to the kernel's fixed-width object name.
func ObjName(s string) [ObjNameLen]byte {
	var name [ObjNameLen]byte
	copy(name[:], s)
	name[ObjNameLen-1] = 0
	return name
}

// MapCreateAttr is the BPF_MAP_CREATE attribute block.
type MapCreateAttr struct {
	MapType               uint32
	KeySize               uint32
	ValueSize             uint32
	MaxEntries            uint32
	MapFlags              uint32
	InnerMapFD            uint32
	NumaNode              uint32
	MapName               [ObjNameLen]byte
	MapIfindex            uint32
	BTFFd                 uint32
	BTFKeyTypeID          uint32
	BTFValueTypeID        uint32
	BTFVmlinuxValueTypeID uint32
	MapExtra              uint64
}

func (a *MapCreateAttr) Pointer() unsafe.Pointer { return unsafe.Pointer(a) }
func (a *MapCreateAttr) Size() uintptr           { return unsafe.Sizeof(*a) }

// MapElemAttr is the attribute block shared by the map element
// commands (lookup, update, delete).
type MapElemAttr struct {
	MapFD uint32
	_     [4]byte
	Key   uint64 // pointer
	Value uint64 // pointer, or next_key for iteration
	Flags uint64
}

func (a *MapElemAttr) Pointer() unsafe.Pointer { return unsafe.Pointer(a) }
func (a *MapElemAttr) Size() uintptr           { return unsafe.Sizeof(*a) }

// MapFreezeAttr is the BPF_MAP_FREEZE attribute block.
type MapFreezeAttr struct {
	MapFD uint32
}

func (a *MapFreezeAttr) Pointer() unsafe.Pointer { return unsafe.Pointer(a) }
func (a *MapFreezeAttr) Size() uintptr           { return unsafe.Sizeof(*a) }

// ProgLoadAttr is the BPF_PROG_LOAD attribute block.
type ProgLoadAttr struct {
	ProgType           uint32
	InsnCnt            uint32
	Insns              uint64 // pointer
	License            uint64 // pointer
	LogLevel           uint32
	LogSize            uint32
	LogBuf             uint64 // pointer
	KernVersion        uint32
	ProgFlags          uint32
	ProgName           [ObjNameLen]byte
	ProgIfindex        uint32
	ExpectedAttachType uint32
	ProgBTFFd          uint32
	FuncInfoRecSize    uint32
	FuncInfo           uint64
	FuncInfoCnt        uint32
	LineInfoRecSize    uint32
	LineInfo           uint64
	LineInfoCnt        uint32
	AttachBTFID        uint32
	AttachProgFd       uint32
}

func (a *ProgLoadAttr) Pointer() unsafe.Pointer { return unsafe.Pointer(a) }
func (a *ProgLoadAttr) Size() uintptr           { return unsafe.Sizeof(*a) }

// ObjPinAttr is shared by BPF_OBJ_PIN and BPF_OBJ_GET.
type ObjPinAttr struct {
	Pathname  uint64 // pointer
	BpfFD     uint32
	FileFlags uint32
}

func (a *ObjPinAttr) Pointer() unsafe.Pointer { return unsafe.Pointer(a) }
func (a *ObjPinAttr) Size() uintptr           { return unsafe.Sizeof(*a) }

// ObjGetInfoByFDAttr is the BPF_OBJ_GET_INFO_BY_FD attribute block.
type ObjGetInfoByFDAttr struct {
	BpfFD   uint32
	InfoLen uint32
	Info    uint64 // pointer
}

func (a *ObjGetInfoByFDAttr) Pointer() unsafe.Pointer { return unsafe.Pointer(a) }
func (a *ObjGetInfoByFDAttr) Size() uintptr           { return unsafe.Sizeof(*a) }

// MapInfo mirrors struct bpf_map_info, filled by
// BPF_OBJ_GET_INFO_BY_FD on a map descriptor.
type MapInfo struct {
	Type                  uint32
	ID                    uint32
	KeySize               uint32
	ValueSize             uint32
	MaxEntries            uint32
	MapFlags              uint32
	Name                  [ObjNameLen]byte
	Ifindex               uint32
	BTFVmlinuxValueTypeID uint32
	NetnsDev              uint64
	NetnsIno              uint64
	BTFID                 uint32
	BTFKeyTypeID          uint32
	BTFValueTypeID        uint32
	_                     [4]byte
	MapExtra              uint64
}

// ProgInfo mirrors the prefix of struct bpf_prog_info that the
// loader consumes.
type ProgInfo struct {
	Type         uint32
	ID           uint32
	Tag          [8]byte
	JitedLen     uint32
	XlatedLen    uint32
	JitedInsns   uint64
	XlatedInsns  uint64
	LoadTime     uint64
	CreatedByUID uint32
	NrMapIDs     uint32
	MapIDs       uint64
	Name         [ObjNameLen]byte
}

// RawTracepointOpenAttr is the BPF_RAW_TRACEPOINT_OPEN attribute
// block.
type RawTracepointOpenAttr struct {
	Name   uint64 // pointer, NUL-terminated tracepoint name
	ProgFD uint32
}

func (a *RawTracepointOpenAttr) Pointer() unsafe.Pointer { return unsafe.Pointer(a) }
func (a *RawTracepointOpenAttr) Size() uintptr           { return unsafe.Sizeof(*a) }

// LinkCreateAttr is the BPF_LINK_CREATE attribute block for
// fd-target and ifindex-target attachments.
type LinkCreateAttr struct {
	ProgFD     uint32
	TargetFD   uint32 // or target_ifindex for XDP
	AttachType uint32
	Flags      uint32
	ExtraA     uint64
	ExtraB     uint64
}

func (a *LinkCreateAttr) Pointer() unsafe.Pointer { return unsafe.Pointer(a) }
func (a *LinkCreateAttr) Size() uintptr           { return unsafe.Sizeof(*a) }

// Attach types consumed by LinkCreateAttr. Kernel ABI values.
const (
	AttachTypeTraceFentry = 24
	AttachTypeTraceFexit  = 25
	AttachTypeTraceRawTP  = 36
	AttachTypeXDP         = 37
	AttachTypePerfEvent   = 41
)
