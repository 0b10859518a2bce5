package bpfload

// MapType represents a kernel BPF map type. Values match the kernel's
// bpf_map_type enum so a MapType can be written directly into a
// BPF_MAP_CREATE attribute.
type MapType uint32

const (
	MapTypeUnspecified MapType = iota
	MapTypeHash
	MapTypeArray
	MapTypeProgArray
	MapTypePerfEventArray
	MapTypePerCPUHash
	MapTypePerCPUArray
	MapTypeStackTrace
	MapTypeCgroupArray
	MapTypeLRUHash
	MapTypeLRUPerCPUHash
	MapTypeLPMTrie
	MapTypeArrayOfMaps
	MapTypeHashOfMaps
	MapTypeDevMap
	MapTypeSockMap
	MapTypeCPUMap
	MapTypeXSKMap
	MapTypeSockHash
	MapTypeCgroupStorage
	MapTypeReusePortSockArray
	MapTypePerCPUCgroupStorage
	MapTypeQueue
	MapTypeStack
	MapTypeSKStorage
	MapTypeDevMapHash
	MapTypeStructOps
	MapTypeRingBuf
	MapTypeInodeStorage
	MapTypeTaskStorage
)

// String returns the lowercase kernel name for the map type.
func (t MapType) String() string {
	switch t {
	case MapTypeHash:
		return "hash"
	case MapTypeArray:
		return "array"
	case MapTypeProgArray:
		return "prog_array"
	case MapTypePerfEventArray:
		return "perf_event_array"
	case MapTypePerCPUHash:
		return "percpu_hash"
	case MapTypePerCPUArray:
		return "percpu_array"
	case MapTypeStackTrace:
		return "stack_trace"
	case MapTypeCgroupArray:
		return "cgroup_array"
	case MapTypeLRUHash:
		return "lru_hash"
	case MapTypeLRUPerCPUHash:
		return "lru_percpu_hash"
	case MapTypeLPMTrie:
		return "lpm_trie"
	case MapTypeArrayOfMaps:
		return "array_of_maps"
	case MapTypeHashOfMaps:
		return "hash_of_maps"
	case MapTypeDevMap:
		return "devmap"
	case MapTypeSockMap:
		return "sockmap"
	case MapTypeCPUMap:
		return "cpumap"
	case MapTypeXSKMap:
		return "xskmap"
	case MapTypeSockHash:
		return "sockhash"
	case MapTypeCgroupStorage:
		return "cgroup_storage"
	case MapTypeReusePortSockArray:
		return "reuseport_sockarray"
	case MapTypePerCPUCgroupStorage:
		return "percpu_cgroup_storage"
	case MapTypeQueue:
		return "queue"
	case MapTypeStack:
		return "stack"
	case MapTypeSKStorage:
		return "sk_storage"
	case MapTypeDevMapHash:
		return "devmap_hash"
	case MapTypeStructOps:
		return "struct_ops"
	case MapTypeRingBuf:
		return "ringbuf"
	case MapTypeInodeStorage:
		return "inode_storage"
	case MapTypeTaskStorage:
		return "task_storage"
	default:
		return "unspecified"
	}
}

// MarshalText implements encoding.TextMarshaler so MapType serialises
// as its kernel name in JSON.
func (t MapType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ProgramType represents a kernel BPF program type. Values match the
// kernel's bpf_prog_type enum.
type ProgramType uint32

const (
	ProgramTypeUnspecified ProgramType = iota
	ProgramTypeSocketFilter
	ProgramTypeKprobe
	ProgramTypeSchedCLS
	ProgramTypeSchedACT
	ProgramTypeTracepoint
	ProgramTypeXDP
	ProgramTypePerfEvent
	ProgramTypeCgroupSKB
	ProgramTypeCgroupSock
	ProgramTypeLWTIn
	ProgramTypeLWTOut
	ProgramTypeLWTXmit
	ProgramTypeSockOps
	ProgramTypeSKSKB
	ProgramTypeCgroupDevice
	ProgramTypeSKMsg
	ProgramTypeRawTracepoint
	ProgramTypeCgroupSockAddr
	ProgramTypeLWTSeg6Local
	ProgramTypeLircMode2
	ProgramTypeSKReuseport
	ProgramTypeFlowDissector
	ProgramTypeCgroupSysctl
	ProgramTypeRawTracepointWritable
	ProgramTypeCgroupSockopt
	ProgramTypeTracing
	ProgramTypeStructOps
	ProgramTypeExt
	ProgramTypeLSM
	ProgramTypeSKLookup
)

// String returns the lowercase kernel name for the program type.
func (t ProgramType) String() string {
	switch t {
	case ProgramTypeSocketFilter:
		return "socket_filter"
	case ProgramTypeKprobe:
		return "kprobe"
	case ProgramTypeSchedCLS:
		return "sched_cls"
	case ProgramTypeSchedACT:
		return "sched_act"
	case ProgramTypeTracepoint:
		return "tracepoint"
	case ProgramTypeXDP:
		return "xdp"
	case ProgramTypePerfEvent:
		return "perf_event"
	case ProgramTypeCgroupSKB:
		return "cgroup_skb"
	case ProgramTypeCgroupSock:
		return "cgroup_sock"
	case ProgramTypeSockOps:
		return "sock_ops"
	case ProgramTypeSKSKB:
		return "sk_skb"
	case ProgramTypeSKMsg:
		return "sk_msg"
	case ProgramTypeRawTracepoint:
		return "raw_tracepoint"
	case ProgramTypeTracing:
		return "tracing"
	case ProgramTypeLSM:
		return "lsm"
	default:
		return "unspecified"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t ProgramType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
