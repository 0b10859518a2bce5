package btf

import (
	"bytes"
	"fmt"
)

// stringTable wraps the flat string section of a BTF blob. Strings
// are NUL-terminated and referenced by byte offset; offset 0 is
// always the empty string. Lookups are resolved to owned Go strings
// once and cached.
type stringTable struct {
	data  []byte
	cache map[uint32]string
}

func newStringTable(data []byte) (*stringTable, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty string section")
	}
	if data[0] != 0 {
		return nil, fmt.Errorf("string section does not start with NUL")
	}
	if data[len(data)-1] != 0 {
		return nil, fmt.Errorf("string section is not NUL-terminated")
	}
	return &stringTable{data: data, cache: make(map[uint32]string)}, nil
}

// Lookup returns the string at the given byte offset.
func (st *stringTable) Lookup(off uint32) (string, error) {
	if s, ok := st.cache[off]; ok {
		return s, nil
	}
	if int(off) >= len(st.data) {
		return "", fmt.Errorf("string offset %d out of bounds (section is %d bytes)", off, len(st.data))
	}
	end := bytes.IndexByte(st.data[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("string at offset %d is not NUL-terminated", off)
	}
	s := string(st.data[off : int(off)+end])
	st.cache[off] = s
	return s, nil
}
