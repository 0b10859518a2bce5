package btf

import (
	"encoding/binary"
	"fmt"
)

// CORERelocation is one CO-RE relocation record from a .BTF.ext
// section, scoped to a program section. InsnOff is the byte offset of
// the instruction to patch within that section. TypeID and AccessStr
// describe the access path in the object's own (local) type graph;
// Kind is the raw bpf_core_relo_kind value, interpreted by the core
// package.
type CORERelocation struct {
	InsnOff   uint32
	TypeID    TypeID
	AccessStr string
	Kind      uint32
}

// ExtInfos is the decoded portion of a .BTF.ext section that the
// loader needs: CO-RE relocations grouped by program section name.
// Function and line info blocks are skipped.
type ExtInfos struct {
	CORERelos map[string][]CORERelocation
}

// extHeader mirrors struct btf_ext_header. The CO-RE relocation
// extent was appended after the line info fields, so headers shorter
// than extHeaderCORELen simply carry no relocations.
const (
	extHeaderBaseLen = 24
	extHeaderCORELen = 32
	coreRelocLen     = 16
)

// ParseExtInfos decodes a .BTF.ext blob. The string offsets inside
// refer to the companion .BTF graph's string table, so the blob from
// the same object must already have been decoded into g.
func ParseExtInfos(blob []byte, bo binary.ByteOrder, g *Graph) (*ExtInfos, error) {
	strtab := g.LookupString
	if len(blob) < extHeaderBaseLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("ext blob is %d bytes, header needs %d", len(blob), extHeaderBaseLen)}
	}
	if bo.Uint16(blob[0:2]) != Magic {
		return nil, &DecodeError{Reason: fmt.Sprintf("ext: bad magic 0x%x", bo.Uint16(blob[0:2]))}
	}
	if blob[2] != 1 {
		return nil, &DecodeError{Reason: fmt.Sprintf("ext: unsupported version %d", blob[2])}
	}
	hdrLen := bo.Uint32(blob[4:8])
	if int(hdrLen) > len(blob) {
		return nil, &DecodeError{Reason: "ext: header length exceeds blob"}
	}

	out := &ExtInfos{CORERelos: make(map[string][]CORERelocation)}
	if hdrLen < extHeaderCORELen {
		// Old toolchain without CO-RE support; nothing to do.
		return out, nil
	}

	coreOff := bo.Uint32(blob[24:28])
	coreLen := bo.Uint32(blob[28:32])
	if coreLen == 0 {
		return out, nil
	}
	if err := checkExtent(blob, hdrLen+coreOff, coreLen, "ext core_relo section"); err != nil {
		return nil, err
	}
	buf := blob[hdrLen+coreOff : hdrLen+coreOff+coreLen]

	// The block starts with the record size, then per-section runs of
	// {sec_name_off, num_info} followed by num_info records.
	if len(buf) < 4 {
		return nil, &DecodeError{Reason: "ext: truncated core_relo block"}
	}
	recSize := bo.Uint32(buf[0:4])
	if recSize < coreRelocLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("ext: core_relo record size %d too small", recSize)}
	}
	buf = buf[4:]

	for len(buf) > 0 {
		if len(buf) < 8 {
			return nil, &DecodeError{Reason: "ext: truncated core_relo section header"}
		}
		secNameOff := bo.Uint32(buf[0:4])
		numInfo := bo.Uint32(buf[4:8])
		buf = buf[8:]

		secName, err := strtab(secNameOff)
		if err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("ext: section name: %v", err)}
		}

		need := uint64(numInfo) * uint64(recSize)
		if need > uint64(len(buf)) {
			return nil, &DecodeError{Reason: fmt.Sprintf("ext: section %q declares %d records, %d bytes remain", secName, numInfo, len(buf))}
		}

		relos := make([]CORERelocation, 0, numInfo)
		for i := uint32(0); i < numInfo; i++ {
			rec := buf[uint64(i)*uint64(recSize):]
			accessStr, err := strtab(bo.Uint32(rec[8:12]))
			if err != nil {
				return nil, &DecodeError{Reason: fmt.Sprintf("ext: access string: %v", err)}
			}
			relos = append(relos, CORERelocation{
				InsnOff:   bo.Uint32(rec[0:4]),
				TypeID:    TypeID(bo.Uint32(rec[4:8])),
				AccessStr: accessStr,
				Kind:      bo.Uint32(rec[12:16]),
			})
		}
		out.CORERelos[secName] = relos
		buf = buf[need:]
	}
	return out, nil
}
