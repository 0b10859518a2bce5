// Package elfobj parses relocatable BPF bytecode objects. Parsing is
// pure: it validates the container, slices out instruction streams,
// map declarations, type information and relocation tables, and
// never touches the kernel.
package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	bpfload "github.com/frobware/go-bpfload"
)

// Program is one loadable instruction stream extracted from the
// object, with the relocations scoped to it.
type Program struct {
	Name        string
	SectionName string
	Type        bpfload.ProgramType

	// SectionOffset is the program's byte offset within its section.
	// CO-RE relocation offsets are section-relative and must be
	// rebased by this before applying them to Insns.
	SectionOffset uint64

	Insns []byte

	// MapRelocs are the ELF relocations referencing maps or data
	// sections; they are satisfied after maps exist, in a second
	// relocation pass distinct from CO-RE.
	MapRelocs []MapReloc
}

// MapReloc records that the ldimm64 instruction at InsnOff (byte
// offset into Insns) references the named map. For data-section
// references (Datasec true) the instruction addresses a location
// inside the backing map's value, at ValueOffset plus whatever the
// compiler left in the immediate.
type MapReloc struct {
	InsnOff     uint64
	Symbol      string
	ValueOffset uint64
	Datasec     bool
}

// Object is the parsed bytecode object. Immutable after Parse except
// for the instruction streams, which the relocation passes patch in
// place.
type Object struct {
	ByteOrder binary.ByteOrder
	License   string
	Programs  []Program

	// Maps declared in the legacy "maps" section plus internal maps
	// backing .rodata/.data/.bss. BTF-declared maps are recovered
	// separately via BTFMapSpecs once the type blob is decoded.
	Maps []bpfload.MapSpec

	// Raw type blobs; empty when the object carries none.
	BTF    []byte
	BTFExt []byte

	btfMapsVars map[string]bool // variable names declared in .maps
}

func malformed(section, format string, args ...any) error {
	return &bpfload.MalformedObjectError{Section: section, Reason: fmt.Sprintf(format, args...)}
}

// Open parses the object file at path.
func Open(path string) (*Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Parse(f, fi.Size())
}

// Parse parses an object from r. size is the total byte length of
// the underlying data, used to bounds-check the section table before
// anything downstream dereferences it.
func Parse(r io.ReaderAt, size int64) (*Object, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, malformed("", "%v", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, malformed("", "unsupported ELF class %s", f.Class)
	}
	if f.Type != elf.ET_REL {
		return nil, malformed("", "not a relocatable object (type %s)", f.Type)
	}
	if f.Machine != elf.EM_BPF {
		return nil, malformed("", "unsupported machine %s", f.Machine)
	}

	// The endianness marker in the ident bytes is authoritative; the
	// object may target either kernel endianness.
	var bo binary.ByteOrder
	switch f.Data {
	case elf.ELFDATA2LSB:
		bo = binary.LittleEndian
	case elf.ELFDATA2MSB:
		bo = binary.BigEndian
	default:
		return nil, malformed("", "unknown data encoding %s", f.Data)
	}

	for _, sec := range f.Sections {
		if sec.Type == elf.SHT_NOBITS {
			continue
		}
		if end := sec.Offset + sec.FileSize; int64(end) > size || end < sec.Offset {
			return nil, malformed(sec.Name, "extent [%d, %d) exceeds file of %d bytes", sec.Offset, end, size)
		}
	}

	symbols, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, malformed("", "reading symbols: %v", err)
	}

	o := &Object{ByteOrder: bo, btfMapsVars: make(map[string]bool)}
	p := &parser{f: f, bo: bo, symbols: symbols, obj: o}
	if err := p.run(); err != nil {
		return nil, err
	}
	return o, nil
}

type parser struct {
	f       *elf.File
	bo      binary.ByteOrder
	symbols []elf.Symbol
	obj     *Object

	progSections map[int]*elf.Section // section index -> program section
	mapsIndex    int                  // legacy "maps" section index, -1 if absent
	btfMapsIndex int                  // ".maps" section index, -1 if absent
	datasecs     map[int]string       // section index -> internal map name
}

func (p *parser) run() error {
	p.progSections = make(map[int]*elf.Section)
	p.datasecs = make(map[int]string)
	p.mapsIndex, p.btfMapsIndex = -1, -1

	if err := p.classifySections(); err != nil {
		return err
	}
	if err := p.parseLegacyMaps(); err != nil {
		return err
	}
	if err := p.parsePrograms(); err != nil {
		return err
	}
	if err := p.parseRelocations(); err != nil {
		return err
	}
	return nil
}

func (p *parser) classifySections() error {
	for i, sec := range p.f.Sections {
		switch {
		case sec.Name == "license":
			data, err := sec.Data()
			if err != nil {
				return malformed(sec.Name, "%v", err)
			}
			p.obj.License = cstring(data)

		case sec.Name == ".BTF":
			data, err := sec.Data()
			if err != nil {
				return malformed(sec.Name, "%v", err)
			}
			p.obj.BTF = data

		case sec.Name == ".BTF.ext":
			data, err := sec.Data()
			if err != nil {
				return malformed(sec.Name, "%v", err)
			}
			p.obj.BTFExt = data

		case sec.Name == "maps":
			p.mapsIndex = i

		case sec.Name == ".maps":
			p.btfMapsIndex = i
			for _, sym := range p.symbols {
				if int(sym.Section) == i && elf.ST_TYPE(sym.Info) == elf.STT_OBJECT {
					p.obj.btfMapsVars[sym.Name] = true
				}
			}

		case isDataSection(sec.Name):
			if err := p.addInternalMap(i, sec); err != nil {
				return err
			}

		case sec.Type == elf.SHT_PROGBITS && sec.Flags&elf.SHF_EXECINSTR != 0 && !strings.HasPrefix(sec.Name, "."):
			p.progSections[i] = sec
		}
	}
	return nil
}

func isDataSection(name string) bool {
	return name == ".rodata" || strings.HasPrefix(name, ".rodata.") ||
		name == ".data" || strings.HasPrefix(name, ".data.") ||
		name == ".bss"
}

// addInternalMap turns a data section into a single-entry array map
// so instructions can address its contents through a map value, the
// same trick every loader of this format uses for global data.
func (p *parser) addInternalMap(index int, sec *elf.Section) error {
	var contents []byte
	if sec.Type != elf.SHT_NOBITS {
		data, err := sec.Data()
		if err != nil {
			return malformed(sec.Name, "%v", err)
		}
		contents = data
	}
	valueSize := uint32(sec.Size)
	if valueSize == 0 {
		return nil // empty data section, nothing can reference it
	}
	p.datasecs[index] = sec.Name
	p.obj.Maps = append(p.obj.Maps, bpfload.MapSpec{
		Name:       internalMapName(sec.Name),
		Type:       bpfload.MapTypeArray,
		KeySize:    4,
		ValueSize:  valueSize,
		MaxEntries: 1,
		Contents:   contents,
		Frozen:     strings.HasPrefix(sec.Name, ".rodata"),
	})
	return nil
}

// internalMapName derives a kernel-acceptable map name from a data
// section name (".rodata" -> "rodata").
func internalMapName(section string) string {
	return strings.TrimPrefix(section, ".")
}

// legacyMapDefSize is the fixed prefix of a legacy map definition:
// type, key_size, value_size, max_entries, map_flags.
const legacyMapDefSize = 20

func (p *parser) parseLegacyMaps() error {
	if p.mapsIndex < 0 {
		return nil
	}
	sec := p.f.Sections[p.mapsIndex]
	data, err := sec.Data()
	if err != nil {
		return malformed(sec.Name, "%v", err)
	}

	// Symbols carve the section into individual definitions; a def
	// may be larger than the fixed prefix, in which case the tail is
	// toolchain padding we ignore.
	var syms []elf.Symbol
	for _, sym := range p.symbols {
		if int(sym.Section) == p.mapsIndex && elf.ST_TYPE(sym.Info) != elf.STT_SECTION {
			syms = append(syms, sym)
		}
	}
	if len(syms) == 0 {
		if len(data) != 0 {
			return malformed(sec.Name, "map definitions without symbols")
		}
		return nil
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })

	for i, sym := range syms {
		end := uint64(len(data))
		if i+1 < len(syms) {
			end = syms[i+1].Value
		}
		if sym.Value+legacyMapDefSize > end || end > uint64(len(data)) {
			return malformed(sec.Name, "map %q definition truncated", sym.Name)
		}
		def := data[sym.Value:end]
		p.obj.Maps = append(p.obj.Maps, bpfload.MapSpec{
			Name:       sym.Name,
			Type:       bpfload.MapType(p.bo.Uint32(def[0:4])),
			KeySize:    p.bo.Uint32(def[4:8]),
			ValueSize:  p.bo.Uint32(def[8:12]),
			MaxEntries: p.bo.Uint32(def[12:16]),
			Flags:      p.bo.Uint32(def[16:20]),
		})
	}
	return nil
}

func (p *parser) parsePrograms() error {
	// Deterministic order: iterate sections by index.
	var indices []int
	for i := range p.progSections {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	for _, i := range indices {
		sec := p.progSections[i]
		data, err := sec.Data()
		if err != nil {
			return malformed(sec.Name, "%v", err)
		}
		if len(data)%8 != 0 {
			return malformed(sec.Name, "instruction stream length %d is not a multiple of 8", len(data))
		}

		var funcs []elf.Symbol
		for _, sym := range p.symbols {
			if int(sym.Section) == i && elf.ST_TYPE(sym.Info) == elf.STT_FUNC {
				funcs = append(funcs, sym)
			}
		}
		sort.Slice(funcs, func(a, b int) bool { return funcs[a].Value < funcs[b].Value })

		progType := programTypeForSection(sec.Name)
		if len(funcs) == 0 {
			p.obj.Programs = append(p.obj.Programs, Program{
				Name:        sanitizeName(sec.Name),
				SectionName: sec.Name,
				Type:        progType,
				Insns:       data,
			})
			continue
		}

		for j, sym := range funcs {
			end := uint64(len(data))
			if sym.Size != 0 {
				end = sym.Value + sym.Size
			} else if j+1 < len(funcs) {
				end = funcs[j+1].Value
			}
			if sym.Value > end || end > uint64(len(data)) {
				return malformed(sec.Name, "function %q extent [%d, %d) exceeds section", sym.Name, sym.Value, end)
			}
			p.obj.Programs = append(p.obj.Programs, Program{
				Name:          sym.Name,
				SectionName:   sec.Name,
				Type:          progType,
				SectionOffset: sym.Value,
				Insns:         data[sym.Value:end],
			})
		}
	}

	if len(p.obj.Programs) == 0 {
		return malformed("", "object contains no programs")
	}
	return nil
}

// parseRelocations walks SHT_REL sections targeting program sections
// and records map and data-section references for the post-map-create
// relocation pass.
func (p *parser) parseRelocations() error {
	for _, sec := range p.f.Sections {
		if sec.Type != elf.SHT_REL {
			continue
		}
		targetIdx := int(sec.Info)
		if _, ok := p.progSections[targetIdx]; !ok {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return malformed(sec.Name, "%v", err)
		}
		const relSize = 16 // Elf64_Rel
		if len(data)%relSize != 0 {
			return malformed(sec.Name, "relocation table length %d is not a multiple of %d", len(data), relSize)
		}

		targetName := p.f.Sections[targetIdx].Name
		for off := 0; off < len(data); off += relSize {
			rOffset := p.bo.Uint64(data[off : off+8])
			rInfo := p.bo.Uint64(data[off+8 : off+16])
			symIdx := int(rInfo >> 32)

			// debug/elf drops the leading null symbol.
			if symIdx == 0 || symIdx > len(p.symbols) {
				return malformed(sec.Name, "relocation references symbol %d of %d", symIdx, len(p.symbols))
			}
			sym := p.symbols[symIdx-1]

			reloc, ok := p.classifyReloc(sym)
			if !ok {
				continue // call relocations etc., resolved elsewhere
			}

			prog := p.programAt(targetIdx, rOffset)
			if prog == nil {
				return malformed(sec.Name, "relocation at %d targets no program in section %q", rOffset, targetName)
			}
			reloc.InsnOff = rOffset - prog.SectionOffset
			prog.MapRelocs = append(prog.MapRelocs, *reloc)
		}
	}
	return nil
}

func (p *parser) classifyReloc(sym elf.Symbol) (*MapReloc, bool) {
	idx := int(sym.Section)
	switch {
	case idx == p.mapsIndex && p.mapsIndex >= 0:
		return &MapReloc{Symbol: sym.Name}, true
	case idx == p.btfMapsIndex && p.btfMapsIndex >= 0:
		return &MapReloc{Symbol: sym.Name}, true
	default:
		if name, ok := p.datasecs[idx]; ok {
			return &MapReloc{
				Symbol:      internalMapName(name),
				ValueOffset: sym.Value,
				Datasec:     true,
			}, true
		}
	}
	return nil, false
}

func (p *parser) programAt(sectionIdx int, offset uint64) *Program {
	secName := p.f.Sections[sectionIdx].Name
	for i := range p.obj.Programs {
		prog := &p.obj.Programs[i]
		if prog.SectionName != secName {
			continue
		}
		if offset >= prog.SectionOffset && offset < prog.SectionOffset+uint64(len(prog.Insns)) {
			return prog
		}
	}
	return nil
}

// Program returns the named program, or the object's only program
// when name is empty.
func (o *Object) Program(name string) (*Program, error) {
	if name == "" {
		if len(o.Programs) != 1 {
			return nil, fmt.Errorf("object contains %d programs, name required", len(o.Programs))
		}
		return &o.Programs[0], nil
	}
	for i := range o.Programs {
		if o.Programs[i].Name == name {
			return &o.Programs[i], nil
		}
	}
	return nil, fmt.Errorf("object contains no program %q", name)
}

// sectionPrefixes maps section name prefixes to program types, the
// same convention compilers use to mark programs.
var sectionPrefixes = []struct {
	prefix string
	typ    bpfload.ProgramType
}{
	{"kprobe/", bpfload.ProgramTypeKprobe},
	{"kretprobe/", bpfload.ProgramTypeKprobe},
	{"uprobe/", bpfload.ProgramTypeKprobe},
	{"uretprobe/", bpfload.ProgramTypeKprobe},
	{"tracepoint/", bpfload.ProgramTypeTracepoint},
	{"tp/", bpfload.ProgramTypeTracepoint},
	{"raw_tracepoint/", bpfload.ProgramTypeRawTracepoint},
	{"raw_tp/", bpfload.ProgramTypeRawTracepoint},
	{"xdp", bpfload.ProgramTypeXDP},
	{"classifier", bpfload.ProgramTypeSchedCLS},
	{"tc", bpfload.ProgramTypeSchedCLS},
	{"socket", bpfload.ProgramTypeSocketFilter},
	{"fentry/", bpfload.ProgramTypeTracing},
	{"fexit/", bpfload.ProgramTypeTracing},
	{"lsm/", bpfload.ProgramTypeLSM},
	{"perf_event", bpfload.ProgramTypePerfEvent},
	{"sockops", bpfload.ProgramTypeSockOps},
	{"sk_skb", bpfload.ProgramTypeSKSKB},
	{"sk_msg", bpfload.ProgramTypeSKMsg},
}

func programTypeForSection(name string) bpfload.ProgramType {
	for _, e := range sectionPrefixes {
		if strings.HasPrefix(name, e.prefix) {
			return e.typ
		}
	}
	return bpfload.ProgramTypeUnspecified
}

// AttachTargetForSection returns the attach target encoded in a
// section name, e.g. "kprobe/do_unlinkat" -> "do_unlinkat".
func AttachTargetForSection(name string) string {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func cstring(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}
