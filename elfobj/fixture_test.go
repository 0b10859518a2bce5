package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// objBuilder assembles a minimal relocatable BPF object in memory so
// tests need no compiler toolchain. Section indices are ELF indices:
// the null section is 0, user sections start at 1, and the builder
// appends .strtab, .symtab and .shstrtab after them.
type objBuilder struct {
	secs []elfSection
	syms []elfSymbol
}

type elfSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	info    uint32
	entsize uint64
}

type elfSymbol struct {
	name    string
	section int // ELF section index
	value   uint64
	size    uint64
	typ     elf.SymType
}

type relEntry struct {
	off uint64
	sym int // symtab index; the first added symbol is 1
}

func newObjBuilder() *objBuilder {
	return &objBuilder{}
}

// section appends a section and returns its ELF index.
func (b *objBuilder) section(name string, typ elf.SectionType, flags elf.SectionFlag, data []byte) int {
	b.secs = append(b.secs, elfSection{name: name, typ: typ, flags: flags, data: data})
	return len(b.secs)
}

// prog appends an executable program section.
func (b *objBuilder) prog(name string, insns []byte) int {
	return b.section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, insns)
}

// symbol registers a symbol in the given ELF section and returns its
// symtab index.
func (b *objBuilder) symbol(name string, section int, value, size uint64, typ elf.SymType) int {
	b.syms = append(b.syms, elfSymbol{name: name, section: section, value: value, size: size, typ: typ})
	return len(b.syms)
}

// rel appends a relocation section targeting the given section.
func (b *objBuilder) rel(target int, entries ...relEntry) {
	var data []byte
	var tmp [8]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint64(tmp[:], e.off)
		data = append(data, tmp[:]...)
		binary.LittleEndian.PutUint64(tmp[:], uint64(e.sym)<<32|1)
		data = append(data, tmp[:]...)
	}
	b.secs = append(b.secs, elfSection{
		name:    ".rel" + b.secs[target-1].name,
		typ:     elf.SHT_REL,
		data:    data,
		info:    uint32(target),
		entsize: 16,
	})
}

const (
	ehdrLen = 64
	shdrLen = 64
	symLen  = 24
)

func (b *objBuilder) build() []byte {
	strtabIdx := len(b.secs) + 1
	symtabIdx := len(b.secs) + 2
	shstrtabIdx := len(b.secs) + 3
	shnum := len(b.secs) + 4

	// String table for symbol names.
	strtab := []byte{0}
	symNameOff := make([]uint32, len(b.syms))
	for i, s := range b.syms {
		symNameOff[i] = uint32(len(strtab))
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}

	// Symbol table: null entry plus the registered symbols.
	symtab := make([]byte, symLen)
	for i, s := range b.syms {
		ent := make([]byte, symLen)
		binary.LittleEndian.PutUint32(ent[0:4], symNameOff[i])
		ent[4] = byte(elf.ST_INFO(elf.STB_GLOBAL, s.typ))
		binary.LittleEndian.PutUint16(ent[6:8], uint16(s.section))
		binary.LittleEndian.PutUint64(ent[8:16], s.value)
		binary.LittleEndian.PutUint64(ent[16:24], s.size)
		symtab = append(symtab, ent...)
	}

	all := append([]elfSection{}, b.secs...)
	all = append(all,
		elfSection{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab},
		elfSection{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab, entsize: symLen},
		elfSection{name: ".shstrtab", typ: elf.SHT_STRTAB},
	)

	// Section header string table, built once all names are known.
	shstrtab := []byte{0}
	secNameOff := make([]uint32, len(all))
	for i := range all {
		secNameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, all[i].name...)
		shstrtab = append(shstrtab, 0)
	}
	all[len(all)-1].data = shstrtab

	// Lay out section data after the ELF header, 8-aligned.
	var body bytes.Buffer
	offsets := make([]uint64, len(all))
	pos := uint64(ehdrLen)
	for i := range all {
		for pos%8 != 0 {
			body.WriteByte(0)
			pos++
		}
		offsets[i] = pos
		body.Write(all[i].data)
		pos += uint64(len(all[i].data))
	}
	for pos%8 != 0 {
		body.WriteByte(0)
		pos++
	}
	shoff := pos

	var out bytes.Buffer
	ehdr := make([]byte, ehdrLen)
	copy(ehdr, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(ehdr[16:18], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(ehdr[18:20], uint16(elf.EM_BPF))
	binary.LittleEndian.PutUint32(ehdr[20:24], 1)
	binary.LittleEndian.PutUint64(ehdr[40:48], shoff)
	binary.LittleEndian.PutUint16(ehdr[52:54], ehdrLen)
	binary.LittleEndian.PutUint16(ehdr[58:60], shdrLen)
	binary.LittleEndian.PutUint16(ehdr[60:62], uint16(shnum))
	binary.LittleEndian.PutUint16(ehdr[62:64], uint16(shstrtabIdx))
	out.Write(ehdr)
	out.Write(body.Bytes())

	// Null section header, then one per section.
	out.Write(make([]byte, shdrLen))
	for i, sec := range all {
		sh := make([]byte, shdrLen)
		binary.LittleEndian.PutUint32(sh[0:4], secNameOff[i])
		binary.LittleEndian.PutUint32(sh[4:8], uint32(sec.typ))
		binary.LittleEndian.PutUint64(sh[8:16], uint64(sec.flags))
		binary.LittleEndian.PutUint64(sh[24:32], offsets[i])
		binary.LittleEndian.PutUint64(sh[32:40], uint64(len(sec.data)))
		link := uint32(0)
		switch sec.typ {
		case elf.SHT_SYMTAB:
			link = uint32(strtabIdx)
		case elf.SHT_REL:
			link = uint32(symtabIdx)
		}
		binary.LittleEndian.PutUint32(sh[40:44], link)
		binary.LittleEndian.PutUint32(sh[44:48], sec.info)
		binary.LittleEndian.PutUint64(sh[48:56], 1)
		binary.LittleEndian.PutUint64(sh[56:64], sec.entsize)
		out.Write(sh)
	}
	return out.Bytes()
}

// instruction helpers for building test programs.

// exitInsn is a single return instruction.
func exitInsn() []byte {
	return []byte{0x95, 0, 0, 0, 0, 0, 0, 0}
}

// ldimm64Insn is a two-slot 64-bit immediate load, the shape every
// map reference compiles to.
func ldimm64Insn(dst byte, imm uint64) []byte {
	insn := make([]byte, 16)
	insn[0] = 0x18
	insn[1] = dst & 0x0f
	binary.LittleEndian.PutUint32(insn[4:], uint32(imm))
	binary.LittleEndian.PutUint32(insn[12:], uint32(imm>>32))
	return insn
}

// legacyMapDef encodes a fixed legacy map definition.
func legacyMapDef(typ, keySize, valueSize, maxEntries, flags uint32) []byte {
	def := make([]byte, legacyMapDefSize)
	binary.LittleEndian.PutUint32(def[0:4], typ)
	binary.LittleEndian.PutUint32(def[4:8], keySize)
	binary.LittleEndian.PutUint32(def[8:12], valueSize)
	binary.LittleEndian.PutUint32(def[12:16], maxEntries)
	binary.LittleEndian.PutUint32(def[16:20], flags)
	return def
}
