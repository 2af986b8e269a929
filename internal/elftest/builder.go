// Package elftest builds small ELF64 little-endian images for tests. The
// images carry section headers only (no program headers), which is all
// debug/elf needs to expose sections, symbols and dynamic entries.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
)

const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	dynSize  = 16
)

// Sym describes a symbol table entry. Section names the section the symbol
// is defined in; empty means undefined.
type Sym struct {
	Name    string
	Value   uint64
	Size    uint64
	Type    elf.SymType
	Section string
}

// Func is a defined function symbol in .text.
func Func(name string, addr, size uint64) Sym {
	return Sym{Name: name, Value: addr, Size: size, Type: elf.STT_FUNC, Section: ".text"}
}

// Undef is an undefined function symbol.
func Undef(name string) Sym {
	return Sym{Name: name, Type: elf.STT_FUNC}
}

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	data    []byte
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

// Builder accumulates the contents of an image.
type Builder struct {
	class    elf.Class
	machine  elf.Machine
	typ      elf.Type
	entry    uint64
	sections []section
	syms     []Sym
	dynsyms  []Sym
	needed   []string
	soname   string
	runpath  string
}

// New returns a builder for an x86-64 executable.
func New() *Builder {
	return &Builder{
		class:   elf.ELFCLASS64,
		machine: elf.EM_X86_64,
		typ:     elf.ET_EXEC,
	}
}

// Machine overrides the ELF machine.
func (b *Builder) Machine(m elf.Machine) *Builder {
	b.machine = m
	return b
}

// Shared marks the image as a shared object.
func (b *Builder) Shared() *Builder {
	b.typ = elf.ET_DYN
	return b
}

// Entry sets the entry point.
func (b *Builder) Entry(addr uint64) *Builder {
	b.entry = addr
	return b
}

// Text adds an executable .text section at addr.
func (b *Builder) Text(addr uint64, code []byte) *Builder {
	return b.Section(".text", addr, elf.SHF_ALLOC|elf.SHF_EXECINSTR, code)
}

// Section adds a PROGBITS section.
func (b *Builder) Section(name string, addr uint64, flags elf.SectionFlag, data []byte) *Builder {
	b.sections = append(b.sections, section{
		name:  name,
		typ:   elf.SHT_PROGBITS,
		flags: flags,
		addr:  addr,
		data:  data,
		size:  uint64(len(data)),
		align: 16,
	})
	return b
}

// NoBits adds an allocated section without file contents, like .bss.
func (b *Builder) NoBits(name string, addr, size uint64) *Builder {
	b.sections = append(b.sections, section{
		name:  name,
		typ:   elf.SHT_NOBITS,
		flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		addr:  addr,
		size:  size,
		align: 16,
	})
	return b
}

// Symbol adds a static symbol.
func (b *Builder) Symbol(syms ...Sym) *Builder {
	b.syms = append(b.syms, syms...)
	return b
}

// DynSymbol adds a dynamic symbol.
func (b *Builder) DynSymbol(syms ...Sym) *Builder {
	b.dynsyms = append(b.dynsyms, syms...)
	return b
}

// Needed appends DT_NEEDED entries.
func (b *Builder) Needed(libs ...string) *Builder {
	b.needed = append(b.needed, libs...)
	return b
}

// Soname sets DT_SONAME.
func (b *Builder) Soname(name string) *Builder {
	b.soname = name
	return b
}

// RunPath sets DT_RUNPATH.
func (b *Builder) RunPath(path string) *Builder {
	b.runpath = path
	return b
}

// strtab is a string table under construction.
type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: map[string]uint32{"": 0}}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.off[s] = off
	return off
}

// Bytes serializes the image.
func (b *Builder) Bytes() []byte {
	le := binary.LittleEndian
	secs := append([]section(nil), b.sections...)

	// Section indices are 1-based: index 0 is SHT_NULL.
	index := func(name string) uint16 {
		for i, s := range secs {
			if s.name == name {
				return uint16(i + 1)
			}
		}
		return uint16(elf.SHN_UNDEF)
	}

	symbols := func(syms []Sym, names *strtab) []byte {
		out := make([]byte, symSize*(len(syms)+1))
		for i, s := range syms {
			e := out[symSize*(i+1):]
			le.PutUint32(e[0:], names.add(s.Name))
			e[4] = byte(elf.ST_INFO(elf.STB_GLOBAL, s.Type))
			e[5] = 0
			shndx := uint16(elf.SHN_UNDEF)
			if s.Section != "" {
				shndx = index(s.Section)
			}
			le.PutUint16(e[6:], shndx)
			le.PutUint64(e[8:], s.Value)
			le.PutUint64(e[16:], s.Size)
		}
		return out
	}

	needsDynamic := len(b.dynsyms) > 0 || len(b.needed) > 0 || b.soname != "" || b.runpath != ""
	if needsDynamic {
		dynstr := newStrtab()
		var dynamic []byte
		putDyn := func(tag elf.DynTag, val uint64) {
			var e [dynSize]byte
			le.PutUint64(e[0:], uint64(tag))
			le.PutUint64(e[8:], val)
			dynamic = append(dynamic, e[:]...)
		}
		for _, lib := range b.needed {
			putDyn(elf.DT_NEEDED, uint64(dynstr.add(lib)))
		}
		if b.soname != "" {
			putDyn(elf.DT_SONAME, uint64(dynstr.add(b.soname)))
		}
		if b.runpath != "" {
			putDyn(elf.DT_RUNPATH, uint64(dynstr.add(b.runpath)))
		}
		putDyn(elf.DT_NULL, 0)

		dynsym := symbols(b.dynsyms, dynstr)
		dynstrIdx := uint32(len(secs) + 1)
		secs = append(secs,
			section{name: ".dynstr", typ: elf.SHT_STRTAB, data: dynstr.buf.Bytes(), align: 1},
			section{name: ".dynsym", typ: elf.SHT_DYNSYM, data: dynsym, link: dynstrIdx, info: 1, align: 8, entsize: symSize},
			section{name: ".dynamic", typ: elf.SHT_DYNAMIC, data: dynamic, link: dynstrIdx, align: 8, entsize: dynSize},
		)
	}

	if len(b.syms) > 0 {
		strs := newStrtab()
		symtab := symbols(b.syms, strs)
		strIdx := uint32(len(secs) + 1)
		secs = append(secs,
			section{name: ".strtab", typ: elf.SHT_STRTAB, data: strs.buf.Bytes(), align: 1},
			section{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab, link: strIdx, info: 1, align: 8, entsize: symSize},
		)
	}

	shstr := newStrtab()
	nameOffs := make([]uint32, len(secs))
	for i, s := range secs {
		nameOffs[i] = shstr.add(s.name)
	}
	shstrName := shstr.add(".shstrtab")
	secs = append(secs, section{name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstr.buf.Bytes(), align: 1})
	nameOffs = append(nameOffs, shstrName)

	var body bytes.Buffer
	body.Write(make([]byte, ehdrSize))
	offsets := make([]uint64, len(secs))
	for i, s := range secs {
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
		offsets[i] = uint64(body.Len())
		if s.typ != elf.SHT_NOBITS {
			body.Write(s.data)
		}
	}
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := uint64(body.Len())

	// Null section header.
	body.Write(make([]byte, shdrSize))
	for i, s := range secs {
		var h [shdrSize]byte
		size := uint64(len(s.data))
		if s.typ == elf.SHT_NOBITS {
			size = s.size
		}
		le.PutUint32(h[0:], nameOffs[i])
		le.PutUint32(h[4:], uint32(s.typ))
		le.PutUint64(h[8:], uint64(s.flags))
		le.PutUint64(h[16:], s.addr)
		le.PutUint64(h[24:], offsets[i])
		le.PutUint64(h[32:], size)
		le.PutUint32(h[40:], s.link)
		le.PutUint32(h[44:], s.info)
		le.PutUint64(h[48:], s.align)
		le.PutUint64(h[56:], s.entsize)
		body.Write(h[:])
	}

	out := body.Bytes()
	hdr := out[:ehdrSize]
	copy(hdr, elf.ELFMAG)
	hdr[elf.EI_CLASS] = byte(b.class)
	hdr[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)
	le.PutUint16(hdr[16:], uint16(b.typ))
	le.PutUint16(hdr[18:], uint16(b.machine))
	le.PutUint32(hdr[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(hdr[24:], b.entry)
	le.PutUint64(hdr[32:], 0) // e_phoff
	le.PutUint64(hdr[40:], shoff)
	le.PutUint32(hdr[48:], 0) // e_flags
	le.PutUint16(hdr[52:], ehdrSize)
	le.PutUint16(hdr[54:], 56) // e_phentsize
	le.PutUint16(hdr[56:], 0)  // e_phnum
	le.PutUint16(hdr[58:], shdrSize)
	le.PutUint16(hdr[60:], uint16(len(secs)+1))
	le.PutUint16(hdr[62:], uint16(len(secs))) // .shstrtab is last
	return out
}

// WriteFile serializes the image to path, creating parent directories.
func (b *Builder) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b.Bytes(), 0o755)
}
