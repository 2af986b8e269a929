package elfscope

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Format identifies the container format of an image.
type Format string

// Supported container formats.
const (
	FormatELF Format = "elf"
)

// SectionKind classifies a section by its contents.
type SectionKind int

// Section kinds.
const (
	SectionOther SectionKind = iota
	SectionCode
	SectionData
)

func (k SectionKind) String() string {
	switch k {
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	default:
		return "other"
	}
}

// SymbolKind classifies a symbol table entry.
type SymbolKind int

// Symbol kinds.
const (
	SymbolOther SymbolKind = iota
	SymbolFunc
)

func (k SymbolKind) String() string {
	if k == SymbolFunc {
		return "func"
	}
	return "other"
}

// Section is a section of the image. Only allocated sections with file
// contents carry Data and take part in address reads.
type Section struct {
	Name  string      `json:"name" yaml:"name"`
	Addr  uint64      `json:"addr" yaml:"addr"`
	Size  uint64      `json:"size" yaml:"size"`
	Kind  SectionKind `json:"kind" yaml:"kind"`
	Alloc bool        `json:"alloc" yaml:"alloc"`
	Data  []byte      `json:"-" yaml:"-"`
}

// End returns the first address past the section.
func (s *Section) End() uint64 {
	return s.Addr + s.Size
}

// Contains reports whether addr lies inside the section's address range.
func (s *Section) Contains(addr uint64) bool {
	return s.Alloc && addr >= s.Addr && addr < s.End()
}

// Symbol is an entry of the static or dynamic symbol table.
type Symbol struct {
	Name    string     `json:"name" yaml:"name"`
	Addr    uint64     `json:"addr" yaml:"addr"`
	Size    uint64     `json:"size" yaml:"size"`
	Kind    SymbolKind `json:"kind" yaml:"kind"`
	Dynamic bool       `json:"dynamic" yaml:"dynamic"`
	Defined bool       `json:"defined" yaml:"defined"`
}

// Image is a parsed executable image. It is read-only once returned by
// Parse or Open.
type Image struct {
	Path     string
	Format   Format
	Class    elf.Class
	Machine  elf.Machine
	Type     elf.Type
	Entry    uint64
	Sections []Section
	// Symbols holds the static symbol table followed by the dynamic one.
	Symbols []Symbol
	// Needed lists the declared shared library dependencies in order.
	Needed   []string
	Soname   string
	RunPaths []string
	// Imports lists undefined dynamic symbol names in table order.
	Imports []string
	// Exports lists defined dynamic symbol names in table order.
	Exports []string
}

// formatParser is implemented by every supported container format.
type formatParser interface {
	format() Format
	match(data []byte) bool
	parse(data []byte) (*Image, error)
}

var parsers = []formatParser{elfParser{}}

// Parse detects the container format of data and parses it.
func Parse(data []byte) (*Image, error) {
	for _, p := range parsers {
		if p.match(data) {
			img, err := p.parse(data)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrFormat, p.format(), err)
			}
			img.Format = p.format()
			return img, nil
		}
	}
	return nil, ErrFormat
}

// Open reads the file at path once and parses it.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	img, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// CodeSections returns every executable section, in section table order.
func (img *Image) CodeSections() []*Section {
	var out []*Section
	for i := range img.Sections {
		if img.Sections[i].Kind == SectionCode {
			out = append(out, &img.Sections[i])
		}
	}
	return out
}

// SectionFor returns the allocated section whose address range holds addr.
// Sections with file contents win over overlapping ones without, such as
// .tbss, which shares its range with the sections that follow it.
func (img *Image) SectionFor(addr uint64) *Section {
	var empty *Section
	for i := range img.Sections {
		s := &img.Sections[i]
		if !s.Contains(addr) {
			continue
		}
		if s.Data != nil {
			return s
		}
		if empty == nil {
			empty = s
		}
	}
	return empty
}

// InCode reports whether addr lies inside an executable section.
func (img *Image) InCode(addr uint64) bool {
	s := img.SectionFor(addr)
	return s != nil && s.Kind == SectionCode
}

// ReadAt returns n bytes mapped at addr. It fails when the range is not
// entirely backed by the contents of one section.
func (img *Image) ReadAt(addr uint64, n int) ([]byte, bool) {
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.Data == nil || !s.Contains(addr) {
			continue
		}
		off := addr - s.Addr
		if off+uint64(n) <= uint64(len(s.Data)) {
			return s.Data[off : off+uint64(n)], true
		}
	}
	return nil, false
}

// ReadPointer reads a little-endian 64-bit pointer mapped at addr.
func (img *Image) ReadPointer(addr uint64) (uint64, bool) {
	b, ok := img.ReadAt(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// SymbolsNamed returns the defined symbols called name, in table order.
func (img *Image) SymbolsNamed(name string) []Symbol {
	var out []Symbol
	for _, s := range img.Symbols {
		if s.Defined && s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

type elfParser struct{}

func (elfParser) format() Format { return FormatELF }

func (elfParser) match(data []byte) bool {
	return bytes.HasPrefix(data, []byte(elf.ELFMAG))
}

func (elfParser) parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img := &Image{
		Class:   f.Class,
		Machine: f.Machine,
		Type:    f.Type,
		Entry:   f.Entry,
	}

	for _, s := range f.Sections {
		if s.Type == elf.SHT_NULL {
			continue
		}
		sec := Section{
			Name:  s.Name,
			Addr:  s.Addr,
			Size:  s.Size,
			Alloc: s.Flags&elf.SHF_ALLOC != 0,
		}
		switch {
		case s.Flags&elf.SHF_EXECINSTR != 0:
			sec.Kind = SectionCode
		case sec.Alloc:
			sec.Kind = SectionData
		}
		if sec.Alloc && s.Type != elf.SHT_NOBITS {
			b, err := s.Data()
			if err != nil {
				return nil, fmt.Errorf("failed to read section %s: %w", s.Name, err)
			}
			sec.Data = b
		}
		img.Sections = append(img.Sections, sec)
	}

	static, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read symbol table: %w", err)
	}
	for _, s := range static {
		img.Symbols = append(img.Symbols, newSymbol(s, false))
	}

	dynamic, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("failed to read dynamic symbol table: %w", err)
	}
	imported := make(map[string]struct{})
	for _, s := range dynamic {
		sym := newSymbol(s, true)
		img.Symbols = append(img.Symbols, sym)
		if sym.Name == "" {
			continue
		}
		if !sym.Defined {
			if _, dup := imported[sym.Name]; !dup {
				imported[sym.Name] = struct{}{}
				img.Imports = append(img.Imports, sym.Name)
			}
			continue
		}
		img.Exports = append(img.Exports, sym.Name)
	}

	if img.Needed, err = f.ImportedLibraries(); err != nil {
		return nil, fmt.Errorf("failed to read DT_NEEDED: %w", err)
	}
	if sonames, err := f.DynString(elf.DT_SONAME); err == nil && len(sonames) > 0 {
		img.Soname = sonames[0]
	}
	img.RunPaths = runPaths(f)

	return img, nil
}

func newSymbol(s elf.Symbol, dynamic bool) Symbol {
	kind := SymbolOther
	switch elf.ST_TYPE(s.Info) {
	case elf.STT_FUNC, elf.STT_GNU_IFUNC:
		kind = SymbolFunc
	}
	return Symbol{
		Name:    s.Name,
		Addr:    s.Value,
		Size:    s.Size,
		Kind:    kind,
		Dynamic: dynamic,
		Defined: s.Section != elf.SHN_UNDEF,
	}
}

// runPaths returns DT_RUNPATH entries, or DT_RPATH when no RUNPATH exists,
// split on ':'.
func runPaths(f *elf.File) []string {
	paths, err := f.DynString(elf.DT_RUNPATH)
	if err != nil || len(paths) == 0 {
		if paths, err = f.DynString(elf.DT_RPATH); err != nil {
			return nil
		}
	}
	var out []string
	for _, p := range paths {
		for _, dir := range filepath.SplitList(p) {
			if dir != "" {
				out = append(out, dir)
			}
		}
	}
	return out
}
