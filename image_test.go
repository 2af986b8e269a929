package elfscope_test

import (
	"debug/elf"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/elfscope"
	"github.com/maxgio92/elfscope/internal/elftest"
)

func TestParse_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "garbage", data: []byte{0x00, 0x01, 0x02, 0x03}},
		{name: "pe", data: []byte("MZ\x90\x00\x03\x00\x00\x00")},
		{name: "truncated-elf", data: []byte("\x7fELF\x02\x01\x01")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := elfscope.Parse(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, elfscope.ErrFormat)
		})
	}
}

func TestParse_SectionsAndEntry(t *testing.T) {
	data := elftest.New().
		Entry(0x1000).
		Text(0x1000, []byte{0x90, 0xc3}).
		Section(".init", 0x800, elf.SHF_ALLOC|elf.SHF_EXECINSTR, []byte{0xc3}).
		Section(".rodata", 0x2000, elf.SHF_ALLOC, []byte("hello")).
		NoBits(".bss", 0x3000, 0x100).
		Section(".comment", 0, 0, []byte("GCC")).
		Bytes()

	img, err := elfscope.Parse(data)
	require.NoError(t, err)

	assert.Equal(t, elfscope.FormatELF, img.Format)
	assert.Equal(t, elf.EM_X86_64, img.Machine)
	assert.Equal(t, uint64(0x1000), img.Entry)

	code := img.CodeSections()
	require.Len(t, code, 2, "every executable section is code, not only .text")
	assert.Equal(t, ".text", code[0].Name)
	assert.Equal(t, ".init", code[1].Name)

	kinds := make(map[string]elfscope.SectionKind)
	for _, s := range img.Sections {
		kinds[s.Name] = s.Kind
	}
	assert.Equal(t, elfscope.SectionData, kinds[".rodata"])
	assert.Equal(t, elfscope.SectionData, kinds[".bss"])
	assert.Equal(t, elfscope.SectionOther, kinds[".comment"])

	assert.True(t, img.InCode(0x1001))
	assert.False(t, img.InCode(0x2000))

	b, ok := img.ReadAt(0x2001, 4)
	require.True(t, ok)
	assert.Equal(t, []byte("ello"), b)

	_, ok = img.ReadAt(0x2003, 4)
	assert.False(t, ok, "read past the section end")
	_, ok = img.ReadAt(0x3000, 1)
	assert.False(t, ok, ".bss has no file contents")
}

func TestParse_Symbols(t *testing.T) {
	data := elftest.New().
		Text(0x1000, make([]byte, 0x20)).
		Symbol(
			elftest.Func("main", 0x1000, 0x10),
			elftest.Sym{Name: "counter", Value: 0x4000, Size: 8, Type: elf.STT_OBJECT, Section: ".text"},
		).
		DynSymbol(
			elftest.Undef("puts"),
			elftest.Undef("printf"),
			elftest.Undef("puts"),
			elftest.Func("exported_fn", 0x1010, 0x10),
		).
		Needed("libfoo.so.1", "libc.so.6").
		Soname("libself.so").
		RunPath("$ORIGIN/lib:/opt/lib").
		Bytes()

	img, err := elfscope.Parse(data)
	require.NoError(t, err)

	require.Len(t, img.Symbols, 6)
	assert.Equal(t, elfscope.Symbol{Name: "main", Addr: 0x1000, Size: 0x10, Kind: elfscope.SymbolFunc, Defined: true}, img.Symbols[0])
	assert.Equal(t, elfscope.SymbolOther, img.Symbols[1].Kind)
	assert.True(t, img.Symbols[2].Dynamic)
	assert.False(t, img.Symbols[2].Defined)

	assert.Equal(t, []string{"puts", "printf"}, img.Imports, "imports are deduplicated in table order")
	assert.Equal(t, []string{"exported_fn"}, img.Exports)
	assert.Equal(t, []string{"libfoo.so.1", "libc.so.6"}, img.Needed)
	assert.Equal(t, "libself.so", img.Soname)
	assert.Equal(t, []string{"$ORIGIN/lib", "/opt/lib"}, img.RunPaths)

	assert.Len(t, img.SymbolsNamed("main"), 1)
	assert.Empty(t, img.SymbolsNamed("puts"), "undefined symbols are not returned")
}

func TestImage_ReadPointer(t *testing.T) {
	got := make([]byte, 16)
	binary.LittleEndian.PutUint64(got[8:], 0x1234)

	img, err := elfscope.Parse(elftest.New().
		Text(0x1000, []byte{0xc3}).
		Section(".got", 0x3000, elf.SHF_ALLOC|elf.SHF_WRITE, got).
		Bytes())
	require.NoError(t, err)

	ptr, ok := img.ReadPointer(0x3008)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1234), ptr)

	_, ok = img.ReadPointer(0x300c)
	assert.False(t, ok)
	_, ok = img.ReadPointer(0x9000)
	assert.False(t, ok)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, elftest.New().Text(0x1000, []byte{0xc3}).WriteFile(path))

	img, err := elfscope.Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, img.Path)

	_, err = elfscope.Open(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
