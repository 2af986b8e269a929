package elfscope_test

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/elfscope"
	"github.com/maxgio92/elfscope/internal/elftest"
)

// library writes a shared object exporting funcs into dir.
func library(t *testing.T, dir, soname string, needed []string, funcs ...string) string {
	t.Helper()

	b := elftest.New().Shared().Soname(soname).Needed(needed...).Text(0x1000, nops(0x100))
	for i, name := range funcs {
		b.DynSymbol(elftest.Func(name, 0x1000+uint64(i)*0x10, 0x10))
	}
	path := filepath.Join(dir, soname)
	require.NoError(t, b.WriteFile(path))
	return path
}

func TestDependencyResolver_BreadthFirstOrder(t *testing.T) {
	dir := t.TempDir()
	library(t, dir, "libl1.so", []string{"libl2.so", "libl3.so"})
	library(t, dir, "libl2.so", []string{"libl4.so"})
	library(t, dir, "libl3.so", []string{"libl1.so"})
	library(t, dir, "libl4.so", nil)

	r := elfscope.NewDependencyResolver([]string{dir})
	order, warnings := r.Resolve([]string{"libl1.so", "libl2.so"})

	assert.Empty(t, warnings)
	assert.Equal(t, []string{"libl1.so", "libl2.so", "libl3.so", "libl4.so"}, order.Sonames())
	for _, d := range order {
		assert.True(t, d.Resolved, d.Soname)
		assert.Equal(t, filepath.Join(dir, d.Soname), d.Path)
	}
	assert.Equal(t, []string{"libl2.so", "libl3.so"}, order[0].Needed)
}

func TestDependencyResolver_Empty(t *testing.T) {
	r := elfscope.NewDependencyResolver([]string{t.TempDir()})
	order, warnings := r.Resolve(nil)
	assert.Empty(t, order)
	assert.Empty(t, warnings)
}

func TestDependencyResolver_SearchPathPriority(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	library(t, second, "libdup.so", nil, "from_second")
	library(t, first, "libdup.so", nil, "from_first")

	order, warnings := elfscope.NewDependencyResolver([]string{first, second}).Resolve([]string{"libdup.so"})
	require.Empty(t, warnings)
	require.Len(t, order, 1)
	assert.True(t, order[0].Provides("from_first"))
	assert.False(t, order[0].Provides("from_second"))
}

func TestDependencyResolver_Unresolved(t *testing.T) {
	dir := t.TempDir()
	library(t, dir, "liba.so", []string{"libmissing.so"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "libbroken.so"), []byte("not an elf"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "libdir.so"), 0o755))

	order, warnings := elfscope.NewDependencyResolver([]string{dir}).
		Resolve([]string{"liba.so", "libbroken.so", "libdir.so"})

	assert.Equal(t, []string{"liba.so", "libbroken.so", "libdir.so", "libmissing.so"}, order.Sonames())
	require.Len(t, warnings, 3)
	for _, w := range warnings {
		assert.ErrorIs(t, w, elfscope.ErrLibraryUnresolved)
	}
	assert.ErrorIs(t, warnings[0], elfscope.ErrFormat, "unparseable library")
	var libErr *elfscope.LibraryError
	require.ErrorAs(t, warnings[0], &libErr)
	assert.Equal(t, filepath.Join(dir, "libbroken.so"), libErr.Path, "rejected candidate is reported")

	unresolved := order.Unresolved()
	require.Len(t, unresolved, 3)
	assert.Equal(t, "libbroken.so", unresolved[0].Soname)
	for _, d := range unresolved {
		assert.Empty(t, d.Path, d.Soname)
	}
	assert.Equal(t, "libmissing.so => not found", unresolved[2].String())
}

func TestDependencyResolver_ResolveForFiltersIncompatible(t *testing.T) {
	arm, x86 := t.TempDir(), t.TempDir()
	require.NoError(t, elftest.New().Machine(elf.EM_AARCH64).Shared().Soname("libc.so.6").
		Text(0x1000, nops(0x10)).DynSymbol(elftest.Func("puts", 0x1000, 4)).
		WriteFile(filepath.Join(arm, "libc.so.6")))
	library(t, x86, "libc.so.6", nil, "puts")

	img, err := elfscope.Parse(elftest.New().Text(0x1000, nops(0x10)).
		Needed("libc.so.6").DynSymbol(elftest.Undef("puts")).Bytes())
	require.NoError(t, err)

	order, warnings := elfscope.NewDependencyResolver([]string{arm, x86}).ResolveFor(img)
	require.Empty(t, warnings)
	require.Len(t, order, 1)
	assert.Equal(t, filepath.Join(x86, "libc.so.6"), order[0].Path)

	order, warnings = elfscope.NewDependencyResolver([]string{arm}).ResolveFor(img)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Error(), "incompatible")
	assert.False(t, order[0].Resolved)
}

func TestDependencyResolver_RunPathOrigin(t *testing.T) {
	root := t.TempDir()
	library(t, filepath.Join(root, "lib"), "libpriv.so", nil, "priv")

	binPath := filepath.Join(root, "app")
	require.NoError(t, elftest.New().Text(0x1000, nops(0x10)).
		Needed("libpriv.so").RunPath("$ORIGIN/lib").
		DynSymbol(elftest.Undef("priv")).
		WriteFile(binPath))
	img, err := elfscope.Open(binPath)
	require.NoError(t, err)

	order, warnings := elfscope.NewDependencyResolver([]string{t.TempDir()}).ResolveFor(img)
	require.Empty(t, warnings)
	assert.Equal(t, filepath.Join(root, "lib", "libpriv.so"), order[0].Path)

	order, warnings = elfscope.NewDependencyResolver([]string{t.TempDir()}, elfscope.WithRunPaths(false)).ResolveFor(img)
	assert.Len(t, warnings, 1)
	assert.False(t, order[0].Resolved)
}

func TestExportCache(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	library(t, a, "libshared.so", nil, "f")
	library(t, b, "libshared.so", nil, "f")
	library(t, b, "libother.so", nil, "g")

	cache := elfscope.NewExportCache()
	resolverA := elfscope.NewDependencyResolver([]string{a}, elfscope.WithExportCache(cache))
	resolverB := elfscope.NewDependencyResolver([]string{b}, elfscope.WithExportCache(cache))

	_, warnings := resolverA.Resolve([]string{"libshared.so"})
	require.Empty(t, warnings)
	order, warnings := resolverB.Resolve([]string{"libshared.so", "libother.so"})
	require.Empty(t, warnings)

	assert.Equal(t, 2, cache.Len(), "identical contents are parsed once")
	assert.Equal(t, 1, cache.Hits())
	assert.True(t, order[0].Provides("f"))
	assert.Equal(t, filepath.Join(b, "libshared.so"), order[0].Path)
}

func TestNewDependencyResolver_Defaults(t *testing.T) {
	r := elfscope.NewDependencyResolver(nil)
	assert.Equal(t, elfscope.DefaultSearchPaths, r.SearchPaths())
}
