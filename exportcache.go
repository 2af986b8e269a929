package elfscope

import (
	"debug/elf"
	"sync"

	"github.com/zeebo/xxh3"
)

// libraryInfo is the part of a parsed shared library the dependency walk
// needs.
type libraryInfo struct {
	class   elf.Class
	machine elf.Machine
	soname  string
	needed  []string
	exports map[string]struct{}
}

func newLibraryInfo(img *Image) *libraryInfo {
	info := &libraryInfo{
		class:   img.Class,
		machine: img.Machine,
		soname:  img.Soname,
		needed:  img.Needed,
		exports: make(map[string]struct{}, len(img.Exports)),
	}
	for _, name := range img.Exports {
		info.exports[name] = struct{}{}
	}
	return info
}

// ExportCache shares parsed library metadata across dependency walks. Entries
// are keyed by the xxh3 hash of the library contents, so the same file
// reached through different paths or symlinks is parsed once. It is safe for
// concurrent use.
type ExportCache struct {
	mu      sync.Mutex
	entries map[xxh3.Uint128]*libraryInfo
	hits    int
}

// NewExportCache returns an empty cache.
func NewExportCache() *ExportCache {
	return &ExportCache{entries: make(map[xxh3.Uint128]*libraryInfo)}
}

// WithExportCache makes a DependencyResolver reuse parsed libraries.
func WithExportCache(c *ExportCache) Option {
	return func(o *options) {
		o.cache = c
	}
}

// load parses data, or returns the cached result for identical contents.
func (c *ExportCache) load(data []byte) (*libraryInfo, error) {
	if c == nil {
		return parseLibrary(data)
	}

	key := xxh3.Hash128(data)
	c.mu.Lock()
	info, ok := c.entries[key]
	if ok {
		c.hits++
	}
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	info, err := parseLibrary(data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = info
	c.mu.Unlock()
	return info, nil
}

// Len returns the number of cached libraries.
func (c *ExportCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Hits returns how many loads were answered from the cache.
func (c *ExportCache) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func parseLibrary(data []byte) (*libraryInfo, error) {
	img, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return newLibraryInfo(img), nil
}
