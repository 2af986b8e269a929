package elfscope

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
)

// FunctionRange is the inferred half-open byte range [Start, End) of a
// function. Ranges built from symbols without a declared size are a
// heuristic: they extend to the next known function or to the end of the
// containing section, and may cover padding or unrelated code.
type FunctionRange struct {
	Start     uint64   `json:"start" yaml:"start"`
	End       uint64   `json:"end" yaml:"end"`
	Name      string   `json:"name" yaml:"name"`
	Aliases   []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Synthetic bool     `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
}

// Contains reports whether addr lies inside the range.
func (r FunctionRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// FunctionTable holds sorted, non-overlapping function ranges and answers
// address ownership queries by binary search.
type FunctionTable struct {
	ranges []FunctionRange
	byName map[string]uint64
}

// ResolveFunctions builds the function table of img from its function
// symbols and executable sections.
func ResolveFunctions(img *Image) (*FunctionTable, error) {
	return NewFunctionTable(img.Symbols, img.Sections, img.Entry)
}

// NewFunctionTable infers function ranges from symbols. Only defined function
// symbols with a non-zero address inside an executable section are
// considered. Symbols sharing an address are aliases: the first one in
// table order names the function, and the first non-zero declared size wins.
//
// Range ends are inferred in priority order from the declared size, the next
// function start and the end of the containing section, then clamped to the
// next start and the section end so that ranges never overlap.
//
// When no symbol qualifies, a single synthetic function named sub_<addr>
// spans the primary executable section: the one holding entry, else .text,
// else the first one.
func NewFunctionTable(symbols []Symbol, sections []Section, entry uint64) (*FunctionTable, error) {
	var code []*Section
	for i := range sections {
		if sections[i].Kind == SectionCode && sections[i].Alloc {
			code = append(code, &sections[i])
		}
	}
	if len(code) == 0 {
		return nil, ErrSectionMissing
	}

	containing := func(addr uint64) *Section {
		for _, s := range code {
			if s.Contains(addr) {
				return s
			}
		}
		return nil
	}

	type candidate struct {
		name    string
		aliases []string
		size    uint64
		section *Section
	}
	cands := make(map[uint64]*candidate)
	for _, sym := range symbols {
		if sym.Kind != SymbolFunc || !sym.Defined || sym.Addr == 0 || sym.Name == "" {
			continue
		}
		c, ok := cands[sym.Addr]
		if !ok {
			sec := containing(sym.Addr)
			if sec == nil {
				continue
			}
			cands[sym.Addr] = &candidate{name: sym.Name, size: sym.Size, section: sec}
			continue
		}
		if sym.Name != c.name && !slices.Contains(c.aliases, sym.Name) {
			c.aliases = append(c.aliases, sym.Name)
		}
		if c.size == 0 {
			c.size = sym.Size
		}
	}

	t := &FunctionTable{byName: make(map[string]uint64)}

	if len(cands) == 0 {
		sec := primaryCode(code, entry)
		t.ranges = []FunctionRange{{
			Start:     sec.Addr,
			End:       sec.End(),
			Name:      placeholderName(sec.Addr),
			Synthetic: true,
		}}
		t.byName[t.ranges[0].Name] = sec.Addr
		return t, nil
	}

	starts := make([]uint64, 0, len(cands))
	for addr := range cands {
		starts = append(starts, addr)
	}
	slices.Sort(starts)

	t.ranges = make([]FunctionRange, 0, len(starts))
	for i, start := range starts {
		c := cands[start]
		limit := c.section.End()
		if i+1 < len(starts) && starts[i+1] < limit {
			limit = starts[i+1]
		}

		end := limit
		if c.size > 0 && start+c.size > start && start+c.size < limit {
			end = start + c.size
		}

		t.ranges = append(t.ranges, FunctionRange{
			Start:   start,
			End:     end,
			Name:    c.name,
			Aliases: c.aliases,
		})
		t.byName[c.name] = start
		for _, a := range c.aliases {
			if _, ok := t.byName[a]; !ok {
				t.byName[a] = start
			}
		}
	}

	return t, nil
}

func primaryCode(code []*Section, entry uint64) *Section {
	for _, s := range code {
		if s.Contains(entry) {
			return s
		}
	}
	for _, s := range code {
		if s.Name == ".text" {
			return s
		}
	}
	return code[0]
}

// placeholderName names code that no symbol covers.
func placeholderName(addr uint64) string {
	return fmt.Sprintf("sub_%x", addr)
}

// Functions returns the ranges sorted by start address.
func (t *FunctionTable) Functions() []FunctionRange {
	return t.ranges
}

// Len returns the number of functions.
func (t *FunctionTable) Len() int {
	return len(t.ranges)
}

// Lookup returns the function whose range holds addr.
func (t *FunctionTable) Lookup(addr uint64) (FunctionRange, bool) {
	i := sort.Search(len(t.ranges), func(i int) bool {
		return addr < t.ranges[i].Start
	})
	if i == 0 {
		return FunctionRange{}, false
	}
	r := t.ranges[i-1]
	if !r.Contains(addr) {
		return FunctionRange{}, false
	}
	return r, true
}

// Owner returns the start address of the function whose range holds addr.
func (t *FunctionTable) Owner(addr uint64) (uint64, bool) {
	r, ok := t.Lookup(addr)
	return r.Start, ok
}

// Function returns the function starting exactly at start.
func (t *FunctionTable) Function(start uint64) (FunctionRange, bool) {
	i, found := slices.BinarySearchFunc(t.ranges, start, func(r FunctionRange, addr uint64) int {
		return cmp.Compare(r.Start, addr)
	})
	if !found {
		return FunctionRange{}, false
	}
	return t.ranges[i], true
}

// ByName returns the start address of the function named name, matching
// aliases too.
func (t *FunctionTable) ByName(name string) (uint64, bool) {
	addr, ok := t.byName[name]
	return addr, ok
}

// Name renders addr as the owning function's name, as name+0x<offset> when
// addr is inside a function body, or as an address-derived placeholder.
func (t *FunctionTable) Name(addr uint64) string {
	r, ok := t.Lookup(addr)
	if !ok {
		return placeholderName(addr)
	}
	if r.Start == addr {
		return r.Name
	}
	return fmt.Sprintf("%s+0x%x", r.Name, addr-r.Start)
}
