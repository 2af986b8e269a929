package elfscope

// SymbolResolution binds an undefined dynamic symbol to the library that
// supplies it. Resolved is false when no library in the load order exports
// the name.
type SymbolResolution struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Library  string `json:"library,omitempty" yaml:"library,omitempty"`
	Resolved bool   `json:"resolved" yaml:"resolved"`
}

// LinkReport is the outcome of a linking simulation.
type LinkReport struct {
	LoadOrder   LoadOrder          `json:"load_order" yaml:"load_order"`
	Resolutions []SymbolResolution `json:"resolutions" yaml:"resolutions"`
	// ByLibrary maps a soname to the symbols it supplies, in import order.
	ByLibrary  map[string][]string `json:"by_library" yaml:"by_library"`
	Unresolved []string            `json:"unresolved" yaml:"unresolved"`
	Warnings   []error             `json:"-" yaml:"-"`
}

// MatchSymbols resolves every name of imports to the first library in order
// that exports it. Only names are compared: symbol versions and the
// library recorded by versioned references are ignored, which is a
// simplification of what a real dynamic linker does.
func MatchSymbols(imports []string, order LoadOrder) *LinkReport {
	report := &LinkReport{
		LoadOrder:   order,
		Resolutions: make([]SymbolResolution, 0, len(imports)),
		ByLibrary:   make(map[string][]string),
	}

	for _, name := range imports {
		res := SymbolResolution{Symbol: name}
		for _, lib := range order {
			if lib.Resolved && lib.Provides(name) {
				res.Library = lib.Soname
				res.Resolved = true
				break
			}
		}
		report.Resolutions = append(report.Resolutions, res)
		if res.Resolved {
			report.ByLibrary[res.Library] = append(report.ByLibrary[res.Library], name)
		} else {
			report.Unresolved = append(report.Unresolved, name)
		}
	}

	return report
}

// SimulateLinking resolves the dependency closure of img and matches its
// undefined dynamic symbols against it. Libraries that could not be located
// are reported as warnings; the report is always complete for what was
// found.
func SimulateLinking(img *Image, resolver *DependencyResolver) *LinkReport {
	order, warnings := resolver.ResolveFor(img)
	report := MatchSymbols(img.Imports, order)
	report.Warnings = warnings
	return report
}

// Lookup returns the resolution of symbol.
func (r *LinkReport) Lookup(symbol string) (SymbolResolution, bool) {
	for _, res := range r.Resolutions {
		if res.Symbol == symbol {
			return res, true
		}
	}
	return SymbolResolution{}, false
}
