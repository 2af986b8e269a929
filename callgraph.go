package elfscope

import (
	"cmp"
	"debug/elf"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
)

// CallGraph maps each function start to its outgoing call edges. It is
// read-only once built.
type CallGraph struct {
	edges        map[uint64][]CallEdge
	decodeErrors []error
}

// Option configures BuildCallGraph and NewDependencyResolver.
type Option func(*options)

type options struct {
	logger      zerolog.Logger
	cache       *ExportCache
	useRunPaths bool
}

func defaultOptions() options {
	return options{
		logger:      zerolog.Nop(),
		useRunPaths: true,
	}
}

// WithLogger sets the logger used for warnings and debug output.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// BuildCallGraph decodes every function of table and records its calls.
// A function whose bytes fail to decode keeps the edges found before the
// failure; the error is logged and kept in DecodeErrors.
func BuildCallGraph(img *Image, table *FunctionTable, opts ...Option) (*CallGraph, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if img.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, img.Machine)
	}

	g := &CallGraph{edges: make(map[uint64][]CallEdge, table.Len())}

	for _, fn := range table.Functions() {
		code := functionBytes(img, fn)
		insts, err := Decode(code, fn.Start)
		if err != nil {
			o.logger.Warn().
				Err(err).
				Str("function", fn.Name).
				Str("start", fmt.Sprintf("0x%x", fn.Start)).
				Msg("Decoding stopped early")
			g.decodeErrors = append(g.decodeErrors, fmt.Errorf("%s: %w", fn.Name, err))
		}

		var edges []CallEdge
		for _, inst := range insts {
			if inst.IsCall() {
				edges = append(edges, classifyCall(inst, fn.Start, img))
			}
		}
		g.edges[fn.Start] = normalizeEdges(edges)
	}

	o.logger.Debug().
		Int("functions", table.Len()).
		Int("decode_errors", len(g.decodeErrors)).
		Msg("Call graph built")

	return g, nil
}

// functionBytes returns the bytes of fn clipped to its owning section.
func functionBytes(img *Image, fn FunctionRange) []byte {
	sec := img.SectionFor(fn.Start)
	if sec == nil || sec.Data == nil {
		return nil
	}
	end := min(fn.End, sec.Addr+uint64(len(sec.Data)))
	if end <= fn.Start {
		return nil
	}
	return sec.Data[fn.Start-sec.Addr : end-sec.Addr]
}

// normalizeEdges deduplicates edges on (callee, resolution, slot) and sorts
// them by callee address. Call sites do not take part in the identity: the
// first site in address order is kept.
func normalizeEdges(edges []CallEdge) []CallEdge {
	slices.SortStableFunc(edges, func(a, b CallEdge) int {
		return cmp.Or(
			cmp.Compare(a.Callee, b.Callee),
			cmp.Compare(a.Resolution, b.Resolution),
			cmp.Compare(a.Slot, b.Slot),
			cmp.Compare(a.Site, b.Site),
		)
	})
	return slices.CompactFunc(edges, func(a, b CallEdge) bool {
		return a.Callee == b.Callee && a.Resolution == b.Resolution && a.Slot == b.Slot
	})
}

// Edges returns the outgoing edges of the function starting at fn.
func (g *CallGraph) Edges(fn uint64) []CallEdge {
	return g.edges[fn]
}

// Callees returns the sorted, unique targets of the resolved calls made by
// the function starting at fn.
func (g *CallGraph) Callees(fn uint64) []uint64 {
	var out []uint64
	for _, e := range g.edges[fn] {
		if e.Resolution == ResolutionIndirectUnresolved {
			continue
		}
		if n := len(out); n > 0 && out[n-1] == e.Callee {
			continue
		}
		out = append(out, e.Callee)
	}
	return out
}

// Functions returns the analyzed function starts in ascending order.
func (g *CallGraph) Functions() []uint64 {
	out := make([]uint64, 0, len(g.edges))
	for fn := range g.edges {
		out = append(out, fn)
	}
	slices.Sort(out)
	return out
}

// DecodeErrors returns the decode failures met while building the graph.
func (g *CallGraph) DecodeErrors() []error {
	return g.decodeErrors
}

// Stats counts edges per resolution.
func (g *CallGraph) Stats() map[Resolution]int {
	stats := make(map[Resolution]int)
	for _, edges := range g.edges {
		for _, e := range edges {
			stats[e.Resolution]++
		}
	}
	return stats
}
