package elfscope

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultSearchPaths are the library directories searched when none are
// configured.
var DefaultSearchPaths = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/usr/lib64",
	"/lib/x86_64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu",
}

// LibraryDescriptor is one entry of a load order. Path is empty when the
// soname could not be located; the entry still occupies its slot so that it
// is not searched again.
type LibraryDescriptor struct {
	Soname   string              `json:"soname" yaml:"soname"`
	Path     string              `json:"path,omitempty" yaml:"path,omitempty"`
	Resolved bool                `json:"resolved" yaml:"resolved"`
	Needed   []string            `json:"needed,omitempty" yaml:"needed,omitempty"`
	Exports  map[string]struct{} `json:"-" yaml:"-"`
	Err      error               `json:"-" yaml:"-"`
}

// Provides reports whether the library defines the dynamic symbol name.
func (d LibraryDescriptor) Provides(name string) bool {
	_, ok := d.Exports[name]
	return ok
}

// LoadOrder is the sequence in which libraries are searched for symbols,
// first discovered first.
type LoadOrder []LibraryDescriptor

// Sonames returns the sonames in load order.
func (o LoadOrder) Sonames() []string {
	out := make([]string, len(o))
	for i, d := range o {
		out[i] = d.Soname
	}
	return out
}

// Unresolved returns the descriptors without a usable library file.
func (o LoadOrder) Unresolved() []LibraryDescriptor {
	var out []LibraryDescriptor
	for _, d := range o {
		if !d.Resolved {
			out = append(out, d)
		}
	}
	return out
}

// DependencyResolver computes the transitive DT_NEEDED closure of an image
// against prioritized search directories.
type DependencyResolver struct {
	searchPaths []string
	logger      zerolog.Logger
	cache       *ExportCache
	useRunPaths bool
}

// WithRunPaths controls whether ResolveFor searches the image's DT_RUNPATH
// or DT_RPATH directories before the configured ones. It is enabled by
// default.
func WithRunPaths(enabled bool) Option {
	return func(o *options) {
		o.useRunPaths = enabled
	}
}

// NewDependencyResolver returns a resolver searching searchPaths in order.
// A nil slice selects DefaultSearchPaths.
func NewDependencyResolver(searchPaths []string, opts ...Option) *DependencyResolver {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if searchPaths == nil {
		searchPaths = DefaultSearchPaths
	}
	return &DependencyResolver{
		searchPaths: slices.Clone(searchPaths),
		logger:      o.logger,
		cache:       o.cache,
		useRunPaths: o.useRunPaths,
	}
}

// SearchPaths returns the configured directories in priority order.
func (r *DependencyResolver) SearchPaths() []string {
	return r.searchPaths
}

// ResolveFor resolves the closure of img's declared dependencies. Libraries
// whose ELF class or machine differ from img are skipped during the search.
func (r *DependencyResolver) ResolveFor(img *Image) (LoadOrder, []error) {
	dirs := r.searchPaths
	if r.useRunPaths && len(img.RunPaths) > 0 {
		dirs = append(expandOrigin(img.RunPaths, img.Path), dirs...)
	}
	return r.resolve(img.Needed, dirs, img.Class, img.Machine)
}

// Resolve resolves the closure of the sonames in needed, without filtering
// candidates on class or machine.
func (r *DependencyResolver) Resolve(needed []string) (LoadOrder, []error) {
	return r.resolve(needed, r.searchPaths, elf.ELFCLASSNONE, elf.EM_NONE)
}

// resolve walks the dependency closure breadth-first. The queue is seeded
// with needed in declaration order and every located library appends its own
// dependencies in its own order, so the resulting order matches a loader
// searching dependencies breadth-first. Each soname is looked up once.
func (r *DependencyResolver) resolve(needed, dirs []string, class elf.Class, machine elf.Machine) (LoadOrder, []error) {
	var (
		order    LoadOrder
		warnings []error
		seen     = make(map[string]bool)
		queue    = slices.Clone(needed)
	)

	for len(queue) > 0 {
		soname := queue[0]
		queue = queue[1:]
		if seen[soname] {
			continue
		}
		seen[soname] = true

		desc, info, err := r.locate(soname, dirs, class, machine)
		if err != nil {
			desc.Err = err
			warnings = append(warnings, err)
			r.logger.Warn().Err(err).Str("soname", soname).Msg("Library unresolved")
			order = append(order, desc)
			continue
		}

		desc.Resolved = true
		desc.Needed = info.needed
		desc.Exports = info.exports
		order = append(order, desc)
		r.logger.Debug().
			Str("soname", soname).
			Str("path", desc.Path).
			Int("exports", len(info.exports)).
			Strs("needed", info.needed).
			Msg("Library resolved")

		for _, dep := range info.needed {
			if !seen[dep] {
				queue = append(queue, dep)
			}
		}
	}

	return order, warnings
}

// locate searches dirs in order for soname. A soname containing a slash is
// used as a path, as the dynamic loader does.
func (r *DependencyResolver) locate(soname string, dirs []string, class elf.Class, machine elf.Machine) (LibraryDescriptor, *libraryInfo, error) {
	desc := LibraryDescriptor{Soname: soname}

	candidates := make([]string, 0, len(dirs))
	if strings.Contains(soname, "/") {
		candidates = append(candidates, soname)
	} else {
		for _, dir := range dirs {
			candidates = append(candidates, filepath.Join(dir, soname))
		}
	}

	var (
		lastErr      error
		rejected     string
		incompatible int
	)
	for _, path := range candidates {
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		info, err := r.cache.load(data)
		if err != nil {
			rejected = path
			lastErr = err
			r.logger.Debug().Err(err).Str("path", path).Msg("Skipping unparseable library candidate")
			continue
		}
		if class != elf.ELFCLASSNONE && (info.class != class || info.machine != machine) {
			r.logger.Debug().
				Str("path", path).
				Str("class", info.class.String()).
				Str("machine", info.machine.String()).
				Msg("Skipping incompatible library candidate")
			incompatible++
			continue
		}
		desc.Path = path
		return desc, info, nil
	}

	switch {
	case lastErr != nil:
	case incompatible > 0:
		lastErr = fmt.Errorf("%d incompatible candidate(s) skipped", incompatible)
	default:
		lastErr = errors.New("not found in search paths")
	}
	return desc, nil, &LibraryError{Soname: soname, Path: rejected, Err: lastErr}
}

// expandOrigin substitutes $ORIGIN in dirs with the directory of the image
// at path. Entries using $ORIGIN are dropped when path is unknown.
func expandOrigin(dirs []string, path string) []string {
	origin := ""
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			origin = filepath.Dir(abs)
		}
	}
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.Contains(d, "$ORIGIN") || strings.Contains(d, "${ORIGIN}") {
			if origin == "" {
				continue
			}
			d = strings.NewReplacer("${ORIGIN}", origin, "$ORIGIN", origin).Replace(d)
		}
		out = append(out, d)
	}
	return out
}

// String renders the descriptor for diagnostics.
func (d LibraryDescriptor) String() string {
	if !d.Resolved {
		return fmt.Sprintf("%s => not found", d.Soname)
	}
	return fmt.Sprintf("%s => %s", d.Soname, d.Path)
}
