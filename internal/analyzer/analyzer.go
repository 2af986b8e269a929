// Package analyzer runs the call tree and linking simulation pipelines over
// one or more ELF images.
package analyzer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/maxgio92/elfscope"
)

// Options selects and tunes the pipelines.
type Options struct {
	// Root is the requested call tree root symbol.
	Root string
	Walk elfscope.WalkOptions

	// SearchPaths lists library directories in priority order. Nil selects
	// elfscope.DefaultSearchPaths.
	SearchPaths []string
	UseRunPaths bool

	SkipTree bool
	SkipLink bool

	// Jobs bounds the number of images analyzed in parallel by RunAll.
	Jobs int
}

// Report holds the outcome of both pipelines for one image. A pipeline that
// failed leaves its result nil and records the error; the other pipeline is
// unaffected.
type Report struct {
	Path  string `yaml:"path"`
	RunID string `yaml:"run_id"`

	Image     *elfscope.Image         `yaml:"-"`
	Functions *elfscope.FunctionTable `yaml:"-"`
	Graph     *elfscope.CallGraph     `yaml:"-"`

	Tree    *elfscope.CallTree   `yaml:"-"`
	TreeErr error                `yaml:"-"`
	Link    *elfscope.LinkReport `yaml:"link,omitempty"`

	// Err is set when the image could not be loaded at all.
	Err error `yaml:"-"`
}

// Analyzer composes the pipelines. Libraries parsed by one run are shared
// with later and concurrent runs through an export cache.
type Analyzer struct {
	opts   Options
	logger zerolog.Logger
	cache  *elfscope.ExportCache
}

// New creates an analyzer.
func New(opts Options, logger zerolog.Logger) *Analyzer {
	if opts.Jobs <= 0 {
		opts.Jobs = 1
	}
	return &Analyzer{
		opts:   opts,
		logger: logger,
		cache:  elfscope.NewExportCache(),
	}
}

// Cache returns the shared export cache.
func (a *Analyzer) Cache() *elfscope.ExportCache {
	return a.cache
}

// Run loads the image at path and runs the enabled pipelines over it. The
// returned error is only set when the image cannot be loaded or ctx is done;
// pipeline failures are recorded in the report.
func (a *Analyzer) Run(ctx context.Context, path string) (*Report, error) {
	report := &Report{Path: path, RunID: uuid.New().String()}
	logger := a.logger.With().Str("run_id", report.RunID).Str("binary", path).Logger()

	img, err := elfscope.Open(path)
	if err != nil {
		return report, err
	}
	report.Image = img
	logger.Debug().
		Str("machine", img.Machine.String()).
		Int("sections", len(img.Sections)).
		Int("symbols", len(img.Symbols)).
		Strs("needed", img.Needed).
		Msg("Image loaded")

	if !a.opts.SkipTree {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.TreeErr = a.callTree(report, logger)
		if report.TreeErr != nil {
			logger.Warn().Err(report.TreeErr).Msg("Call tree pipeline failed")
		}
	}

	if !a.opts.SkipLink {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Link = a.link(img, logger)
	}

	return report, nil
}

// Functions loads the image at path and resolves its function table only.
func (a *Analyzer) Functions(path string) (*elfscope.Image, *elfscope.FunctionTable, error) {
	img, err := elfscope.Open(path)
	if err != nil {
		return nil, nil, err
	}
	table, err := elfscope.ResolveFunctions(img)
	if err != nil {
		return img, nil, fmt.Errorf("failed to resolve functions: %w", err)
	}
	return img, table, nil
}

func (a *Analyzer) callTree(report *Report, logger zerolog.Logger) error {
	table, err := elfscope.ResolveFunctions(report.Image)
	if err != nil {
		return fmt.Errorf("failed to resolve functions: %w", err)
	}
	report.Functions = table

	graph, err := elfscope.BuildCallGraph(report.Image, table, elfscope.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to build call graph: %w", err)
	}
	report.Graph = graph

	root, err := elfscope.FindRoot(report.Image, table, a.opts.Root)
	if err != nil {
		return err
	}

	report.Tree = elfscope.WalkCallTree(graph, table, root, a.opts.Walk)
	logger.Info().
		Int("functions", table.Len()).
		Int("lines", len(report.Tree.Lines)).
		Int("cycles", report.Tree.Cycles()).
		Str("root", table.Name(root)).
		Msg("Call tree built")
	return nil
}

func (a *Analyzer) link(img *elfscope.Image, logger zerolog.Logger) *elfscope.LinkReport {
	resolver := elfscope.NewDependencyResolver(a.opts.SearchPaths,
		elfscope.WithLogger(logger),
		elfscope.WithExportCache(a.cache),
		elfscope.WithRunPaths(a.opts.UseRunPaths),
	)
	report := elfscope.SimulateLinking(img, resolver)
	logger.Info().
		Int("libraries", len(report.LoadOrder)).
		Int("imports", len(report.Resolutions)).
		Int("unresolved", len(report.Unresolved)).
		Int("warnings", len(report.Warnings)).
		Msg("Linking simulated")
	return report
}

// RunAll analyzes paths concurrently, at most Options.Jobs at a time, and
// returns one report per path in input order. An image that cannot be loaded
// gets a report with Err set and does not stop the others; only
// cancellation of ctx aborts the batch.
func (a *Analyzer) RunAll(ctx context.Context, paths []string) ([]*Report, error) {
	reports := make([]*Report, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Jobs)

	for i, path := range paths {
		g.Go(func() error {
			report, err := a.Run(gctx, path)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				a.logger.Error().Err(err).Str("binary", path).Msg("Analysis failed")
				report.Err = err
			}
			reports[i] = report
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return reports, err
	}

	a.logger.Debug().
		Int("images", len(paths)).
		Int("cached_libraries", a.cache.Len()).
		Int("cache_hits", a.cache.Hits()).
		Msg("Batch complete")
	return reports, nil
}
