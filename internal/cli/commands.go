package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/maxgio92/elfscope"
	"github.com/maxgio92/elfscope/internal/analyzer"
	"github.com/maxgio92/elfscope/internal/graphstore"
	"github.com/maxgio92/elfscope/internal/logging"
)

// treeFlags override the tree section of the configuration.
type treeFlags struct {
	root     string
	maxDepth int
	maxLines int
}

func (f *treeFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.root, "root", "", `symbol the call tree starts from (default from config, "main")`)
	fs.IntVar(&f.maxDepth, "max-depth", 0, "maximum call tree depth, 0 for unbounded (default from config)")
	fs.IntVar(&f.maxLines, "max-lines", 0, "maximum call tree lines, 0 for unbounded (default from config)")
}

func (f *treeFlags) apply(fs *pflag.FlagSet, opts *analyzer.Options) error {
	if fs.Changed("root") {
		opts.Root = f.root
	}
	if fs.Changed("max-depth") {
		if f.maxDepth < 0 {
			return fmt.Errorf("--max-depth must be >= 0")
		}
		opts.Walk.MaxDepth = f.maxDepth
	}
	if fs.Changed("max-lines") {
		if f.maxLines < 0 {
			return fmt.Errorf("--max-lines must be >= 0")
		}
		opts.Walk.MaxLines = f.maxLines
	}
	return nil
}

// searchFlags override the library search configuration.
type searchFlags struct {
	searchPaths []string
	noRunPaths  bool
}

func (f *searchFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVarP(&f.searchPaths, "search-path", "L", nil, "library directory to search, repeatable; replaces the configured paths")
	fs.BoolVar(&f.noRunPaths, "no-runpath", false, "ignore DT_RUNPATH/DT_RPATH of the analyzed binary")
}

func (f *searchFlags) apply(fs *pflag.FlagSet, opts *analyzer.Options) {
	if fs.Changed("search-path") {
		opts.SearchPaths = f.searchPaths
	}
	if f.noRunPaths {
		opts.UseRunPaths = false
	}
}

// linkFlags add the output format to the search flags.
type linkFlags struct {
	searchFlags
	output string
}

func (f *linkFlags) register(fs *pflag.FlagSet) {
	f.searchFlags.register(fs)
	fs.StringVarP(&f.output, "output", "o", formatText, "output format: text or yaml")
}

func (f *linkFlags) apply(fs *pflag.FlagSet, opts *analyzer.Options) error {
	f.searchFlags.apply(fs, opts)
	return validateFormat(f.output)
}

func newTreeCmd(a *app) *cobra.Command {
	var tf treeFlags

	cmd := &cobra.Command{
		Use:   "tree <binary>",
		Short: "Print the static call tree of a binary",
		Long: `Print the call tree reachable from a root function.

The root is the function named by --root, then __libc_start_main when
requested and defined, then the entry point, then main. Calls back into a
function already on the current path are marked as cycles and not expanded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.analyzerOptions()
			opts.SkipLink = true
			if err := tf.apply(cmd.Flags(), &opts); err != nil {
				return err
			}

			report, err := analyzer.New(opts, a.logger).Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if report.TreeErr != nil {
				return report.TreeErr
			}
			return report.Tree.Render(cmd.OutOrStdout())
		},
	}
	tf.register(cmd.Flags())

	return cmd
}

func newLinkCmd(a *app) *cobra.Command {
	var lf linkFlags

	cmd := &cobra.Command{
		Use:   "link <binary>",
		Short: "Simulate dynamic linking of a binary",
		Long: `Resolve the DT_NEEDED closure of a binary breadth-first over the search
paths and bind each undefined dynamic symbol to the first library in load
order that exports it. Symbol versions are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.analyzerOptions()
			opts.SkipTree = true
			if err := lf.apply(cmd.Flags(), &opts); err != nil {
				return err
			}

			report, err := analyzer.New(opts, a.logger).Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if lf.output == formatYAML {
				return writeYAML(cmd.OutOrStdout(), newLinkOutput(report.Image.Needed, report.Link))
			}
			return writeLinkText(cmd.OutOrStdout(), report.Image.Needed, report.Link)
		},
	}
	lf.register(cmd.Flags())

	return cmd
}

func newFunctionsCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "functions <binary>",
		Short: "List the inferred function ranges of a binary",
		Long: `List the function ranges inferred from the symbol tables. When the binary
is stripped and the whole code section is a single synthetic function, the
likely entry points found by prologue pattern matching are listed too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(output); err != nil {
				return err
			}

			img, table, err := analyzer.New(a.analyzerOptions(), a.logger).Functions(args[0])
			if err != nil {
				return err
			}

			var hints []elfscope.Prologue
			if fns := table.Functions(); len(fns) == 1 && fns[0].Synthetic {
				hints = elfscope.PrologueHints(img)
			}

			if output == formatYAML {
				return writeYAML(cmd.OutOrStdout(), struct {
					Functions []elfscope.FunctionRange `yaml:"functions"`
					Prologues []elfscope.Prologue      `yaml:"prologues,omitempty"`
				}{table.Functions(), hints})
			}
			if err := writeFunctionsText(cmd.OutOrStdout(), table); err != nil {
				return err
			}
			if hints != nil {
				return writeProloguesText(cmd.OutOrStdout(), hints)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", formatText, "output format: text or yaml")

	return cmd
}

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		tf   treeFlags
		lf   linkFlags
		jobs int
	)

	cmd := &cobra.Command{
		Use:   "analyze <binary>...",
		Short: "Run the call tree and linking simulation on one or more binaries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.analyzerOptions()
			if err := tf.apply(cmd.Flags(), &opts); err != nil {
				return err
			}
			if err := lf.apply(cmd.Flags(), &opts); err != nil {
				return err
			}
			if cmd.Flags().Changed("jobs") {
				if jobs < 1 {
					return fmt.Errorf("--jobs must be >= 1")
				}
				opts.Jobs = jobs
			}

			reports, err := analyzer.New(opts, a.logger).RunAll(cmd.Context(), args)
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range reports {
				if r.Err != nil {
					failed++
				}
			}

			if lf.output == formatYAML {
				out := make([]imageOutput, 0, len(reports))
				for _, r := range reports {
					out = append(out, newImageOutput(r))
				}
				if err := writeYAML(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					if err := writeReportText(cmd.OutOrStdout(), r); err != nil {
						return err
					}
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d binaries could not be analyzed", failed, len(reports))
			}
			return nil
		},
	}
	tf.register(cmd.Flags())
	lf.register(cmd.Flags())
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "binaries analyzed in parallel (default from config)")

	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		sf    searchFlags
		clean bool
	)

	cmd := &cobra.Command{
		Use:   "export <binary>",
		Short: "Export the call graph and load order of a binary into Neo4j",
		Long: `Export the functions, resolved call edges and library load order of a
binary into Neo4j. Connection settings come from the neo4j section of the
configuration and the ELFSCOPE_NEO4J_* environment variables.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.analyzerOptions()
			sf.apply(cmd.Flags(), &opts)

			report, err := analyzer.New(opts, a.logger).Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if report.Graph == nil {
				return report.TreeErr
			}

			ctx := cmd.Context()
			store, err := graphstore.New(ctx, graphstore.Config{
				URI:      a.cfg.Neo4j.URI,
				User:     a.cfg.Neo4j.User,
				Password: a.cfg.Neo4j.Password,
				Database: a.cfg.Neo4j.Database,
			}, a.logger.With().Str("component", "graphstore").Logger())
			if err != nil {
				return err
			}
			defer logging.DeferClose(a.logger, store, "Failed to close neo4j driver")

			if err := store.CreateIndexes(ctx); err != nil {
				return err
			}
			if clean {
				if err := store.Clean(ctx, report.Path); err != nil {
					return err
				}
			}
			if err := store.ExportCallGraph(ctx, report.Path, report.Functions, report.Graph); err != nil {
				return err
			}
			if err := store.ExportLinking(ctx, report.Path, report.Link); err != nil {
				return err
			}

			cmd.Printf("Exported %d functions from %s to %s\n", report.Functions.Len(), report.Path, a.cfg.Neo4j.URI)
			return nil
		},
	}
	sf.register(cmd.Flags())
	cmd.Flags().BoolVar(&clean, "clean", false, "remove the functions previously exported for this binary first")

	return cmd
}
