// Package cli implements the elfscope command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/elfscope"
	"github.com/maxgio92/elfscope/internal/analyzer"
	"github.com/maxgio92/elfscope/internal/config"
	"github.com/maxgio92/elfscope/internal/logging"
	"github.com/maxgio92/elfscope/internal/version"
)

// app carries the state shared by all commands once the persistent flags
// have been parsed.
type app struct {
	configPath string
	logLevel   string
	logPretty  bool

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zerolog.Nop()}

	cmd := &cobra.Command{
		Use:   "elfscope",
		Short: "Static call trees and dynamic linking simulation for ELF binaries",
		Long: `elfscope inspects x86-64 ELF binaries without running them.

It reconstructs an approximate call graph by decoding the machine code of
every function and prints it as a call tree, and it simulates how the dynamic
linker would resolve the binary's undefined symbols against the shared
libraries found on the search paths.

Both analyses are heuristic: indirect calls through registers are never
guessed and symbol versions are ignored.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default $ELFSCOPE_CONFIG or ~/.elfscope/config.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error, off")
	flags.BoolVar(&a.logPretty, "log-pretty", false, "human-readable log output")

	cmd.AddCommand(newTreeCmd(a))
	cmd.AddCommand(newLinkCmd(a))
	cmd.AddCommand(newFunctionsCmd(a))
	cmd.AddCommand(newAnalyzeCmd(a))
	cmd.AddCommand(newExportCmd(a))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setup loads the configuration and builds the logger. Flags override the
// configuration file and environment.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Output = cmd.ErrOrStderr()
	if cfg.Log.Pretty != nil {
		logCfg.Pretty = *cfg.Log.Pretty
	}
	if cmd.Flags().Changed("log-pretty") {
		logCfg.Pretty = a.logPretty
	}

	a.cfg = cfg
	a.logger = logging.NewWithComponent(logCfg, "cli")
	a.logger.Debug().Str("command", cmd.Name()).Strs("search_paths", cfg.SearchPaths).Msg("Configuration loaded")
	return nil
}

// analyzerOptions maps the configuration to analyzer options.
func (a *app) analyzerOptions() analyzer.Options {
	return analyzer.Options{
		Root: a.cfg.Tree.Root,
		Walk: elfscope.WalkOptions{
			MaxDepth: a.cfg.Tree.MaxDepth,
			MaxLines: a.cfg.Tree.MaxLines,
		},

		SearchPaths: a.cfg.SearchPaths,
		UseRunPaths: a.cfg.UseRunPaths,
		Jobs:        a.cfg.Jobs,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("elfscope version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command. SIGINT and SIGTERM cancel running analyses.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}
