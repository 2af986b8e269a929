package cli

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maxgio92/elfscope"
	"github.com/maxgio92/elfscope/internal/analyzer"
)

// Output formats.
const (
	formatText = "text"
	formatYAML = "yaml"
)

func validateFormat(format string) error {
	switch format {
	case formatText, formatYAML:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (want %s or %s)", format, formatText, formatYAML)
	}
}

// libraryOutput is one load order entry in structured output.
type libraryOutput struct {
	Soname   string   `yaml:"soname"`
	Path     string   `yaml:"path,omitempty"`
	Resolved bool     `yaml:"resolved"`
	Symbols  []string `yaml:"symbols,omitempty"`
}

// linkOutput is the structured form of a linking simulation.
type linkOutput struct {
	Needed     []string        `yaml:"needed"`
	Libraries  []libraryOutput `yaml:"libraries"`
	Unresolved []string        `yaml:"unresolved"`
	Warnings   []string        `yaml:"warnings,omitempty"`
}

// imageOutput is the structured form of an analyzer report.
type imageOutput struct {
	Binary    string      `yaml:"binary"`
	RunID     string      `yaml:"run_id"`
	Error     string      `yaml:"error,omitempty"`
	Tree      []string    `yaml:"tree,omitempty"`
	TreeError string      `yaml:"tree_error,omitempty"`
	Link      *linkOutput `yaml:"link,omitempty"`
}

func newLinkOutput(needed []string, r *elfscope.LinkReport) *linkOutput {
	out := &linkOutput{
		Needed:     needed,
		Libraries:  make([]libraryOutput, 0, len(r.LoadOrder)),
		Unresolved: r.Unresolved,
	}
	for _, lib := range r.LoadOrder {
		out.Libraries = append(out.Libraries, libraryOutput{
			Soname:   lib.Soname,
			Path:     lib.Path,
			Resolved: lib.Resolved,
			Symbols:  r.ByLibrary[lib.Soname],
		})
	}
	for _, w := range r.Warnings {
		out.Warnings = append(out.Warnings, w.Error())
	}
	return out
}

func newImageOutput(r *analyzer.Report) imageOutput {
	out := imageOutput{Binary: r.Path, RunID: r.RunID}
	if r.Err != nil {
		out.Error = r.Err.Error()
		return out
	}
	if r.TreeErr != nil {
		out.TreeError = r.TreeErr.Error()
	}
	if r.Tree != nil {
		out.Tree = strings.Split(strings.TrimSuffix(r.Tree.String(), "\n"), "\n")
	}
	if r.Link != nil {
		out.Link = newLinkOutput(r.Image.Needed, r.Link)
	}
	return out
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return enc.Close()
}

// writeLinkText prints the load order with the symbols each library
// supplies, then the symbols no library exports.
func writeLinkText(w io.Writer, needed []string, r *elfscope.LinkReport) error {
	var sb strings.Builder
	sb.WriteString("= = = = Shared Libraries = = = =\n")
	if len(needed) == 0 {
		sb.WriteString("NO LIBRARIES REFERENCED IN .dynamic\n")
	}
	for _, lib := range r.LoadOrder {
		if lib.Resolved {
			fmt.Fprintf(&sb, " - %s\n", lib.Soname)
		} else {
			fmt.Fprintf(&sb, " - %s (not found)\n", lib.Soname)
		}
		for _, sym := range r.ByLibrary[lib.Soname] {
			fmt.Fprintf(&sb, "   - %s\n", sym)
		}
	}
	if len(r.Unresolved) > 0 {
		fmt.Fprintf(&sb, " %d symbols/functions were not found in ANY shared libraries:\n", len(r.Unresolved))
		for _, sym := range r.Unresolved {
			fmt.Fprintf(&sb, "   - %s\n", sym)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// writeReportText prints both pipelines of one report.
func writeReportText(w io.Writer, r *analyzer.Report) error {
	if _, err := fmt.Fprintf(w, "== %s ==\n", r.Path); err != nil {
		return err
	}
	if r.Err != nil {
		_, err := fmt.Fprintf(w, "error: %v\n", r.Err)
		return err
	}
	if r.TreeErr != nil {
		if _, err := fmt.Fprintf(w, "call tree: %v\n", r.TreeErr); err != nil {
			return err
		}
	} else if r.Tree != nil {
		if err := r.Tree.Render(w); err != nil {
			return err
		}
	}
	if r.Link != nil {
		return writeLinkText(w, r.Image.Needed, r.Link)
	}
	return nil
}

// writeFunctionsText prints one function range per line.
func writeFunctionsText(w io.Writer, table *elfscope.FunctionTable) error {
	var sb strings.Builder
	for _, fn := range table.Functions() {
		fmt.Fprintf(&sb, "0x%x-0x%x %s", fn.Start, fn.End, fn.Name)
		if len(fn.Aliases) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(fn.Aliases, ", "))
		}
		if fn.Synthetic {
			sb.WriteString(" [synthetic]")
		}
		sb.WriteByte('\n')
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeProloguesText(w io.Writer, prologues []elfscope.Prologue) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d likely function entries from prologue patterns:\n", len(prologues))
	for _, p := range prologues {
		fmt.Fprintf(&sb, "  0x%x [%s] %s\n", p.Address, p.Type, p.Instructions)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
