package elfscope

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// LibcStartMain is the glibc startup routine that may be requested as a root.
const LibcStartMain = "__libc_start_main"

// LineKind distinguishes the lines of a call tree.
type LineKind int

// Line kinds.
const (
	LineFunction LineKind = iota
	// LineCycle marks a callee already on the current path.
	LineCycle
	// LineTruncated marks a branch cut by WalkOptions limits.
	LineTruncated
)

// TreeLine is one line of a rendered call tree.
type TreeLine struct {
	Kind  LineKind `json:"kind" yaml:"kind"`
	Depth int      `json:"depth" yaml:"depth"`
	Addr  uint64   `json:"addr,omitempty" yaml:"addr,omitempty"`
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
}

// CallTree is the depth-first expansion of a call graph from a root.
type CallTree struct {
	Root  uint64     `json:"root" yaml:"root"`
	Lines []TreeLine `json:"lines" yaml:"lines"`
}

// Cycles returns the number of cycle markers in the tree.
func (t *CallTree) Cycles() int {
	n := 0
	for _, l := range t.Lines {
		if l.Kind == LineCycle {
			n++
		}
	}
	return n
}

// WalkOptions bounds a call tree walk. Zero values mean unbounded.
type WalkOptions struct {
	MaxDepth int
	MaxLines int
}

// FindRoot selects the address the call tree starts from, in priority order:
// a function named name, __libc_start_main when it is the requested name
// and defined anywhere in the symbol table, the entry point when it lies in
// executable code, and finally main. An empty name skips the first two.
func FindRoot(img *Image, table *FunctionTable, name string) (uint64, error) {
	if name != "" {
		if addr, ok := table.ByName(name); ok {
			return addr, nil
		}
		if name == LibcStartMain {
			for _, s := range img.SymbolsNamed(LibcStartMain) {
				if s.Addr != 0 {
					return s.Addr, nil
				}
			}
		}
	}
	if img.Entry != 0 && img.InCode(img.Entry) {
		return img.Entry, nil
	}
	if addr, ok := table.ByName("main"); ok {
		return addr, nil
	}
	if name == "" {
		return 0, ErrRootNotFound
	}
	return 0, fmt.Errorf("%w: %q", ErrRootNotFound, name)
}

// WalkCallTree expands graph depth-first from root. Only addresses on the
// current root-to-node path count as visited: a callee already on the path
// is printed once more followed by a cycle marker and is not descended,
// while the same function reached through a sibling branch is expanded
// again.
func WalkCallTree(graph *CallGraph, table *FunctionTable, root uint64, opts WalkOptions) *CallTree {
	type frame struct {
		addr    uint64
		depth   int
		callees []uint64
		next    int
	}

	tree := &CallTree{Root: root}
	full := func() bool {
		return opts.MaxLines > 0 && len(tree.Lines) >= opts.MaxLines
	}
	emit := func(kind LineKind, depth int, addr uint64) {
		l := TreeLine{Kind: kind, Depth: depth}
		if kind == LineFunction {
			l.Addr = addr
			l.Name = table.Name(addr)
		}
		tree.Lines = append(tree.Lines, l)
	}

	onPath := map[uint64]bool{root: true}
	emit(LineFunction, 0, root)
	stack := []*frame{{addr: root, callees: graph.Callees(root)}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next >= len(top.callees) {
			stack = stack[:len(stack)-1]
			delete(onPath, top.addr)
			continue
		}
		if full() {
			emit(LineTruncated, top.depth+1, 0)
			break
		}

		callee := top.callees[top.next]
		top.next++
		depth := top.depth + 1

		emit(LineFunction, depth, callee)
		if onPath[callee] {
			emit(LineCycle, depth+1, 0)
			continue
		}
		callees := graph.Callees(callee)
		if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
			if len(callees) > 0 {
				emit(LineTruncated, depth+1, 0)
			}
			continue
		}

		onPath[callee] = true
		stack = append(stack, &frame{addr: callee, depth: depth, callees: callees})
	}

	return tree
}

// Render writes the tree as indented text, two spaces per level:
//
//	main (0x1000)
//	  helper (0x2000)
func (t *CallTree) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, l := range t.Lines {
		indent := strings.Repeat("  ", l.Depth)
		var err error
		switch l.Kind {
		case LineCycle:
			_, err = fmt.Fprintf(bw, "%s(recursive/cycle detected)\n", indent)
		case LineTruncated:
			_, err = fmt.Fprintf(bw, "%s(truncated)\n", indent)
		default:
			_, err = fmt.Fprintf(bw, "%s%s (0x%x)\n", indent, l.Name, l.Addr)
		}
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

// String renders the tree.
func (t *CallTree) String() string {
	var sb strings.Builder
	_ = t.Render(&sb)
	return sb.String()
}
