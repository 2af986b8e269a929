// Package elfscope analyzes ELF executables with x86-64 code through static,
// instruction-level inspection. It provides two independent pipelines over a
// parsed [Image]:
//
// # Call Tree
//
// Function boundaries are recovered from the symbol table by
// [ResolveFunctions]. Symbols without a declared size extend to the next known
// function start or to the end of their section; this is a heuristic, not
// ground truth. Each function is then decoded with golang.org/x/arch and its
// CALL instructions are classified by [BuildCallGraph]:
//   - Direct: immediate (relative) target
//   - IndirectResolved: RIP-relative or absolute memory slot whose pointer
//     is readable from a mapped section
//   - IndirectUnresolved: register-indirect calls and slots that are not
//     mapped or not yet relocated
//
// [FindRoot] selects the traversal root and [WalkCallTree] renders a
// depth-first tree with a path-local cycle guard.
//
// # Linking Simulation
//
// [DependencyResolver] walks the DT_NEEDED closure breadth-first in
// declaration order against prioritized search directories, and
// [MatchSymbols] binds every undefined dynamic symbol of the image to the
// first library in that load order exporting the same name. Matching is by
// name only; symbol versions are ignored.
//
// # Prologue Hints
//
// For stripped images the call tree degrades to a single synthetic function.
// [DetectPrologues] lists likely function entry points by recognizing common
// x86-64 prologue patterns, to help locate code by hand.
//
// Every analysis is best effort: decode failures, missing libraries and
// unresolved symbols are reported alongside partial results.
package elfscope
