package elfscope_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/elfscope"
)

func TestGoBinary_CallTree(t *testing.T) {
	img, err := elfscope.Open(buildDemoApp(t))
	require.NoError(t, err)

	table, err := elfscope.ResolveFunctions(img)
	require.NoError(t, err)
	require.Greater(t, table.Len(), 100)

	graph, err := elfscope.BuildCallGraph(img, table)
	require.NoError(t, err)

	root, err := elfscope.FindRoot(img, table, "main.main")
	require.NoError(t, err)

	tree := elfscope.WalkCallTree(graph, table, root, elfscope.WalkOptions{MaxDepth: 1})
	out := tree.String()
	t.Logf("call tree:\n%s", out)

	assert.True(t, strings.HasPrefix(out, "main.main (0x"))
	for _, fn := range []string{"main.add", "main.multiply", "main.subtract", "main.divide", "main.greet"} {
		assert.Contains(t, out, "\n  "+fn+" (0x", "main.main calls %s", fn)
	}

	stats := graph.Stats()
	t.Logf("edges by resolution: %v", stats)
	assert.Positive(t, stats[elfscope.ResolutionDirect])
}

func TestGoBinary_StaticLinking(t *testing.T) {
	img, err := elfscope.Open(buildDemoApp(t))
	require.NoError(t, err)

	report := elfscope.SimulateLinking(img, elfscope.NewDependencyResolver([]string{t.TempDir()}))
	assert.Empty(t, report.LoadOrder)
	assert.Empty(t, report.Resolutions)
	assert.Empty(t, report.Warnings)
}
