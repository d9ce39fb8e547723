package runtime_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwood/operon/internal/assert/helpers"
	"github.com/fernwood/operon/internal/runtime"
)

func TestGraphCreateAndTraverse(t *testing.T) {
	env := helpers.NewTestEnv(t)
	graph := runtime.NewGraph(env.Stores.Nodes)

	root := graph.Create(t.Context(), "start here", nil, "")
	require.NotNil(t, root)

	left := graph.Create(t.Context(), "option a",
		map[string]any{"score": 0.7}, root.ID())
	right := graph.Create(t.Context(), "option b",
		map[string]any{"score": 0.9}, root.ID())
	require.NotNil(t, left)
	require.NotNil(t, right)

	children := root.Children(t.Context())
	require.Len(t, children, 2)

	t.Run("parent walks back up", func(t *testing.T) {
		parent := left.Parent(t.Context())
		require.NotNil(t, parent)
		assert.Equal(t, root.ID(), parent.ID())
		assert.Nil(t, parent.Parent(t.Context()))
	})

	t.Run("score reads metadata", func(t *testing.T) {
		assert.InDelta(t, 0.9, right.Score(), 0.0001)
		assert.Zero(t, root.Score())
	})
}

func TestGraphRootAndCurrent(t *testing.T) {
	env := helpers.NewTestEnv(t)
	graph := runtime.NewGraph(env.Stores.Nodes)

	assert.Nil(t, graph.Root(t.Context()))
	assert.Nil(t, graph.Current(t.Context()))

	root := graph.Create(t.Context(), "root", nil, "")
	child := graph.Create(t.Context(), "child", nil, root.ID())

	got := graph.Root(t.Context())
	require.NotNil(t, got)
	assert.Equal(t, root.ID(), got.ID())

	current := graph.Current(t.Context())
	require.NotNil(t, current)
	assert.Equal(t, root.ID(), current.ID())

	t.Run("set_current repoints", func(t *testing.T) {
		child.SetCurrent()
		current := graph.Current(t.Context())
		require.NotNil(t, current)
		assert.Equal(t, child.ID(), current.ID())
	})
}

func TestGraphSetMetadataMerges(t *testing.T) {
	env := helpers.NewTestEnv(t)
	graph := runtime.NewGraph(env.Stores.Nodes)

	node := graph.Create(t.Context(), "draft",
		map[string]any{"status": "pending"}, "")
	require.NotNil(t, node)

	assert.True(t, node.SetMetadata(t.Context(), "score", 0.5))
	assert.True(t, node.SetMetadata(t.Context(), "status", "reviewed"))

	reread := graph.Get(t.Context(), node.ID())
	require.NotNil(t, reread)
	assert.Equal(t, "reviewed", reread.Metadata()["status"])
	assert.InDelta(t, 0.5, reread.Score(), 0.0001)
}

func TestGraphDegradesToNil(t *testing.T) {
	env := helpers.NewTestEnv(t)
	graph := runtime.NewGraph(env.Stores.Nodes)

	assert.Nil(t, graph.Get(t.Context(), "no-such-node"))
}
