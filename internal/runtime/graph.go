package runtime

import (
	"context"
	"log/slog"

	"github.com/fernwood/operon/internal/store"
	"github.com/fernwood/operon/pkg/api"
	"github.com/fernwood/operon/pkg/log"
)

type (
	// Graph exposes the tree-structured node store to the script and
	// tracks one non-persisted active-node pointer. Every accessor
	// degrades to nil/empty/false with a log line rather than raising.
	Graph struct {
		nodes   store.NodeStore
		root    api.NodeID
		current api.NodeID
	}

	// NodeHandle wraps one persisted node for script access
	NodeHandle struct {
		graph *Graph
		node  *api.Node
	}
)

// NewGraph creates the node accessor. The root is remembered as the
// first node created without a parent.
func NewGraph(nodes store.NodeStore) *Graph {
	return &Graph{nodes: nodes}
}

// Create persists a new node, optionally under a parent, and returns
// its handle. Failures return nil.
func (g *Graph) Create(
	ctx context.Context, content string, meta map[string]any,
	parent api.NodeID,
) *NodeHandle {
	node := &api.Node{
		ParentID: parent,
		Content:  content,
		Metadata: meta,
	}
	id, err := g.nodes.Create(ctx, node)
	if err != nil {
		slog.Error("Node create failed", log.Error(err))
		return nil
	}
	node.ID = id

	if parent == "" && g.root == "" {
		g.root = id
	}
	if g.current == "" {
		g.current = id
	}
	return &NodeHandle{graph: g, node: node}
}

// Get returns a handle for the node, or nil
func (g *Graph) Get(ctx context.Context, id api.NodeID) *NodeHandle {
	node, err := g.nodes.Get(ctx, id)
	if err != nil {
		slog.Error("Node read failed", log.NodeID(id), log.Error(err))
		return nil
	}
	return &NodeHandle{graph: g, node: node}
}

// Root returns the remembered root node, or nil before any parentless
// create
func (g *Graph) Root(ctx context.Context) *NodeHandle {
	if g.root == "" {
		return nil
	}
	return g.Get(ctx, g.root)
}

// Current returns the active node, or nil
func (g *Graph) Current(ctx context.Context) *NodeHandle {
	if g.current == "" {
		return nil
	}
	return g.Get(ctx, g.current)
}

// SetCurrent repoints the active-node pointer. The pointer is run-local
// and never persisted.
func (g *Graph) SetCurrent(id api.NodeID) {
	g.current = id
}

// ID returns the node's identifier
func (h *NodeHandle) ID() api.NodeID {
	return h.node.ID
}

// Content returns the node's content
func (h *NodeHandle) Content() string {
	return h.node.Content
}

// Metadata returns the node's metadata map
func (h *NodeHandle) Metadata() map[string]any {
	return h.node.Metadata
}

// Score returns the numeric "score" metadata entry, or 0
func (h *NodeHandle) Score() float64 {
	if n, ok := toNumber(h.node.Metadata["score"]); ok {
		return n
	}
	return 0
}

// Children returns handles for the node's children; failures return an
// empty list
func (h *NodeHandle) Children(ctx context.Context) []*NodeHandle {
	children, err := h.graph.nodes.Children(ctx, h.node.ID)
	if err != nil {
		slog.Error("Node children read failed",
			log.NodeID(h.node.ID), log.Error(err))
		return nil
	}
	handles := make([]*NodeHandle, len(children))
	for i, child := range children {
		handles[i] = &NodeHandle{graph: h.graph, node: child}
	}
	return handles
}

// Parent returns the parent handle, or nil at the root
func (h *NodeHandle) Parent(ctx context.Context) *NodeHandle {
	if h.node.ParentID == "" {
		return nil
	}
	return h.graph.Get(ctx, h.node.ParentID)
}

// SetMetadata merges one key into the node's metadata; existing keys
// survive. Reports whether the write succeeded.
func (h *NodeHandle) SetMetadata(
	ctx context.Context, key string, value any,
) bool {
	err := h.graph.nodes.MergeMetadata(ctx, h.node.ID, map[string]any{
		key: value,
	})
	if err != nil {
		slog.Error("Node metadata write failed",
			log.NodeID(h.node.ID), log.Error(err))
		return false
	}
	if h.node.Metadata == nil {
		h.node.Metadata = map[string]any{}
	}
	h.node.Metadata[key] = value
	return true
}

// SetCurrent makes this node the active node
func (h *NodeHandle) SetCurrent() {
	h.graph.SetCurrent(h.node.ID)
}
