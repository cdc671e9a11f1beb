// Package dag implements the directed acyclic graph of a Bayesian network
// and its derived MoralGraph, adapted from lvlath's core.Graph (adjacency
// maps, amortized O(1) neighbor queries) specialized to the directed,
// no-multi-edge, no-loop case this engine needs, plus a cached moralization
// view in the style of lvlath's core/view.go derived-graph caching.
package dag

import (
	"sort"
	"sync"

	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/bnvar"
)

// DAG holds nodes and directed arcs. Node/arc mutation invalidates any
// cached MoralGraph. Safe for concurrent reads; mutation calls take a
// write lock.
type DAG struct {
	mu       sync.RWMutex
	nodes    map[bnvar.NodeId]struct{}
	children map[bnvar.NodeId]map[bnvar.NodeId]struct{}
	parents  map[bnvar.NodeId]map[bnvar.NodeId]struct{}

	moralOnce  sync.Once
	moralCache *MoralGraph
	moralDirty bool
	moralMu    sync.Mutex
}

// New creates an empty DAG.
func New() *DAG {
	return &DAG{
		nodes:    make(map[bnvar.NodeId]struct{}),
		children: make(map[bnvar.NodeId]map[bnvar.NodeId]struct{}),
		parents:  make(map[bnvar.NodeId]map[bnvar.NodeId]struct{}),
	}
}

// AddNode inserts id if absent. Idempotent.
func (g *DAG) AddNode(id bnvar.NodeId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addNodeLocked(id)
	g.invalidateMoralLocked()
}

func (g *DAG) addNodeLocked(id bnvar.NodeId) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = struct{}{}
	g.children[id] = make(map[bnvar.NodeId]struct{})
	g.parents[id] = make(map[bnvar.NodeId]struct{})
}

// RemoveNode deletes id and every arc touching it.
func (g *DAG) RemoveNode(id bnvar.NodeId) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return bnerr.Newf(bnerr.KindInput, bnerr.ErrUnknownVariable, "node %d", id)
	}
	for child := range g.children[id] {
		delete(g.parents[child], id)
	}
	for parent := range g.parents[id] {
		delete(g.children[parent], id)
	}
	delete(g.children, id)
	delete(g.parents, id)
	delete(g.nodes, id)
	g.invalidateMoralLocked()

	return nil
}

// AddArc adds a directed arc parent->child. Fails with ErrInvariantViolated
// (self-loop) or ErrCycleDetected if the arc would create a cycle.
// Both endpoints are added as nodes if absent.
func (g *DAG) AddArc(parent, child bnvar.NodeId) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if parent == child {
		return bnerr.Newf(bnerr.KindModel, bnerr.ErrInvariantViolated, "self-loop on node %d", parent)
	}
	g.addNodeLocked(parent)
	g.addNodeLocked(child)

	if _, exists := g.children[parent][child]; exists {
		return nil // idempotent
	}
	// Tentatively add, then verify acyclicity; revert on cycle.
	g.children[parent][child] = struct{}{}
	g.parents[child][parent] = struct{}{}
	if g.hasPathLocked(child, parent) {
		delete(g.children[parent], child)
		delete(g.parents[child], parent)
		return bnerr.Newf(bnerr.KindModel, bnerr.ErrCycleDetected, "arc %d->%d would create a cycle", parent, child)
	}
	g.invalidateMoralLocked()

	return nil
}

// RemoveArc deletes the arc parent->child if present.
func (g *DAG) RemoveArc(parent, child bnvar.NodeId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.children[parent] != nil {
		delete(g.children[parent], child)
	}
	if g.parents[child] != nil {
		delete(g.parents[child], parent)
	}
	g.invalidateMoralLocked()
}

func (g *DAG) hasPathLocked(from, to bnvar.NodeId) bool {
	if from == to {
		return true
	}
	visited := make(map[bnvar.NodeId]struct{})
	stack := []bnvar.NodeId{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if _, ok := visited[n]; ok {
			continue
		}
		visited[n] = struct{}{}
		for c := range g.children[n] {
			stack = append(stack, c)
		}
	}
	return false
}

func (g *DAG) invalidateMoralLocked() {
	g.moralMu.Lock()
	g.moralDirty = true
	g.moralMu.Unlock()
}

// Nodes returns all node ids in ascending order.
func (g *DAG) Nodes() []bnvar.NodeId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]bnvar.NodeId, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parents returns the parent ids of id in ascending order.
func (g *DAG) Parents(id bnvar.NodeId) []bnvar.NodeId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.parents[id])
}

// Children returns the child ids of id in ascending order.
func (g *DAG) Children(id bnvar.NodeId) []bnvar.NodeId {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.children[id])
}

func sortedKeys(m map[bnvar.NodeId]struct{}) []bnvar.NodeId {
	out := make([]bnvar.NodeId, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TopologicalOrder returns a total order consistent with every arc, or
// ErrCycleDetected if the graph is not acyclic (should not happen given
// AddArc's own cycle check, but is re-verified here defensively).
func (g *DAG) TopologicalOrder() ([]bnvar.NodeId, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	state := make(map[bnvar.NodeId]int, len(g.nodes))
	order := make([]bnvar.NodeId, 0, len(g.nodes))

	var visit func(id bnvar.NodeId) error
	visit = func(id bnvar.NodeId) error {
		switch state[id] {
		case gray:
			return bnerr.Newf(bnerr.KindModel, bnerr.ErrCycleDetected, "cycle through node %d", id)
		case black:
			return nil
		}
		state[id] = gray
		for _, c := range sortedKeys(g.children[id]) {
			if err := visit(c); err != nil {
				return err
			}
		}
		state[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range g.Nodes() {
		if state[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	// Reverse post-order to obtain topological order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Moral returns the (cached) MoralGraph induced by this DAG, recomputing
// it if the DAG has been mutated since the last call.
func (g *DAG) Moral() *MoralGraph {
	g.moralMu.Lock()
	defer g.moralMu.Unlock()
	if g.moralCache == nil || g.moralDirty {
		g.moralCache = g.computeMoral()
		g.moralDirty = false
	}
	return g.moralCache
}

func (g *DAG) computeMoral() *MoralGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	mg := newMoralGraph()
	for id := range g.nodes {
		mg.addNode(id)
	}
	for id := range g.nodes {
		for c := range g.children[id] {
			mg.addEdge(id, c)
		}
	}
	// Connect every pair of co-parents of each node.
	for child := range g.nodes {
		ps := sortedKeys(g.parents[child])
		for i := 0; i < len(ps); i++ {
			for j := i + 1; j < len(ps); j++ {
				mg.addEdge(ps[i], ps[j])
			}
		}
	}
	return mg
}

// MoralGraph is the undirected graph obtained from a DAG by connecting
// co-parents and dropping arc direction.
type MoralGraph struct {
	adj map[bnvar.NodeId]map[bnvar.NodeId]struct{}
}

func newMoralGraph() *MoralGraph {
	return &MoralGraph{adj: make(map[bnvar.NodeId]map[bnvar.NodeId]struct{})}
}

func (mg *MoralGraph) addNode(id bnvar.NodeId) {
	if _, ok := mg.adj[id]; !ok {
		mg.adj[id] = make(map[bnvar.NodeId]struct{})
	}
}

func (mg *MoralGraph) addEdge(u, v bnvar.NodeId) {
	if u == v {
		return
	}
	mg.addNode(u)
	mg.addNode(v)
	mg.adj[u][v] = struct{}{}
	mg.adj[v][u] = struct{}{}
}

// Nodes returns all node ids in ascending order.
func (mg *MoralGraph) Nodes() []bnvar.NodeId {
	out := make([]bnvar.NodeId, 0, len(mg.adj))
	for id := range mg.adj {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Neighbors returns the neighbor ids of id in ascending order.
// Complexity: amortized O(deg(id)).
func (mg *MoralGraph) Neighbors(id bnvar.NodeId) []bnvar.NodeId {
	return sortedKeys(mg.adj[id])
}

// HasEdge reports whether u and v are adjacent.
func (mg *MoralGraph) HasEdge(u, v bnvar.NodeId) bool {
	_, ok := mg.adj[u][v]
	return ok
}

// AddEdge connects u and v, adding either as a node if absent. Used by
// the triangulator to record fill-in edges during elimination.
func (mg *MoralGraph) AddEdge(u, v bnvar.NodeId) { mg.addEdge(u, v) }

// Clone returns a deep copy, used by the triangulator which destructively
// eliminates nodes from a working copy of the moral graph.
func (mg *MoralGraph) Clone() *MoralGraph {
	cp := newMoralGraph()
	for u, nbrs := range mg.adj {
		cp.addNode(u)
		for v := range nbrs {
			cp.addEdge(u, v)
		}
	}
	return cp
}

// RemoveNode deletes id and its incident edges from the graph. Used by
// the elimination-order search.
func (mg *MoralGraph) RemoveNode(id bnvar.NodeId) {
	for v := range mg.adj[id] {
		delete(mg.adj[v], id)
	}
	delete(mg.adj, id)
}

// Degree returns len(Neighbors(id)).
func (mg *MoralGraph) Degree(id bnvar.NodeId) int { return len(mg.adj[id]) }
