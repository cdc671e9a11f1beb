// Package triangulate computes an elimination order, a chordal
// completion, and the resulting junction tree (or forest) from a
// dag.MoralGraph, per spec.md §3/§4.E.
//
// The algorithm is the classical SimplicialSet-driven greedy elimination
// used by aGrUM's default triangulation heuristic (see
// original_source/src/agrum/base/graphs/algorithms/triangulations/), with
// deterministic, spec-mandated tie-breaking by lowest NodeId.
package triangulate

import (
	"context"
	"math"
	"sort"

	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/bnvar"
	"github.com/katalvlaran/bnexact/config"
	"github.com/katalvlaran/bnexact/dag"
)

// ProgressFunc receives (phase, done, total) as the triangulator makes
// progress and may return true to request cancellation. It replaces the
// listener/signal mechanism of the original implementation with an
// explicit callback (spec.md §9).
type ProgressFunc func(phase string, done, total int) (cancel bool)

// CliqueId identifies a clique within a JunctionTree. It is the NodeId of
// the BayesNet variable whose elimination created the clique (after any
// merge-absorption into an ancestor has been resolved).
type CliqueId = bnvar.NodeId

// Clique is a set of variables, mutually connected in the chordal graph.
type Clique struct {
	ID   CliqueId
	Vars bnvar.Set
}

// JunctionTree is an acyclic undirected graph of Cliques whose edges
// carry separators (the intersection of their endpoint cliques).
type JunctionTree struct {
	cliques       map[CliqueId]*Clique
	edges         map[CliqueId]map[CliqueId]bnvar.Set
	createdClique map[bnvar.NodeId]CliqueId
	roots         []CliqueId
}

func newJunctionTree() *JunctionTree {
	return &JunctionTree{
		cliques:       make(map[CliqueId]*Clique),
		edges:         make(map[CliqueId]map[CliqueId]bnvar.Set),
		createdClique: make(map[bnvar.NodeId]CliqueId),
	}
}

// Cliques returns every clique id, ascending.
func (jt *JunctionTree) Cliques() []CliqueId {
	out := make([]CliqueId, 0, len(jt.cliques))
	for id := range jt.cliques {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clique returns the clique registered under id.
func (jt *JunctionTree) Clique(id CliqueId) (*Clique, bool) {
	c, ok := jt.cliques[id]
	return c, ok
}

// Neighbors returns the adjacent clique ids of id, ascending.
func (jt *JunctionTree) Neighbors(id CliqueId) []CliqueId {
	out := make([]CliqueId, 0, len(jt.edges[id]))
	for n := range jt.edges[id] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Separator returns the separator variable set labeling the edge a-b, and
// whether that edge exists.
func (jt *JunctionTree) Separator(a, b CliqueId) (bnvar.Set, bool) {
	s, ok := jt.edges[a][b]
	return s, ok
}

// CreatedClique returns the clique that "created" BN node x: the clique
// formed when x was eliminated, holding x and the neighbours x still had
// at that point. A parent of x eliminated before x is not in it, so it
// does not always contain x's family.
func (jt *JunctionTree) CreatedClique(x bnvar.NodeId) (CliqueId, bool) {
	id, ok := jt.createdClique[x]
	return id, ok
}

// Roots returns one clique id per connected component: the
// smallest-log-weight clique in that component, tie-broken by lowest id.
func (jt *JunctionTree) Roots() []CliqueId {
	out := append([]CliqueId(nil), jt.roots...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Triangulator computes junction trees from moral graphs according to
// the configured elimination policy.
type Triangulator struct {
	opts config.Options
}

// New builds a Triangulator with the given options.
func New(opts config.Options) *Triangulator { return &Triangulator{opts: opts} }

// DomainSize reports the label count of a variable by NodeId; supplied by
// the caller (typically the owning BayesNet) since triangulate has no
// Variable registry of its own.
type DomainSize func(bnvar.NodeId) int

// Run triangulates moral and returns its junction tree/forest. An empty
// graph yields an empty, valid JunctionTree. ctx is checked at node
// boundaries (the only granularity this phase has).
func (tr *Triangulator) Run(ctx context.Context, moral *dag.MoralGraph, domSize DomainSize, progress ProgressFunc) (*JunctionTree, error) {
	working := moral.Clone()
	nodes := working.Nodes()
	total := len(nodes)
	if total == 0 {
		return newJunctionTree(), nil
	}

	order := make([]bnvar.NodeId, 0, total)
	rank := make(map[bnvar.NodeId]int, total)
	createdClique := make(map[bnvar.NodeId]bnvar.Set, total)
	bestSimplicialSeen := math.Inf(1)

	stageIdx, stageRemaining := tr.initPartialOrder(nodes)

	for step := 0; step < total; step++ {
		if err := checkCancel(ctx); err != nil {
			return nil, err
		}
		if progress != nil && progress("triangulate", step, total) {
			return nil, bnerr.New(bnerr.KindRuntime, bnerr.ErrCancelled, "triangulation cancelled by progress callback")
		}

		v, err := tr.selectNode(working, domSize, &bestSimplicialSeen, stageIdx, stageRemaining)
		if err != nil {
			return nil, err
		}

		nbrs := working.Neighbors(v)
		fillIn(working, nbrs)

		clique := bnvar.NewSet(v)
		for _, n := range nbrs {
			clique[n] = struct{}{}
		}
		createdClique[v] = clique

		rank[v] = step
		order = append(order, v)
		working.RemoveNode(v)
		tr.advancePartialOrder(v, stageRemaining)
	}

	return buildJunctionTree(order, rank, createdClique, tr.opts.Minimality, domSize)
}

func checkCancel(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return bnerr.New(bnerr.KindRuntime, bnerr.ErrCancelled, ctx.Err().Error())
	default:
		return nil
	}
}

// initPartialOrder prepares bookkeeping for the PartialOrdered policy: a
// per-node stage index and, per stage, the set of nodes not yet
// eliminated. For Unconstrained and Ordered policies stageRemaining is
// left empty and every node is eligible throughout.
func (tr *Triangulator) initPartialOrder(nodes []bnvar.NodeId) (map[bnvar.NodeId]int, []map[bnvar.NodeId]struct{}) {
	if tr.opts.TriangulationPolicy != config.PartialOrdered || len(tr.opts.PartialOrder) == 0 {
		return nil, nil
	}
	stageIdx := make(map[bnvar.NodeId]int, len(nodes))
	remaining := make([]map[bnvar.NodeId]struct{}, len(tr.opts.PartialOrder))
	for i, stage := range tr.opts.PartialOrder {
		remaining[i] = make(map[bnvar.NodeId]struct{}, len(stage))
		for _, raw := range stage {
			id := bnvar.NodeId(raw)
			stageIdx[id] = i
			remaining[i][id] = struct{}{}
		}
	}
	return stageIdx, remaining
}

func (tr *Triangulator) advancePartialOrder(v bnvar.NodeId, remaining []map[bnvar.NodeId]struct{}) {
	if remaining == nil {
		return
	}
	for _, stage := range remaining {
		delete(stage, v)
	}
}

// eligibleForPartialOrder reports whether v may be eliminated now: every
// earlier stage must be fully eliminated.
func eligibleForPartialOrder(v bnvar.NodeId, stageIdx map[bnvar.NodeId]int, remaining []map[bnvar.NodeId]struct{}) bool {
	if stageIdx == nil {
		return true
	}
	stage, tracked := stageIdx[v]
	if !tracked {
		return true
	}
	for i := 0; i < stage; i++ {
		if len(remaining[i]) > 0 {
			return false
		}
	}
	return true
}

type candidate struct {
	id     bnvar.NodeId
	weight float64
}

func pickMin(cands []candidate) (candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.weight < best.weight || (c.weight == best.weight && c.id < best.id) {
			best = c
		}
	}
	return best, true
}

func logWeight(g *dag.MoralGraph, v bnvar.NodeId, domSize DomainSize) float64 {
	w := math.Log(float64(domSize(v)))
	for _, n := range g.Neighbors(v) {
		w += math.Log(float64(domSize(n)))
	}
	return w
}

// missingPairs counts pairs within nbrs that are not adjacent in g, and
// returns the two endpoints of the first missing pair found (used by the
// almost-simplicial test).
func missingPairs(g *dag.MoralGraph, nbrs []bnvar.NodeId) (count int, firstA, firstB bnvar.NodeId) {
	firstSet := false
	for i := 0; i < len(nbrs); i++ {
		for j := i + 1; j < len(nbrs); j++ {
			if !g.HasEdge(nbrs[i], nbrs[j]) {
				count++
				if !firstSet {
					firstA, firstB = nbrs[i], nbrs[j]
					firstSet = true
				}
			}
		}
	}
	return count, firstA, firstB
}

// isAlmostSimplicial reports whether all missing pairs within nbrs share
// a single common endpoint z, i.e. nbrs \ {z} is a clique.
func isAlmostSimplicial(g *dag.MoralGraph, nbrs []bnvar.NodeId, missing int, firstA, firstB bnvar.NodeId) bool {
	if missing == 0 {
		return false // simplicial already, not "almost"
	}
	for _, z := range []bnvar.NodeId{firstA, firstB} {
		rest := make([]bnvar.NodeId, 0, len(nbrs)-1)
		for _, n := range nbrs {
			if n != z {
				rest = append(rest, n)
			}
		}
		if restMissing, _, _ := missingPairs(g, rest); restMissing == 0 {
			return true
		}
	}
	return false
}

func (tr *Triangulator) selectNode(g *dag.MoralGraph, domSize DomainSize, bestSimplicialSeen *float64, stageIdx map[bnvar.NodeId]int, stageRemaining []map[bnvar.NodeId]struct{}) (bnvar.NodeId, error) {
	nodes := g.Nodes()

	if tr.opts.TriangulationPolicy == config.Ordered && len(tr.opts.TotalOrder) > 0 {
		return tr.selectFromTotalOrder(g)
	}

	var simplicials, almosts, quasis, others []candidate
	for _, v := range nodes {
		if !eligibleForPartialOrder(v, stageIdx, stageRemaining) {
			continue
		}
		w := logWeight(g, v, domSize)
		nbrs := g.Neighbors(v)
		missing, a, b := missingPairs(g, nbrs)

		switch {
		case missing == 0:
			simplicials = append(simplicials, candidate{v, w})
		case isAlmostSimplicial(g, nbrs, missing, a, b):
			almosts = append(almosts, candidate{v, w})
		default:
			cliqueEdges := len(nbrs) * (len(nbrs) - 1) / 2
			ratio := 1.0
			if cliqueEdges > 0 {
				ratio = float64(missing) / float64(cliqueEdges)
			}
			if ratio <= tr.opts.QuasiRatio {
				quasis = append(quasis, candidate{v, w})
			} else {
				others = append(others, candidate{v, w})
			}
		}
	}

	if c, ok := pickMin(simplicials); ok {
		if c.weight < *bestSimplicialSeen {
			*bestSimplicialSeen = c.weight
		}
		return c.id, nil
	}
	if c, ok := pickMin(almosts); ok && c.weight <= *bestSimplicialSeen+tr.opts.WeightThreshold {
		return c.id, nil
	}
	if c, ok := pickMin(quasis); ok && c.weight <= *bestSimplicialSeen+tr.opts.WeightThreshold {
		return c.id, nil
	}

	all := append(append(append([]candidate{}, simplicials...), almosts...), quasis...)
	all = append(all, others...)
	if c, ok := pickMin(all); ok {
		return c.id, nil
	}

	return 0, bnerr.New(bnerr.KindProgramming, bnerr.ErrInvariantViolated, "no eligible node to eliminate (PartialOrdered stage deadlock)")
}

func (tr *Triangulator) selectFromTotalOrder(g *dag.MoralGraph) (bnvar.NodeId, error) {
	remaining := make(map[bnvar.NodeId]struct{})
	for _, n := range g.Nodes() {
		remaining[n] = struct{}{}
	}
	for _, raw := range tr.opts.TotalOrder {
		id := bnvar.NodeId(raw)
		if _, ok := remaining[id]; ok {
			return id, nil
		}
	}
	return 0, bnerr.New(bnerr.KindInput, bnerr.ErrInvariantViolated, "Ordered policy's total order does not cover all remaining nodes")
}

func fillIn(g *dag.MoralGraph, nbrs []bnvar.NodeId) {
	for i := 0; i < len(nbrs); i++ {
		for j := i + 1; j < len(nbrs); j++ {
			if !g.HasEdge(nbrs[i], nbrs[j]) {
				g.AddEdge(nbrs[i], nbrs[j])
			}
		}
	}
}

// buildJunctionTree collapses the elimination tree bottom-up: whenever a
// clique is a subset of its elimination-tree parent, it is dropped and
// its edges are reattached to the parent (spec.md §4.E step 4).
func buildJunctionTree(order []bnvar.NodeId, rank map[bnvar.NodeId]int, createdClique map[bnvar.NodeId]bnvar.Set, minimality bool, domSize DomainSize) (*JunctionTree, error) {
	parent := make(map[bnvar.NodeId]bnvar.NodeId, len(order))
	hasParent := make(map[bnvar.NodeId]bool, len(order))

	for _, v := range order {
		var best bnvar.NodeId
		bestRank := -1
		for u := range createdClique[v] {
			if u == v {
				continue
			}
			if r, ok := rank[u]; ok && (bestRank == -1 || r < bestRank) {
				best = u
				bestRank = r
			}
		}
		if bestRank >= 0 {
			parent[v] = best
			hasParent[v] = true
		}
	}

	absorbed := make(map[bnvar.NodeId]bool, len(order))
	for _, v := range order {
		if !hasParent[v] {
			continue
		}
		p := parent[v]
		if isSubset(createdClique[v], createdClique[p]) {
			absorbed[v] = true
		}
	}

	var active func(v bnvar.NodeId) bnvar.NodeId
	memo := make(map[bnvar.NodeId]bnvar.NodeId, len(order))
	active = func(v bnvar.NodeId) bnvar.NodeId {
		if a, ok := memo[v]; ok {
			return a
		}
		result := v
		if absorbed[v] && hasParent[v] {
			result = active(parent[v])
		}
		memo[v] = result
		return result
	}

	jt := newJunctionTree()
	for _, v := range order {
		if absorbed[v] {
			continue
		}
		jt.cliques[v] = &Clique{ID: v, Vars: createdClique[v]}
	}
	for x := range createdClique {
		jt.createdClique[x] = active(x)
	}

	for _, v := range order {
		if absorbed[v] {
			continue
		}
		if !hasParent[v] {
			continue
		}
		p := active(parent[v])
		if p == v {
			continue
		}
		addEdge(jt, v, p, createdClique[v], createdClique[p])
	}

	if minimality {
		dropSubsumedCliques(jt)
	}

	assignRoots(jt, domSize)

	return jt, nil
}

func isSubset(a, b bnvar.Set) bool {
	for id := range a {
		if !b.Contains(id) {
			return false
		}
	}
	return true
}

func addEdge(jt *JunctionTree, a, b bnvar.NodeId, aVars, bVars bnvar.Set) {
	sep := make(bnvar.Set)
	for id := range aVars {
		if bVars.Contains(id) {
			sep[id] = struct{}{}
		}
	}
	if jt.edges[a] == nil {
		jt.edges[a] = make(map[bnvar.NodeId]bnvar.Set)
	}
	if jt.edges[b] == nil {
		jt.edges[b] = make(map[bnvar.NodeId]bnvar.Set)
	}
	jt.edges[a][b] = sep
	jt.edges[b][a] = sep
}

// dropSubsumedCliques removes any remaining clique that is a subset of a
// neighboring clique (the optional minimality flag of spec.md §3).
func dropSubsumedCliques(jt *JunctionTree) {
	changed := true
	for changed {
		changed = false
		for _, id := range jt.Cliques() {
			c, ok := jt.cliques[id]
			if !ok {
				continue
			}
			for _, nb := range jt.Neighbors(id) {
				nc := jt.cliques[nb]
				if nc == nil || nb == id {
					continue
				}
				if isSubset(c.Vars, nc.Vars) && !(isSubset(nc.Vars, c.Vars) && nb < id) {
					mergeInto(jt, id, nb)
					changed = true
					break
				}
			}
			if changed {
				break
			}
		}
	}
}

func mergeInto(jt *JunctionTree, from, into bnvar.NodeId) {
	for nb, sep := range jt.edges[from] {
		if nb == into {
			continue
		}
		other := jt.cliques[into]
		newSep := make(bnvar.Set)
		for id := range sep {
			if other.Vars.Contains(id) {
				newSep[id] = struct{}{}
			}
		}
		if jt.edges[into] == nil {
			jt.edges[into] = make(map[bnvar.NodeId]bnvar.Set)
		}
		jt.edges[into][nb] = newSep
		if jt.edges[nb] == nil {
			jt.edges[nb] = make(map[bnvar.NodeId]bnvar.Set)
		}
		jt.edges[nb][into] = newSep
		delete(jt.edges[nb], from)
	}
	delete(jt.edges, from)
	for other := range jt.edges {
		delete(jt.edges[other], from)
	}
	delete(jt.cliques, from)
	for x, cid := range jt.createdClique {
		if cid == from {
			jt.createdClique[x] = into
		}
	}
}

// assignRoots picks, per connected component of the final junction
// forest, the clique of smallest log-weight (spec.md §4.E: Σ log|dom(x)|
// over the clique's variables), tie-broken by lowest id.
func assignRoots(jt *JunctionTree, domSize DomainSize) {
	visited := make(map[bnvar.NodeId]bool)
	for _, start := range jt.Cliques() {
		if visited[start] {
			continue
		}
		var component []bnvar.NodeId
		stack := []bnvar.NodeId{start}
		visited[start] = true
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, n)
			for _, nb := range jt.Neighbors(n) {
				if !visited[nb] {
					visited[nb] = true
					stack = append(stack, nb)
				}
			}
		}
		sort.Slice(component, func(i, j int) bool { return component[i] < component[j] })
		best := component[0]
		bestWeight := cliqueWeight(jt.cliques[best], domSize)
		for _, id := range component[1:] {
			w := cliqueWeight(jt.cliques[id], domSize)
			if w < bestWeight {
				best = id
				bestWeight = w
			}
		}
		jt.roots = append(jt.roots, best)
	}
}

// cliqueWeight is Σ_{x∈c.Vars} log|dom(x)|, the same log-domain weight
// logWeight uses during elimination-order selection and
// MaxLogCliqueDomainSize uses as its tree-wide diagnostic.
func cliqueWeight(c *Clique, domSize DomainSize) float64 {
	var w float64
	for v := range c.Vars {
		w += math.Log(float64(domSize(v)))
	}
	return w
}

// MaxLogCliqueDomainSize returns the natural-log domain size of the
// largest clique in jt, a diagnostic for triangulation quality grounded
// on original_source's Triangulation::maxLog10CliqueDomainSize (there
// base-10; here natural log, matching this package's own log-weight
// arithmetic).
func MaxLogCliqueDomainSize(jt *JunctionTree, domSize DomainSize) float64 {
	var maxW float64
	for _, id := range jt.Cliques() {
		c := jt.cliques[id]
		var w float64
		for v := range c.Vars {
			w += math.Log(float64(domSize(v)))
		}
		if w > maxW {
			maxW = w
		}
	}
	return maxW
}
