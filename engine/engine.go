// Package engine implements the Shafer-Shenoy junction-tree inference
// engine of spec.md §4.G: evidence management, clique-potential
// initialization, collect/diffuse message passing, posterior extraction,
// and incremental re-propagation when only evidence changes.
//
// The engine holds no lock of its own and is not safe for concurrent use;
// bayesnet.BayesNet serializes every call into it with its own mutex. Its
// lifecycle is the Unready/Ready/Propagated/Stale state machine below.
package engine

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/bnvar"
	"github.com/katalvlaran/bnexact/config"
	"github.com/katalvlaran/bnexact/dag"
	"github.com/katalvlaran/bnexact/factor"
	"github.com/katalvlaran/bnexact/schedule"
	"github.com/katalvlaran/bnexact/triangulate"
)

// Model is what the engine needs from a BayesNet: its variables, DAG, and
// per-node conditional tables. bayesnet.BayesNet implements this
// interface; the engine package never imports bayesnet, so a BayesNet
// can embed an Engine without an import cycle.
type Model interface {
	Variable(id bnvar.NodeId) (bnvar.Variable, bool)
	DAG() *dag.DAG
	CPT(x bnvar.NodeId) (*factor.Factor, bool)
	Nodes() []bnvar.NodeId
}

// EvidenceKind distinguishes hard (single-label) from soft (likelihood
// vector) evidence.
type EvidenceKind int

const (
	Hard EvidenceKind = iota
	Soft
)

// State is the engine's position in its Unready -> Ready -> Propagated
// <-> Stale lifecycle (spec.md §4.G).
type State int

const (
	Unready State = iota
	Ready
	Propagated
	Stale
)

func (s State) String() string {
	switch s {
	case Unready:
		return "Unready"
	case Ready:
		return "Ready"
	case Propagated:
		return "Propagated"
	case Stale:
		return "Stale"
	default:
		return "Unknown"
	}
}

type evidenceEntry struct {
	kind EvidenceKind
	hard int
	soft []float64
}

type msgKey struct {
	from, to triangulate.CliqueId
}

// Engine runs exact inference over a Model. Not safe for concurrent use:
// Posterior and EvidenceProbability may propagate and so mutate the
// engine's state just as SetEvidence/EraseEvidence do, so every call
// needs exclusive access (bayesnet.BayesNet takes its write lock for each).
type Engine struct {
	model Model
	opts  config.Options
	log   zerolog.Logger

	state     State
	poisoned  error
	jt        *triangulate.JunctionTree
	evidence  map[bnvar.NodeId]evidenceEntry
	dirty     map[triangulate.CliqueId]bool

	psi      map[triangulate.CliqueId]*factor.Factor
	messages map[msgKey]*factor.Factor
	valid    map[msgKey]bool
	belief   map[triangulate.CliqueId]*factor.Factor

	roots    []triangulate.CliqueId
	parent   map[triangulate.CliqueId]triangulate.CliqueId
	hasParent map[triangulate.CliqueId]bool
	children map[triangulate.CliqueId][]triangulate.CliqueId
	postOrder []triangulate.CliqueId
	preOrder  []triangulate.CliqueId

	evidenceMass float64
}

// New builds an Engine over model, starting Unready.
func New(model Model, opts config.Options) *Engine {
	return &Engine{
		model:    model,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "engine").Logger(),
		state:    Unready,
		evidence: make(map[bnvar.NodeId]evidenceEntry),
		dirty:    make(map[triangulate.CliqueId]bool),
		psi:      make(map[triangulate.CliqueId]*factor.Factor),
		messages: make(map[msgKey]*factor.Factor),
		valid:    make(map[msgKey]bool),
		belief:   make(map[triangulate.CliqueId]*factor.Factor),
		evidenceMass: 1,
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// Reset clears a poisoned engine back to Unready, discarding the
// junction tree, evidence, and all cached potentials/messages.
func (e *Engine) Reset() {
	e.poisoned = nil
	e.state = Unready
	e.evidence = make(map[bnvar.NodeId]evidenceEntry)
	e.dirty = make(map[triangulate.CliqueId]bool)
	e.psi = make(map[triangulate.CliqueId]*factor.Factor)
	e.messages = make(map[msgKey]*factor.Factor)
	e.valid = make(map[msgKey]bool)
	e.belief = make(map[triangulate.CliqueId]*factor.Factor)
	e.jt = nil
}

// SetEvidence records hard or soft evidence for x, marking the engine
// Stale if it had already propagated.
func (e *Engine) SetEvidence(x bnvar.NodeId, kind EvidenceKind, hardIndex int, softVector []float64) error {
	if e.poisoned != nil {
		return e.poisoned
	}
	v, ok := e.model.Variable(x)
	if !ok {
		return bnerr.Newf(bnerr.KindInput, bnerr.ErrEvidenceOnUnknownVariable, "variable %d", x)
	}
	switch kind {
	case Hard:
		if hardIndex < 0 || hardIndex >= v.DomainSize() {
			return bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidEvidenceVector, "hard evidence index %d out of range for %q (domain %d)", hardIndex, v.Name(), v.DomainSize())
		}
		e.evidence[x] = evidenceEntry{kind: Hard, hard: hardIndex}
	case Soft:
		if len(softVector) != v.DomainSize() {
			return bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidEvidenceVector, "expected length %d, got %d for %q", v.DomainSize(), len(softVector), v.Name())
		}
		for _, val := range softVector {
			if val < 0 || math.IsNaN(val) || math.IsInf(val, 0) {
				return bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidEvidenceVector, "entry %g is negative or non-finite", val)
			}
		}
		e.evidence[x] = evidenceEntry{kind: Soft, soft: append([]float64(nil), softVector...)}
	default:
		return bnerr.Newf(bnerr.KindProgramming, bnerr.ErrInvariantViolated, "unknown evidence kind %d", kind)
	}
	e.markDirty(x)
	return nil
}

// EraseEvidence removes evidence for x, marking the engine Stale if it
// had already propagated.
func (e *Engine) EraseEvidence(x bnvar.NodeId) {
	if e.poisoned != nil {
		return
	}
	if _, ok := e.evidence[x]; !ok {
		return
	}
	delete(e.evidence, x)
	e.markDirty(x)
}

// EraseAllEvidence removes every evidence entry.
func (e *Engine) EraseAllEvidence() {
	if e.poisoned != nil {
		return
	}
	for x := range e.evidence {
		e.markDirty(x)
	}
	e.evidence = make(map[bnvar.NodeId]evidenceEntry)
}

func (e *Engine) markDirty(x bnvar.NodeId) {
	if e.jt == nil {
		return // still Unready: the next ensureReady rebuilds from scratch
	}
	if cid, ok := e.jt.CreatedClique(x); ok {
		e.dirty[cid] = true
		if e.state == Propagated {
			e.state = Stale
		}
	}
}

// Posterior returns the normalized marginal over vars, which must be a
// subset of some clique's variables.
func (e *Engine) Posterior(ctx context.Context, vars bnvar.Set) (*factor.Factor, error) {
	if e.poisoned != nil {
		return nil, e.poisoned
	}
	if err := e.ensurePropagated(ctx); err != nil {
		return nil, err
	}
	if e.evidenceMass == 0 {
		return nil, bnerr.New(bnerr.KindRuntime, bnerr.ErrZeroEvidenceMass, "evidence has zero probability")
	}

	clique, ok := e.findContainingClique(vars)
	if !ok {
		return nil, bnerr.New(bnerr.KindInput, bnerr.ErrNotSubsetOfClique, "queried variables are not a subset of any clique")
	}
	belief := e.belief[clique]
	remove := make(bnvar.Set)
	c, _ := e.jt.Clique(clique)
	for v := range c.Vars {
		if !vars.Contains(v) {
			remove[v] = struct{}{}
		}
	}
	projected, err := factor.Project(belief, remove, factor.Sum)
	if err != nil {
		return nil, e.poison(err)
	}
	if _, err := projected.Normalize(); err != nil {
		return nil, bnerr.New(bnerr.KindRuntime, bnerr.ErrZeroEvidenceMass, "posterior sums to zero")
	}
	return projected, nil
}

// PosteriorVar is the common single-variable case of Posterior.
func (e *Engine) PosteriorVar(ctx context.Context, x bnvar.NodeId) (*factor.Factor, error) {
	return e.Posterior(ctx, bnvar.NewSet(x))
}

// EvidenceProbability returns P(e), 0 iff the evidence contradicts the
// model.
func (e *Engine) EvidenceProbability(ctx context.Context) (float64, error) {
	if e.poisoned != nil {
		return 0, e.poisoned
	}
	if err := e.ensurePropagated(ctx); err != nil {
		return 0, err
	}
	return e.evidenceMass, nil
}

func (e *Engine) findContainingClique(vars bnvar.Set) (triangulate.CliqueId, bool) {
	for _, id := range e.jt.Cliques() {
		c, _ := e.jt.Clique(id)
		allIn := true
		for v := range vars {
			if !c.Vars.Contains(v) {
				allIn = false
				break
			}
		}
		if allIn {
			return id, true
		}
	}
	return 0, false
}

func (e *Engine) poison(err error) error {
	// Runtime errors (cancellation, numeric overflow) abort the pass and
	// leave the engine Stale; only other errors poison it.
	var be *bnerr.Error
	if errors.As(err, &be) && be.Kind == bnerr.KindRuntime {
		e.state = Stale
		return err
	}
	wrapped := bnerr.New(bnerr.KindProgramming, bnerr.ErrInvariantViolated, err.Error())
	e.poisoned = wrapped
	return wrapped
}

// ensureReady triangulates the model's moral graph and initializes every
// clique's potential, entering the Ready state.
func (e *Engine) ensureReady(ctx context.Context) error {
	if e.state != Unready {
		return nil
	}
	moral := e.model.DAG().Moral()
	domSize := func(id bnvar.NodeId) int {
		v, _ := e.model.Variable(id)
		return v.DomainSize()
	}
	tr := triangulate.New(e.opts)
	jt, err := tr.Run(ctx, moral, domSize, nil)
	if err != nil {
		return err
	}
	e.jt = jt
	e.buildForestStructure()

	e.psi = make(map[triangulate.CliqueId]*factor.Factor, len(jt.Cliques()))
	e.messages = make(map[msgKey]*factor.Factor)
	e.valid = make(map[msgKey]bool)
	e.belief = make(map[triangulate.CliqueId]*factor.Factor, len(jt.Cliques()))
	e.dirty = make(map[triangulate.CliqueId]bool, len(jt.Cliques()))
	for _, id := range jt.Cliques() {
		e.dirty[id] = true // everything needs assembling on first build
	}

	e.state = Ready
	return nil
}

// buildForestStructure roots each connected component at its triangulator
// -assigned root and records parent/children/post/pre traversal orders,
// used by collect/diffuse and by the incremental-invalidation passes.
func (e *Engine) buildForestStructure() {
	e.roots = e.jt.Roots()
	e.parent = make(map[triangulate.CliqueId]triangulate.CliqueId)
	e.hasParent = make(map[triangulate.CliqueId]bool)
	e.children = make(map[triangulate.CliqueId][]triangulate.CliqueId)
	e.postOrder = nil
	e.preOrder = nil

	for _, root := range e.roots {
		visited := map[triangulate.CliqueId]bool{root: true}
		queue := []triangulate.CliqueId{root}
		var bfsOrder []triangulate.CliqueId
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			bfsOrder = append(bfsOrder, v)
			nbrs := append([]triangulate.CliqueId(nil), e.jt.Neighbors(v)...)
			sort.Slice(nbrs, func(i, j int) bool { return nbrs[i] < nbrs[j] })
			for _, n := range nbrs {
				if !visited[n] {
					visited[n] = true
					e.parent[n] = v
					e.hasParent[n] = true
					e.children[v] = append(e.children[v], n)
					queue = append(queue, n)
				}
			}
		}
		e.preOrder = append(e.preOrder, bfsOrder...)
		for i := len(bfsOrder) - 1; i >= 0; i-- {
			e.postOrder = append(e.postOrder, bfsOrder[i])
		}
	}
}

// assemblePsi rebuilds clique's potential from the CPTs assigned to it
// (each CPT goes to the first clique, in Cliques() order, containing its
// whole family) plus the evidence on variables whose created clique it is.
func (e *Engine) assemblePsi(clique triangulate.CliqueId) (*factor.Factor, error) {
	c, ok := e.jt.Clique(clique)
	if !ok {
		return nil, bnerr.New(bnerr.KindProgramming, bnerr.ErrInvariantViolated, "clique vanished")
	}
	seq := e.cliqueSequence(c)
	psi := factor.Uniform(seq)

	for _, x := range e.model.Nodes() {
		family := bnvar.NewSet(append(e.model.DAG().Parents(x), x)...)
		cid, ok := e.findContainingClique(family)
		if !ok || cid != clique {
			continue
		}
		cpt, ok := e.model.CPT(x)
		if !ok {
			continue
		}
		combined, err := factor.Combine(psi, cpt)
		if err != nil {
			return nil, err
		}
		psi = combined
	}

	for v := range c.Vars {
		ev, ok := e.evidence[v]
		if !ok {
			continue
		}
		if cid, ok := e.jt.CreatedClique(v); !ok || cid != clique {
			continue
		}
		switch ev.kind {
		case Hard:
			if err := psi.EvidenceIncorporateHard(v, ev.hard); err != nil {
				return nil, err
			}
		case Soft:
			if err := psi.EvidenceIncorporateSoft(v, ev.soft); err != nil {
				return nil, err
			}
		}
	}
	return psi, nil
}

func (e *Engine) cliqueSequence(c *triangulate.Clique) bnvar.Sequence {
	ids := make([]bnvar.NodeId, 0, len(c.Vars))
	for v := range c.Vars {
		ids = append(ids, v)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	seq := make(bnvar.Sequence, 0, len(ids))
	for _, id := range ids {
		v, ok := e.model.Variable(id)
		if ok {
			seq = append(seq, v)
		}
	}
	return seq
}

// ensurePropagated runs (or incrementally re-runs) collect/diffuse so
// that e.belief and e.evidenceMass reflect the current evidence.
func (e *Engine) ensurePropagated(ctx context.Context) error {
	if err := e.ensureReady(ctx); err != nil {
		return err
	}
	if e.state == Propagated {
		return nil
	}

	for cid := range e.dirty {
		psi, err := e.assemblePsi(cid)
		if err != nil {
			return e.poison(err)
		}
		e.psi[cid] = psi
	}

	tainted := make(map[triangulate.CliqueId]bool, len(e.dirty))
	for cid := range e.dirty {
		tainted[cid] = true
	}

	checkCancel := func() error {
		if ctx == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			e.state = Stale
			return bnerr.New(bnerr.KindRuntime, bnerr.ErrCancelled, ctx.Err().Error())
		default:
			return nil
		}
	}

	// Collect: leaves to roots. collectChanged[v][c] records, per node v,
	// which child c's incoming message was just recomputed, so diffuse
	// below can tell which specific sibling changed rather than treating
	// "something in v's subtree changed" as reason to recompute every
	// outgoing edge of v.
	collectChanged := make(map[triangulate.CliqueId]map[triangulate.CliqueId]bool)
	for _, v := range e.postOrder {
		if err := checkCancel(); err != nil {
			return err
		}
		for _, child := range e.children[v] {
			key := msgKey{child, v}
			if tainted[child] || !e.valid[key] {
				msg, err := e.computeMessage(ctx, child, v)
				if err != nil {
					return e.poison(err)
				}
				e.messages[key] = msg
				e.valid[key] = true
				tainted[v] = true
				if collectChanged[v] == nil {
					collectChanged[v] = make(map[triangulate.CliqueId]bool)
				}
				collectChanged[v][child] = true
			}
		}
	}

	// Diffuse: roots to leaves. Message v->child depends on psi[v] and
	// every other message into v (v's other children's collect messages,
	// plus v's own incoming diffuse message from its parent) but NOT on
	// child's own collect message, so child changing alone must not force
	// v->child to recompute: that is restricted to siblings, v's own
	// dirtiness, or v's parent edge, keeping diffuse minimal over the
	// actual affected paths rather than cascading from an incidentally
	// tainted root.
	diffuseTainted := make(map[triangulate.CliqueId]bool)
	for _, v := range e.preOrder {
		if err := checkCancel(); err != nil {
			return err
		}
		siblingChanged := func(skip triangulate.CliqueId) bool {
			for _, c := range e.children[v] {
				if c != skip && collectChanged[v][c] {
					return true
				}
			}
			return false
		}
		for _, child := range e.children[v] {
			key := msgKey{v, child}
			if e.dirty[v] || diffuseTainted[v] || siblingChanged(child) || !e.valid[key] {
				msg, err := e.computeMessage(ctx, v, child)
				if err != nil {
					return e.poison(err)
				}
				e.messages[key] = msg
				e.valid[key] = true
				diffuseTainted[child] = true
			}
		}
	}

	// Beliefs and evidence mass.
	var mass float64 = 1
	for _, root := range e.roots {
		touched := tainted[root] || diffuseTainted[root]
		if touched || e.belief[root] == nil {
			b, err := e.combineAllIncoming(ctx, root)
			if err != nil {
				return e.poison(err)
			}
			e.belief[root] = b
		}
		mass *= e.belief[root].Sum()
	}
	for _, v := range e.preOrder {
		if isRoot(e.roots, v) {
			continue
		}
		if tainted[v] || diffuseTainted[v] || e.belief[v] == nil {
			b, err := e.combineAllIncoming(ctx, v)
			if err != nil {
				return e.poison(err)
			}
			e.belief[v] = b
		}
	}

	e.evidenceMass = mass
	e.dirty = make(map[triangulate.CliqueId]bool)
	e.state = Propagated
	return nil
}

func isRoot(roots []triangulate.CliqueId, v triangulate.CliqueId) bool {
	for _, r := range roots {
		if r == v {
			return true
		}
	}
	return false
}

// computeMessage implements μ_{a→b} = project(combine(ψ_a, ∏_{c∈N(a)\{b}}
// μ_{c→a}), vars(a)\S), per spec.md §4.G. It is used for both collect and
// diffuse messages; traversal order guarantees every input message it
// references already exists.
//
// Per spec.md §2/§5, the Combine/Project chain is expressed as a
// schedule.Plan and run through a schedule.Executor rather than called
// directly against factor, so that opts.ParallelSchedule/MaxThreads
// actually govern how this work is parallelized.
func (e *Engine) computeMessage(ctx context.Context, a, b triangulate.CliqueId) (*factor.Factor, error) {
	b2 := schedule.NewBuilder()
	sources := make(map[schedule.NodeId]*factor.Factor)

	psi := e.psi[a]
	psiNode := b2.AddSource(psi.Vars(), "psi")
	sources[psiNode] = psi
	operands := []schedule.NodeId{psiNode}

	for _, c := range e.jt.Neighbors(a) {
		if c == b {
			continue
		}
		m, ok := e.messages[msgKey{c, a}]
		if !ok {
			return nil, bnerr.New(bnerr.KindProgramming, bnerr.ErrInvariantViolated, "message feeding combine is missing")
		}
		n := b2.AddSource(m.Vars(), "incoming")
		sources[n] = m
		operands = append(operands, n)
	}

	combined, err := combineTree(b2, operands)
	if err != nil {
		return nil, err
	}

	sep, _ := e.jt.Separator(a, b)
	cliqueA, _ := e.jt.Clique(a)
	remove := make(bnvar.Set)
	for v := range cliqueA.Vars {
		if !sep.Contains(v) {
			remove[v] = struct{}{}
		}
	}
	projected, err := b2.AddProject(combined, remove, factor.Sum)
	if err != nil {
		return nil, err
	}
	if _, err := b2.AddStore(projected, "message"); err != nil {
		return nil, err
	}

	result, err := schedule.NewExecutor(e.opts).Run(runCtx(ctx), b2.Build(), sources)
	if err != nil {
		return nil, err
	}
	return result.Outputs["message"], nil
}

// combineAllIncoming returns ψ_v · ∏_{c∈N(v)} μ_{c→v}, the clique's full
// belief after both passes have reached it, driven through the same
// schedule.Plan/Executor path as computeMessage.
func (e *Engine) combineAllIncoming(ctx context.Context, v triangulate.CliqueId) (*factor.Factor, error) {
	b2 := schedule.NewBuilder()
	sources := make(map[schedule.NodeId]*factor.Factor)

	psi := e.psi[v]
	psiNode := b2.AddSource(psi.Vars(), "psi")
	sources[psiNode] = psi
	operands := []schedule.NodeId{psiNode}

	for _, c := range e.jt.Neighbors(v) {
		m, ok := e.messages[msgKey{c, v}]
		if !ok {
			return nil, bnerr.New(bnerr.KindProgramming, bnerr.ErrInvariantViolated, "belief missing an incoming message")
		}
		n := b2.AddSource(m.Vars(), "incoming")
		sources[n] = m
		operands = append(operands, n)
	}

	combined, err := combineTree(b2, operands)
	if err != nil {
		return nil, err
	}
	if _, err := b2.AddStore(combined, "belief"); err != nil {
		return nil, err
	}

	result, err := schedule.NewExecutor(e.opts).Run(runCtx(ctx), b2.Build(), sources)
	if err != nil {
		return nil, err
	}
	return result.Outputs["belief"], nil
}

// combineTree wires ids together as a balanced tournament of Combine
// nodes instead of a linear left-fold, so that independent pairs land in
// the same schedule wave and the Executor can run them concurrently.
func combineTree(b *schedule.Builder, ids []schedule.NodeId) (schedule.NodeId, error) {
	if len(ids) == 0 {
		return 0, bnerr.New(bnerr.KindProgramming, bnerr.ErrInvariantViolated, "combineTree called with no operands")
	}
	for len(ids) > 1 {
		next := make([]schedule.NodeId, 0, (len(ids)+1)/2)
		for i := 0; i+1 < len(ids); i += 2 {
			id, err := b.AddCombine(ids[i], ids[i+1])
			if err != nil {
				return 0, err
			}
			next = append(next, id)
		}
		if len(ids)%2 == 1 {
			next = append(next, ids[len(ids)-1])
		}
		ids = next
	}
	return ids[0], nil
}

// runCtx substitutes context.Background when ctx is nil, mirroring
// checkCancel's tolerance for a nil context while still giving the
// Executor (which unconditionally calls ctx.Err()) a valid context.
func runCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
