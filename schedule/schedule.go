// Package schedule builds and executes the plan DAG of Source, Combine,
// Project, and Store operations described by spec.md §4.F: a symbolic
// description of a sequence of factor.Factor operations that can be cost-
// estimated before it is run and executed with bounded parallelism
// afterward.
//
// The plan-DAG-with-cancellable-staged-execution shape is adapted from
// lvlath's flow.Dinic (context checks between phases, options-normalize-
// then-run structure); the bounded-parallel executor and run-correlation
// id are adapted from mbflow's workflow engine, the pack's only
// fan-out-with-retry execution engine.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/bnvar"
	"github.com/katalvlaran/bnexact/config"
	"github.com/katalvlaran/bnexact/factor"
)

// NodeId identifies a node within a single Plan. Plan-local; unrelated to
// bnvar.NodeId.
type NodeId uint64

// Kind distinguishes the four plan operation shapes.
type Kind int

const (
	// Source supplies a materialized factor as a plan input (for the
	// engine: a clique potential or an incoming message).
	Source Kind = iota
	// Combine multiplies two operand factors (factor.Combine).
	Combine
	// Project sums or maximizes out a set of variables (factor.Project).
	Project
	// Store publishes a factor as a named plan output; never released.
	Store
)

func (k Kind) String() string {
	switch k {
	case Source:
		return "Source"
	case Combine:
		return "Combine"
	case Project:
		return "Project"
	case Store:
		return "Store"
	default:
		return "Unknown"
	}
}

// node is a single plan vertex. Vars is the symbolic variable sequence of
// this node's eventual output, computed at build time without touching
// any factor values.
type node struct {
	id       NodeId
	kind     Kind
	inputs   []NodeId
	vars     bnvar.Sequence
	remove   bnvar.Set
	reduce   factor.Reduction
	label    string
	consumed int // number of consumers registered (for ref counting)
}

// Plan is a symbolic, immutable-once-built description of a chain of
// factor operations. Build it with a Builder, then estimate its cost or
// hand it to an Executor.
type Plan struct {
	nodes map[NodeId]*node
	order []NodeId // topological
}

// Builder accumulates plan nodes. Not safe for concurrent use; build a
// plan from a single goroutine, then execute it freely from many.
type Builder struct {
	nodes  map[NodeId]*node
	order  []NodeId
	nextID NodeId
}

// NewBuilder starts an empty plan.
func NewBuilder() *Builder {
	return &Builder{nodes: make(map[NodeId]*node)}
}

func (b *Builder) alloc() NodeId {
	b.nextID++
	return b.nextID
}

func (b *Builder) register(n *node) NodeId {
	b.nodes[n.id] = n
	b.order = append(b.order, n.id)
	for _, in := range n.inputs {
		b.nodes[in].consumed++
	}
	return n.id
}

// AddSource registers a materialized-elsewhere factor over vars.
func (b *Builder) AddSource(vars bnvar.Sequence, label string) NodeId {
	id := b.alloc()
	return b.register(&node{id: id, kind: Source, vars: vars, label: label})
}

// AddCombine registers the pointwise product of a and b's eventual
// outputs. The result's symbolic variable sequence is their union, vars
// of a followed by vars of b not already in a (factor.Combine's layout).
func (b *Builder) AddCombine(a, b2 NodeId) (NodeId, error) {
	na, ok := b.nodes[a]
	if !ok {
		return 0, bnerr.Newf(bnerr.KindProgramming, bnerr.ErrUnregisteredVariable, "combine operand %d not in plan", a)
	}
	nb, ok := b.nodes[b2]
	if !ok {
		return 0, bnerr.Newf(bnerr.KindProgramming, bnerr.ErrUnregisteredVariable, "combine operand %d not in plan", b2)
	}
	out := unionVars(na.vars, nb.vars)
	id := b.alloc()
	return b.register(&node{id: id, kind: Combine, inputs: []NodeId{a, b2}, vars: out}), nil
}

// AddProject registers the marginalization (Sum) or max-marginalization
// (Max) of remove out of a's eventual output.
func (b *Builder) AddProject(a NodeId, remove bnvar.Set, reduction factor.Reduction) (NodeId, error) {
	na, ok := b.nodes[a]
	if !ok {
		return 0, bnerr.Newf(bnerr.KindProgramming, bnerr.ErrUnregisteredVariable, "project operand %d not in plan", a)
	}
	out := make(bnvar.Sequence, 0, len(na.vars))
	for _, v := range na.vars {
		if !remove.Contains(v.NodeId()) {
			out = append(out, v)
		}
	}
	id := b.alloc()
	return b.register(&node{id: id, kind: Project, inputs: []NodeId{a}, vars: out, remove: remove, reduce: reduction}), nil
}

// AddStore marks a's output as a published plan result under label.
func (b *Builder) AddStore(a NodeId, label string) (NodeId, error) {
	na, ok := b.nodes[a]
	if !ok {
		return 0, bnerr.Newf(bnerr.KindProgramming, bnerr.ErrUnregisteredVariable, "store operand %d not in plan", a)
	}
	id := b.alloc()
	return b.register(&node{id: id, kind: Store, inputs: []NodeId{a}, vars: na.vars, label: label}), nil
}

func unionVars(a, b bnvar.Sequence) bnvar.Sequence {
	seen := make(map[bnvar.NodeId]struct{}, len(a)+len(b))
	out := make(bnvar.Sequence, 0, len(a)+len(b))
	for _, v := range a {
		seen[v.NodeId()] = struct{}{}
		out = append(out, v)
	}
	for _, v := range b {
		if _, ok := seen[v.NodeId()]; !ok {
			seen[v.NodeId()] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Build freezes the accumulated nodes into a Plan.
func (b *Builder) Build() *Plan {
	return &Plan{nodes: b.nodes, order: append([]NodeId(nil), b.order...)}
}

// Vars returns the symbolic output variable sequence of node id.
func (p *Plan) Vars(id NodeId) (bnvar.Sequence, bool) {
	n, ok := p.nodes[id]
	if !ok {
		return nil, false
	}
	return n.vars, true
}

// NbOperations returns the total number of arithmetic cell touches this
// plan would perform: one per output cell for every Combine (each output
// cell computed by one multiply) and Project (each input cell touched
// once during accumulation) node. Source and Store are free.
func (p *Plan) NbOperations(domSize func(bnvar.NodeId) int) int64 {
	var total int64
	for _, id := range p.order {
		n := p.nodes[id]
		switch n.kind {
		case Combine:
			total += tableSize(n.vars, domSize)
		case Project:
			in := p.nodes[n.inputs[0]]
			total += tableSize(in.vars, domSize)
		}
	}
	return total
}

// PeakMemory simulates topological execution with ref-counted release
// (the same discipline Executor uses) and returns the maximum number of
// float64 cells simultaneously alive, a proxy for peak memory use.
func (p *Plan) PeakMemory(domSize func(bnvar.NodeId) int) int64 {
	remaining := make(map[NodeId]int, len(p.nodes))
	for id, n := range p.nodes {
		remaining[id] = n.consumed
	}
	var live, peak int64
	for _, id := range p.order {
		n := p.nodes[id]
		size := tableSize(n.vars, domSize)
		live += size
		if live > peak {
			peak = live
		}
		for _, in := range n.inputs {
			remaining[in]--
			if remaining[in] == 0 && p.nodes[in].kind != Store {
				live -= tableSize(p.nodes[in].vars, domSize)
			}
		}
		if n.kind == Store {
			// Store outputs are never released during this simulation.
		}
	}
	return peak
}

func tableSize(vars bnvar.Sequence, domSize func(bnvar.NodeId) int) int64 {
	var size int64 = 1
	for _, v := range vars {
		size *= int64(domSize(v.NodeId()))
	}
	return size
}

// Result holds an Executor's published outputs, keyed by the label given
// to AddStore.
type Result struct {
	RunID   string
	Outputs map[string]*factor.Factor
}

// Executor runs a Plan's operations, materializing Source inputs,
// computing Combine/Project nodes, and publishing Store outputs. Ready
// nodes within a wave run concurrently when opts.ParallelSchedule is set,
// bounded by opts.MaxThreads.
type Executor struct {
	opts config.Options
}

// NewExecutor builds an Executor under opts.
func NewExecutor(opts config.Options) *Executor { return &Executor{opts: opts} }

// Run executes plan, feeding sources[id] as the materialized factor for
// every Source node id (every Source in the plan must have an entry).
// On any operation error, all intermediate factors are released and the
// error is returned; no partial Result is published.
func (ex *Executor) Run(ctx context.Context, plan *Plan, sources map[NodeId]*factor.Factor) (*Result, error) {
	runID := uuid.NewString()
	log := ex.opts.Logger.With().Str("run_id", runID).Str("component", "schedule").Logger()

	for id, n := range plan.nodes {
		if n.kind == Source {
			if _, ok := sources[id]; !ok {
				return nil, bnerr.Newf(bnerr.KindInput, bnerr.ErrUnregisteredVariable, "no source factor supplied for plan node %d", id)
			}
		}
	}

	waves := layerByDependency(plan)

	var mu sync.Mutex
	values := make(map[NodeId]*factor.Factor, len(plan.nodes))
	remaining := make(map[NodeId]int, len(plan.nodes))
	for id, n := range plan.nodes {
		remaining[id] = n.consumed
	}
	outputs := make(map[string]*factor.Factor)

	release := func() {
		mu.Lock()
		values = nil
		mu.Unlock()
	}

	for waveIdx, wave := range waves {
		if err := ctx.Err(); err != nil {
			release()
			return nil, bnerr.New(bnerr.KindRuntime, bnerr.ErrCancelled, err.Error())
		}

		g, gctx := errgroup.WithContext(ctx)
		if ex.opts.ParallelSchedule && ex.opts.MaxThreads > 0 {
			g.SetLimit(ex.opts.MaxThreads)
		} else {
			g.SetLimit(1)
		}

		for _, id := range wave {
			id := id
			n := plan.nodes[id]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				f, err := computeNode(n, sources, &mu, values)
				if err != nil {
					return err
				}
				mu.Lock()
				values[id] = f
				if n.kind == Store {
					outputs[n.label] = f
				}
				mu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			release()
			var be *bnerr.Error
			if errors.As(err, &be) {
				return nil, be
			}
			return nil, bnerr.New(bnerr.KindRuntime, bnerr.ErrCancelled, err.Error())
		}

		mu.Lock()
		for _, id := range wave {
			for _, in := range plan.nodes[id].inputs {
				remaining[in]--
				if remaining[in] == 0 && plan.nodes[in].kind != Store {
					delete(values, in)
				}
			}
		}
		mu.Unlock()

		log.Debug().Int("wave", waveIdx).Int("nodes", len(wave)).Msg("schedule wave complete")
	}

	return &Result{RunID: runID, Outputs: outputs}, nil
}

func computeNode(n *node, sources map[NodeId]*factor.Factor, mu *sync.Mutex, values map[NodeId]*factor.Factor) (*factor.Factor, error) {
	switch n.kind {
	case Source:
		return sources[n.id], nil
	case Store:
		mu.Lock()
		f := values[n.inputs[0]]
		mu.Unlock()
		return f, nil
	case Combine:
		mu.Lock()
		a, b := values[n.inputs[0]], values[n.inputs[1]]
		mu.Unlock()
		return factor.Combine(a, b)
	case Project:
		mu.Lock()
		a := values[n.inputs[0]]
		mu.Unlock()
		return factor.Project(a, n.remove, n.reduce)
	default:
		return nil, fmt.Errorf("schedule: unknown node kind %v", n.kind)
	}
}

// layerByDependency groups plan.order into waves such that every node in
// wave i has all its inputs resolved by waves 0..i-1 (Kahn's algorithm by
// levels, deterministic order within a wave).
func layerByDependency(plan *Plan) [][]NodeId {
	indegree := make(map[NodeId]int, len(plan.nodes))
	for id, n := range plan.nodes {
		indegree[id] = len(n.inputs)
	}
	consumers := make(map[NodeId][]NodeId, len(plan.nodes))
	for _, id := range plan.order {
		n := plan.nodes[id]
		for _, in := range n.inputs {
			consumers[in] = append(consumers[in], id)
		}
	}

	var waves [][]NodeId
	var current []NodeId
	for _, id := range plan.order {
		if indegree[id] == 0 {
			current = append(current, id)
		}
	}
	done := make(map[NodeId]bool, len(plan.nodes))
	for len(current) > 0 {
		waves = append(waves, current)
		var next []NodeId
		for _, id := range current {
			done[id] = true
		}
		for _, id := range current {
			for _, c := range consumers[id] {
				indegree[c]--
				if indegree[c] == 0 {
					next = append(next, c)
				}
			}
		}
		current = next
	}
	return waves
}
