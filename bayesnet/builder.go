package bayesnet

import (
	"math"

	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/bnvar"
	"github.com/katalvlaran/bnexact/config"
	"github.com/katalvlaran/bnexact/dag"
	"github.com/katalvlaran/bnexact/engine"
	"github.com/katalvlaran/bnexact/factor"
	"github.com/katalvlaran/bnexact/instantiate"
)

// Builder is the BayesNet loader of spec.md §9: it ingests variables, arcs,
// and CPTs by name, validating fail-fast the way builder.BuildGraph
// validates its constructors, and assembles a BayesNet on Build.
//
// A CPT is supplied in the loader's wire format: row-major with the
// child variable as the last (fastest-varying) axis and parents in the
// caller's given order. Build reorders it internally to the engine's
// vars(cpt(x)) = [x, parents(x)...] layout, so callers never need to
// know the engine's own axis convention.
type Builder struct {
	opts  config.Options
	reg   *bnvar.Registry
	g     *dag.DAG
	names map[string]bnvar.NodeId
	cpts  map[bnvar.NodeId]pendingCPT
}

type pendingCPT struct {
	parents []bnvar.NodeId
	values  []float64
}

// NewBuilder creates an empty Builder.
func NewBuilder(opts config.Options) *Builder {
	return &Builder{
		opts:  opts,
		reg:   bnvar.NewRegistry(),
		g:     dag.New(),
		names: make(map[string]bnvar.NodeId),
		cpts:  make(map[bnvar.NodeId]pendingCPT),
	}
}

// AddVariable registers a new variable with the given ordered label set.
// Fails with DuplicateVariable if name is already registered.
func (b *Builder) AddVariable(name string, labels []string) error {
	if _, exists := b.names[name]; exists {
		return bnerr.Newf(bnerr.KindInput, bnerr.ErrDuplicateVariable, "variable %q already registered", name)
	}
	v, err := b.reg.Register(name, labels)
	if err != nil {
		return err
	}
	b.names[name] = v.NodeId()
	b.g.AddNode(v.NodeId())
	return nil
}

// AddArc declares parentName as a parent of childName. Fails with
// UnknownVariable if either name is unregistered, or CycleDetected if
// the arc would close a cycle.
func (b *Builder) AddArc(parentName, childName string) error {
	parent, err := b.resolve(parentName)
	if err != nil {
		return err
	}
	child, err := b.resolve(childName)
	if err != nil {
		return err
	}
	return b.g.AddArc(parent, child)
}

// AddCPT installs the conditional table for childName given parentNames
// in that exact order, with values laid out row-major and childName as
// the last (fastest-varying) axis. Fails with UnknownVariable if any
// name is unregistered, CPTShapeMismatch if parentNames does not match
// childName's declared DAG parents (as a set) or values has the wrong
// length, and CPTNotNormalized (reject if opts.StrictCPT, else a logged
// warning) if some parent instantiation's child-axis slice does not sum
// to 1.
func (b *Builder) AddCPT(childName string, parentNames []string, values []float64) error {
	child, err := b.resolve(childName)
	if err != nil {
		return err
	}
	parents := make([]bnvar.NodeId, len(parentNames))
	for i, pn := range parentNames {
		id, err := b.resolve(pn)
		if err != nil {
			return err
		}
		parents[i] = id
	}
	if err := b.checkParentSet(child, parents); err != nil {
		return err
	}

	childVar, _ := b.reg.Lookup(child)
	srcSeq := make(bnvar.Sequence, 0, len(parents)+1)
	for _, p := range parents {
		v, _ := b.reg.Lookup(p)
		srcSeq = append(srcSeq, v)
	}
	srcSeq = append(srcSeq, childVar)

	if want := srcSeq.DomSize(); len(values) != want {
		return bnerr.Newf(bnerr.KindInput, bnerr.ErrCPTShapeMismatch, "expected %d values for %q given %d parents, got %d", want, childName, len(parents), len(values))
	}

	dstSeq := make(bnvar.Sequence, 0, len(srcSeq))
	dstSeq = append(dstSeq, childVar)
	dstSeq = append(dstSeq, srcSeq[:len(srcSeq)-1]...)

	reordered := make([]float64, len(values))
	inst := instantiate.New(srcSeq)
	inst.SetFirst()
	for i := 0; i < len(values); i++ {
		dstOff, err := inst.OffsetFor(dstSeq)
		if err != nil {
			return err
		}
		reordered[dstOff] = values[i]
		inst.Inc()
	}

	if err := b.checkNormalized(dstSeq, reordered); err != nil {
		if b.opts.StrictCPT {
			return err
		}
		b.opts.Logger.Warn().Str("variable", childName).Err(err).Msg("installed CPT is not normalized")
	}

	b.cpts[child] = pendingCPT{parents: parents, values: reordered}
	return nil
}

// checkParentSet requires parents to equal child's declared DAG parents,
// as a set; order is the caller's to choose and defines the CPT's axes.
func (b *Builder) checkParentSet(child bnvar.NodeId, parents []bnvar.NodeId) error {
	declared := bnvar.NewSet(b.g.Parents(child)...)
	given := bnvar.NewSet(parents...)
	if len(declared) != len(given) {
		return bnerr.Newf(bnerr.KindInput, bnerr.ErrCPTShapeMismatch, "parent count mismatch for node %d: declared %d, given %d", child, len(declared), len(given))
	}
	for id := range given {
		if !declared.Contains(id) {
			return bnerr.Newf(bnerr.KindInput, bnerr.ErrCPTShapeMismatch, "node %d is not a declared parent of %d", id, child)
		}
	}
	return nil
}

// checkNormalized verifies every parent instantiation's slice along the
// child axis (dstSeq[0]) sums to 1 within tolerance.
func (b *Builder) checkNormalized(dstSeq bnvar.Sequence, values []float64) error {
	const tol = 1e-6
	childDom := dstSeq[0].DomainSize()
	stride := len(values) / childDom
	for base := 0; base < stride; base++ {
		var sum float64
		for k := 0; k < childDom; k++ {
			sum += values[k*stride+base]
		}
		if math.Abs(sum-1) > tol {
			return bnerr.Newf(bnerr.KindModel, bnerr.ErrCPTNotNormalized, "parent instantiation %d sums to %g, want 1", base, sum)
		}
	}
	return nil
}

func (b *Builder) resolve(name string) (bnvar.NodeId, error) {
	id, ok := b.names[name]
	if !ok {
		return 0, bnerr.Newf(bnerr.KindInput, bnerr.ErrUnknownVariable, "%q", name)
	}
	return id, nil
}

// Build validates that every declared variable has an installed CPT and
// assembles the BayesNet.
func (b *Builder) Build() (*BayesNet, error) {
	for name, id := range b.names {
		if _, ok := b.cpts[id]; !ok {
			return nil, bnerr.Newf(bnerr.KindModel, bnerr.ErrCPTShapeMismatch, "variable %q has no installed CPT", name)
		}
	}

	cpts := make(map[bnvar.NodeId]*factor.Factor, len(b.cpts))
	for id, pc := range b.cpts {
		childVar, _ := b.reg.Lookup(id)
		seq := make(bnvar.Sequence, 0, len(pc.parents)+1)
		seq = append(seq, childVar)
		for _, p := range pc.parents {
			v, _ := b.reg.Lookup(p)
			seq = append(seq, v)
		}
		f, err := factor.FromValues(seq, pc.values)
		if err != nil {
			return nil, err
		}
		cpts[id] = f
	}

	bn := &BayesNet{
		reg:  b.reg,
		g:    b.g,
		cpts: cpts,
		opts: b.opts,
		log:  b.opts.Logger.With().Str("component", "bayesnet").Logger(),
	}
	bn.eng = engine.New(bn, b.opts)
	return bn, nil
}
