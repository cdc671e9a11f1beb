// Package bayesnet is the user-facing facade: a BayesNet owns a variable
// registry, a DAG, and one conditional table per node, and wraps an
// engine.Engine for posterior/evidence queries. Locking follows the
// teacher's core.Graph discipline: one sync.RWMutex per BayesNet, held
// for the duration of a query or mutation, generalized from lvlath's
// per-resource locks to this package's single shared resource (the
// model plus its engine move together, so one lock covers both).
package bayesnet

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/bnvar"
	"github.com/katalvlaran/bnexact/config"
	"github.com/katalvlaran/bnexact/dag"
	"github.com/katalvlaran/bnexact/engine"
	"github.com/katalvlaran/bnexact/factor"
)

// BayesNet is an immutable-structure Bayesian network (variables, arcs,
// and CPTs are fixed after Build) together with its inference engine.
// Evidence and queries may change at any time.
type BayesNet struct {
	mu   sync.RWMutex
	reg  *bnvar.Registry
	g    *dag.DAG
	cpts map[bnvar.NodeId]*factor.Factor
	opts config.Options
	log  zerolog.Logger
	eng  *engine.Engine
}

// Variable implements engine.Model.
func (b *BayesNet) Variable(id bnvar.NodeId) (bnvar.Variable, bool) {
	v, err := b.reg.Lookup(id)
	if err != nil {
		return bnvar.Variable{}, false
	}
	return v, true
}

// DAG implements engine.Model.
func (b *BayesNet) DAG() *dag.DAG { return b.g }

// CPT implements engine.Model.
func (b *BayesNet) CPT(x bnvar.NodeId) (*factor.Factor, bool) {
	f, ok := b.cpts[x]
	return f, ok
}

// Nodes implements engine.Model.
func (b *BayesNet) Nodes() []bnvar.NodeId { return b.g.Nodes() }

// LookupByName resolves a variable by the name it was registered under.
func (b *BayesNet) LookupByName(name string) (bnvar.Variable, error) {
	return b.reg.LookupByName(name)
}

// SetEvidence records hard or soft evidence for x.
func (b *BayesNet) SetEvidence(x bnvar.NodeId, kind engine.EvidenceKind, hardIndex int, softVector []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eng.SetEvidence(x, kind, hardIndex, softVector)
}

// EraseEvidence removes evidence for x.
func (b *BayesNet) EraseEvidence(x bnvar.NodeId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eng.EraseEvidence(x)
}

// EraseAllEvidence removes every evidence entry.
func (b *BayesNet) EraseAllEvidence() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eng.EraseAllEvidence()
}

// Posterior returns the normalized marginal over vars.
func (b *BayesNet) Posterior(ctx context.Context, vars bnvar.Set) (*factor.Factor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eng.Posterior(ctx, vars)
}

// PosteriorVar is the single-variable case of Posterior.
func (b *BayesNet) PosteriorVar(ctx context.Context, x bnvar.NodeId) (*factor.Factor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eng.PosteriorVar(ctx, x)
}

// EvidenceProbability returns P(e).
func (b *BayesNet) EvidenceProbability(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eng.EvidenceProbability(ctx)
}

// State returns the engine's lifecycle state.
func (b *BayesNet) State() engine.State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.eng.State()
}

// Reset clears a poisoned engine back to Unready.
func (b *BayesNet) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eng.Reset()
}

// requireVariable looks up name, returning UnknownVariable on failure.
func (b *BayesNet) requireVariable(name string) (bnvar.Variable, error) {
	v, err := b.reg.LookupByName(name)
	if err != nil {
		return bnvar.Variable{}, bnerr.Newf(bnerr.KindInput, bnerr.ErrUnknownVariable, "%q", name)
	}
	return v, nil
}

// SetEvidenceByName is the name-based convenience form of SetEvidence.
func (b *BayesNet) SetEvidenceByName(name string, kind engine.EvidenceKind, hardIndex int, softVector []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.requireVariable(name)
	if err != nil {
		return err
	}
	return b.eng.SetEvidence(v.NodeId(), kind, hardIndex, softVector)
}

// PosteriorVarByName is the name-based convenience form of PosteriorVar.
func (b *BayesNet) PosteriorVarByName(ctx context.Context, name string) (*factor.Factor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, err := b.requireVariable(name)
	if err != nil {
		return nil, err
	}
	return b.eng.PosteriorVar(ctx, v.NodeId())
}
