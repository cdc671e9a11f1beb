// Package factor implements Factor (aGrUM calls it MultiDim): a dense,
// row-major table of nonnegative floating-point values over an ordered
// sequence of discrete variables, together with the combine, project,
// normalize, and evidence-incorporation operations the junction-tree
// engine drives.
//
// Storage is a flat []float64 sized to the product of the domain sizes of
// vars(ϕ), laid out exactly as instantiate.Instantiation enumerates it:
// row-major, last axis fastest. This mirrors the teacher's matrix.Dense
// representation generalized from two axes to N.
package factor

import (
	"math"

	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/bnvar"
	"github.com/katalvlaran/bnexact/instantiate"
)

// Reduction selects the marginalization semantics used by Project. Sum is
// the only reduction the inference engine itself ever calls; Max is an
// extension point (spec.md §9's "tagged-variant extension point") kept
// for callers that want MPE-style maximization over the same storage.
type Reduction int

const (
	// Sum marginalizes by summation (the engine's only use).
	Sum Reduction = iota
	// Max marginalizes by taking the maximum over removed axes.
	Max
)

// Factor is a dense nonnegative table over an ordered variable sequence.
type Factor struct {
	vars   bnvar.Sequence
	values []float64
}

// New allocates a Factor over vars with every entry set to fill (use 1.0
// for a "no information yet" constant factor, 0.0 for a fresh
// accumulator). Complexity: O(domSize(vars)).
func New(vars bnvar.Sequence, fill float64) *Factor {
	n := vars.DomSize()
	values := make([]float64, n)
	for i := range values {
		values[i] = fill
	}
	return &Factor{vars: vars, values: values}
}

// FromValues wraps an existing row-major values slice as a Factor over
// vars. Fails with ShapeMismatch if len(values) != vars.DomSize().
// The slice is taken by reference, not copied.
func FromValues(vars bnvar.Sequence, values []float64) (*Factor, error) {
	if want := vars.DomSize(); len(values) != want {
		return nil, bnerr.Newf(bnerr.KindProgramming, bnerr.ErrShapeMismatch, "expected %d values for vars %v, got %d", want, vars, len(values))
	}
	return &Factor{vars: vars, values: values}, nil
}

// Vars returns the ordered variable sequence defining ϕ's layout.
func (f *Factor) Vars() bnvar.Sequence { return f.vars }

// Values returns the raw backing slice in row-major order. Callers must
// not retain a mutated reference across concurrent readers.
func (f *Factor) Values() []float64 { return f.values }

// At returns the entry at flat offset i.
func (f *Factor) At(i int) float64 { return f.values[i] }

// Sum returns the sum of all entries.
func (f *Factor) Sum() float64 {
	var s float64
	for _, x := range f.values {
		s += x
	}
	return s
}

// Clone returns a deep copy of f.
func (f *Factor) Clone() *Factor {
	cp := make([]float64, len(f.values))
	copy(cp, f.values)
	return &Factor{vars: append(bnvar.Sequence(nil), f.vars...), values: cp}
}

// Validate checks the invariants of spec.md §3: all entries finite and
// nonnegative, and length equal to the product of domain sizes.
func (f *Factor) Validate() error {
	if want := f.vars.DomSize(); len(f.values) != want {
		return bnerr.Newf(bnerr.KindProgramming, bnerr.ErrShapeMismatch, "length %d does not match domSize %d", len(f.values), want)
	}
	for _, x := range f.values {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return bnerr.New(bnerr.KindRuntime, bnerr.ErrNumericOverflow, "non-finite entry")
		}
		if x < 0 {
			return bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidLabel, "negative entry %g", x)
		}
	}
	return nil
}

// unionSequence computes O = a ++ (b \ a), preserving each operand's
// relative order, as specified for Combine's output layout.
func unionSequence(a, b bnvar.Sequence) bnvar.Sequence {
	out := append(bnvar.Sequence(nil), a...)
	for _, v := range b {
		if !a.Contains(v.NodeId()) {
			out = append(out, v)
		}
	}
	return out
}

// Combine computes the pointwise product of f and g over the ordered
// union of their variables, per spec.md §4.C. Axes absent from an
// operand are broadcast.
func Combine(f, g *Factor) (*Factor, error) {
	out := unionSequence(f.vars, g.vars)
	n := out.DomSize()
	values := make([]float64, n)

	inst := instantiate.New(out)
	inst.SetFirst()
	for i := 0; i < n; i++ {
		fOff, err := inst.OffsetFor(f.vars)
		if err != nil {
			return nil, err
		}
		gOff, err := inst.OffsetFor(g.vars)
		if err != nil {
			return nil, err
		}
		values[i] = f.values[fOff] * g.values[gOff]
		if math.IsInf(values[i], 0) {
			return nil, bnerr.New(bnerr.KindRuntime, bnerr.ErrNumericOverflow, "Combine produced a non-finite entry")
		}
		inst.Inc()
	}

	return &Factor{vars: out, values: values}, nil
}

// Project marginalizes f over the variables in remove, per spec.md §4.C,
// using the given Reduction (Sum for the engine's own use).
func Project(f *Factor, remove bnvar.Set, reduction Reduction) (*Factor, error) {
	var out bnvar.Sequence
	for _, v := range f.vars {
		if !remove.Contains(v.NodeId()) {
			out = append(out, v)
		}
	}
	if len(out) == len(f.vars) {
		// remove is disjoint from vars(f): nothing to marginalize.
		return f.Clone(), nil
	}

	n := out.DomSize()
	values := make([]float64, n)
	if reduction == Max {
		for i := range values {
			values[i] = math.Inf(-1)
		}
	}

	inst := instantiate.New(f.vars)
	inst.SetFirst()
	total := f.vars.DomSize()
	for i := 0; i < total; i++ {
		outOff, err := inst.OffsetFor(out)
		if err != nil {
			return nil, err
		}
		switch reduction {
		case Max:
			if f.values[i] > values[outOff] {
				values[outOff] = f.values[i]
			}
		default:
			values[outOff] += f.values[i]
		}
		inst.Inc()
	}

	for _, x := range values {
		if math.IsInf(x, 0) && reduction != Max {
			return nil, bnerr.New(bnerr.KindRuntime, bnerr.ErrNumericOverflow, "Project produced a non-finite entry")
		}
	}

	return &Factor{vars: out, values: values}, nil
}

// Normalize divides every entry of f by the sum of all entries, in
// place, and returns f for chaining. Fails with ZeroMass if the sum is 0.
func (f *Factor) Normalize() (*Factor, error) {
	s := f.Sum()
	if s == 0 {
		return nil, bnerr.New(bnerr.KindRuntime, bnerr.ErrZeroMass, "factor sums to zero")
	}
	for i := range f.values {
		f.values[i] /= s
	}
	return f, nil
}

// EvidenceIncorporateHard zeros every entry where the value index of x
// differs from k, implementing hard evidence. Fails with ShapeMismatch
// if x is not among f's variables.
func (f *Factor) EvidenceIncorporateHard(x bnvar.NodeId, k int) error {
	idx := f.vars.IndexOf(x)
	if idx < 0 {
		return bnerr.Newf(bnerr.KindProgramming, bnerr.ErrShapeMismatch, "variable %d not in factor", x)
	}
	inst := instantiate.New(f.vars)
	inst.SetFirst()
	total := f.vars.DomSize()
	for i := 0; i < total; i++ {
		v, err := inst.Val(x)
		if err != nil {
			return err
		}
		if v != k {
			f.values[i] = 0
		}
		inst.Inc()
	}
	return nil
}

// EvidenceIncorporateSoft multiplies every entry row-wise by e[v[x]],
// implementing soft evidence. e must have exactly |dom(x)| nonnegative,
// finite entries.
func (f *Factor) EvidenceIncorporateSoft(x bnvar.NodeId, e []float64) error {
	idx := f.vars.IndexOf(x)
	if idx < 0 {
		return bnerr.Newf(bnerr.KindProgramming, bnerr.ErrShapeMismatch, "variable %d not in factor", x)
	}
	if len(e) != f.vars[idx].DomainSize() {
		return bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidEvidenceVector, "expected length %d, got %d", f.vars[idx].DomainSize(), len(e))
	}
	for _, ev := range e {
		if ev < 0 || math.IsNaN(ev) || math.IsInf(ev, 0) {
			return bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidEvidenceVector, "entry %g is negative or non-finite", ev)
		}
	}

	inst := instantiate.New(f.vars)
	inst.SetFirst()
	total := f.vars.DomSize()
	for i := 0; i < total; i++ {
		v, err := inst.Val(x)
		if err != nil {
			return err
		}
		f.values[i] *= e[v]
		inst.Inc()
	}
	return nil
}

// Uniform builds a constant-1 Factor over seq, the identity element for
// Combine used to seed a clique with no assigned CPT.
func Uniform(seq bnvar.Sequence) *Factor { return New(seq, 1.0) }
