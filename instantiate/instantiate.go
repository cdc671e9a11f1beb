// Package instantiate provides Instantiation, a mutable cursor over the
// Cartesian product of a bnvar.Sequence that computes its row-major linear
// offset incrementally in O(1) amortized per transition.
//
// Row-major layout means the last axis of the bound sequence is the
// fastest-varying one: incrementing advances the last axis first, and
// only carries into earlier axes on overflow.
package instantiate

import (
	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/bnvar"
)

// Instantiation is a cursor bound to a bnvar.Sequence. It tracks one
// value index per variable plus the incrementally maintained row-major
// offset into a dense table laid out under that sequence.
//
// Cursors bound to different sequences are fully independent; there is
// no shared state across Instantiation values.
type Instantiation struct {
	seq    bnvar.Sequence
	vals   []int
	strides []int // strides[i] = product of domain sizes of seq[i+1:]
	offset int
	end    bool
}

// New creates an Instantiation bound to seq, positioned at the first
// element (all indices zero).
func New(seq bnvar.Sequence) *Instantiation {
	strides := make([]int, len(seq))
	acc := 1
	for i := len(seq) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= seq[i].DomainSize()
	}
	inst := &Instantiation{
		seq:     seq,
		vals:    make([]int, len(seq)),
		strides: strides,
	}
	return inst
}

// Sequence returns the bound variable sequence.
func (inst *Instantiation) Sequence() bnvar.Sequence { return inst.seq }

// SetFirst resets every axis index to 0 and clears the end flag.
// Complexity: O(|seq|).
func (inst *Instantiation) SetFirst() {
	for i := range inst.vals {
		inst.vals[i] = 0
	}
	inst.offset = 0
	inst.end = false
}

// End reports whether the cursor has been advanced past the last element.
func (inst *Instantiation) End() bool { return inst.end }

// Offset returns the current row-major linear offset, valid unless End().
func (inst *Instantiation) Offset() int { return inst.offset }

// Val returns the current value index for variable id. Fails with
// ShapeMismatch if id is not in the bound sequence.
func (inst *Instantiation) Val(id bnvar.NodeId) (int, error) {
	i := inst.seq.IndexOf(id)
	if i < 0 {
		return 0, bnerr.Newf(bnerr.KindProgramming, bnerr.ErrShapeMismatch, "variable %d not in bound sequence", id)
	}
	return inst.vals[i], nil
}

// Inc advances the cursor to the next row-major offset: the last axis'
// index is incremented; on overflow it resets to 0 and the carry
// propagates to the previous axis, and so on. After exactly
// product(domain sizes) successful calls from SetFirst, End() becomes
// true and the offset is no longer meaningful.
// Complexity: O(1) amortized.
func (inst *Instantiation) Inc() {
	if inst.end {
		return
	}
	for i := len(inst.vals) - 1; i >= 0; i-- {
		dom := inst.seq[i].DomainSize()
		inst.vals[i]++
		if inst.vals[i] < dom {
			inst.offset += inst.strides[i]
			return
		}
		// Carry: reset this axis, subtract its contribution, continue left.
		inst.offset -= inst.strides[i] * (dom - 1)
		inst.vals[i] = 0
	}
	// Every axis overflowed: we have exhausted the product.
	inst.end = true
}

// ChgVal sets the value index of variable id to k, updating the offset
// incrementally. Fails with ShapeMismatch if id is unbound, or
// InvalidLabel if k is out of range.
func (inst *Instantiation) ChgVal(id bnvar.NodeId, k int) error {
	i := inst.seq.IndexOf(id)
	if i < 0 {
		return bnerr.Newf(bnerr.KindProgramming, bnerr.ErrShapeMismatch, "variable %d not in bound sequence", id)
	}
	dom := inst.seq[i].DomainSize()
	if k < 0 || k >= dom {
		return bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidLabel, "value %d out of range for variable %d (domain %d)", k, id, dom)
	}
	delta := k - inst.vals[i]
	inst.vals[i] = k
	inst.offset += delta * inst.strides[i]
	inst.end = false

	return nil
}

// SetFromMap sets each axis from m; variables in the bound sequence that
// are absent from m are set to 0. Fails with InvalidLabel if any mapped
// value is out of range for its variable's domain.
func (inst *Instantiation) SetFromMap(m map[bnvar.NodeId]int) error {
	for i, v := range inst.seq {
		k, ok := m[v.NodeId()]
		if !ok {
			k = 0
		}
		if k < 0 || k >= v.DomainSize() {
			return bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidLabel, "value %d out of range for variable %s", k, v.Name())
		}
		inst.vals[i] = k
	}
	inst.recomputeOffset()

	return nil
}

func (inst *Instantiation) recomputeOffset() {
	off := 0
	for i, k := range inst.vals {
		off += k * inst.strides[i]
	}
	inst.offset = off
	inst.end = false
}

// OffsetFor returns the offset this instantiation would have under
// target's own layout: the flattened index obtained by reading off only
// the axes target shares with the bound sequence (variables absent from
// the bound sequence read as 0, giving broadcast semantics), laid out in
// target's own order. Used by factor.Combine/Project to map a joint
// index onto an operand's own storage.
func (inst *Instantiation) OffsetFor(target bnvar.Sequence) (int, error) {
	offset := 0
	stride := 1
	for i := len(target) - 1; i >= 0; i-- {
		v := target[i]
		k, err := inst.valOrZero(v.NodeId())
		if err != nil {
			return 0, err
		}
		offset += k * stride
		stride *= v.DomainSize()
	}
	return offset, nil
}

// valOrZero returns the bound value for id, or 0 if id is not part of
// the bound sequence (broadcast semantics for Combine).
func (inst *Instantiation) valOrZero(id bnvar.NodeId) (int, error) {
	i := inst.seq.IndexOf(id)
	if i < 0 {
		return 0, nil
	}
	return inst.vals[i], nil
}
