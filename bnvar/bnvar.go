// Package bnvar defines the named discrete variable with an ordered
// finite label set that underlies every table in the inference engine.
//
// A Variable's identity is its (modelID, NodeId) pair, assigned once by
// the owning Registry and never reused; two Variables from different
// Registries never compare equal even if they share a NodeId, which makes
// "no variable object is shared across different BayesNets" checkable
// through Equal and Registry.Owns. The engine and factor match variables
// by NodeId alone and do not perform that check.
package bnvar

import (
	"fmt"

	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/internal/ids"
)

// NodeId identifies a Variable within a single Registry.
type NodeId uint64

// Variable is a value object: a name, an ordered label set, and a stable
// identity. Variables are immutable once registered.
type Variable struct {
	modelID uint64
	id      NodeId
	name    string
	labels  []string
}

// NodeId returns the variable's identifier within its Registry.
func (v Variable) NodeId() NodeId { return v.id }

// Name returns the variable's current name.
func (v Variable) Name() string { return v.name }

// Labels returns the ordered label slice. Callers must not mutate it.
func (v Variable) Labels() []string { return v.labels }

// DomainSize returns the number of labels, i.e. |dom(x)|.
func (v Variable) DomainSize() int { return len(v.labels) }

// Label returns the label text for value index k, or an error if k is out
// of range.
func (v Variable) Label(k int) (string, error) {
	if k < 0 || k >= len(v.labels) {
		return "", bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidLabel, "index %d out of range for variable %q (domain size %d)", k, v.name, len(v.labels))
	}
	return v.labels[k], nil
}

// Equal reports whether v and w are the same Variable instance: same
// owning Registry and same NodeId.
func (v Variable) Equal(w Variable) bool {
	return v.modelID == w.modelID && v.id == w.id
}

// String renders "name#id" for diagnostics and logging.
func (v Variable) String() string { return fmt.Sprintf("%s#%d", v.name, v.id) }

// Registry owns a set of Variables scoped to one BayesNet. NodeIds are
// assigned from a per-Registry counter that never reuses a value.
type Registry struct {
	modelID uint64
	counter ids.Counter
	byID    map[NodeId]*Variable
	byName  map[string]NodeId
}

var registryCounter ids.Counter

// NewRegistry creates an empty Registry with a fresh model identity.
// The counter that stamps modelID is process-scoped only to guarantee
// distinct Registries never collide; it plays no role in Variable
// identity comparisons beyond that (NodeId allocation itself is always
// per-Registry, per spec.md §9).
func NewRegistry() *Registry {
	return &Registry{
		modelID: registryCounter.Next(),
		byID:    make(map[NodeId]*Variable),
		byName:  make(map[string]NodeId),
	}
}

// Register creates and stores a new Variable with the given name and
// ordered labels, returning it. Fails with ErrDuplicateName if name is
// already taken, or ErrInvalidLabel if labels is empty.
func (r *Registry) Register(name string, labels []string) (Variable, error) {
	if len(labels) == 0 {
		return Variable{}, bnerr.Newf(bnerr.KindInput, bnerr.ErrInvalidLabel, "variable %q has no labels", name)
	}
	if _, exists := r.byName[name]; exists {
		return Variable{}, bnerr.Newf(bnerr.KindInput, bnerr.ErrDuplicateName, "name %q already registered", name)
	}
	cp := make([]string, len(labels))
	copy(cp, labels)

	id := NodeId(r.counter.Next())
	v := &Variable{modelID: r.modelID, id: id, name: name, labels: cp}
	r.byID[id] = v
	r.byName[name] = id

	return *v, nil
}

// Lookup returns the Variable registered under id.
func (r *Registry) Lookup(id NodeId) (Variable, error) {
	v, ok := r.byID[id]
	if !ok {
		return Variable{}, bnerr.Newf(bnerr.KindInput, bnerr.ErrUnknownVariable, "node id %d", id)
	}
	return *v, nil
}

// LookupByName returns the Variable registered under name.
func (r *Registry) LookupByName(name string) (Variable, error) {
	id, ok := r.byName[name]
	if !ok {
		return Variable{}, bnerr.Newf(bnerr.KindInput, bnerr.ErrUnknownVariable, "name %q", name)
	}
	return r.Lookup(id)
}

// Rename changes the name of the variable identified by id. Fails with
// ErrDuplicateName if newName is already registered to a different
// variable, or ErrUnknownVariable if id is not registered.
func (r *Registry) Rename(id NodeId, newName string) error {
	v, ok := r.byID[id]
	if !ok {
		return bnerr.Newf(bnerr.KindInput, bnerr.ErrUnknownVariable, "node id %d", id)
	}
	if existing, exists := r.byName[newName]; exists && existing != id {
		return bnerr.Newf(bnerr.KindInput, bnerr.ErrDuplicateName, "name %q already registered", newName)
	}
	delete(r.byName, v.name)
	v.name = newName
	r.byName[newName] = id

	return nil
}

// Owns reports whether v was registered by this Registry.
func (r *Registry) Owns(v Variable) bool { return v.modelID == r.modelID }

// Len returns the number of registered variables.
func (r *Registry) Len() int { return len(r.byID) }

// Sequence is an ordered list of Variables; it defines a memory layout
// wherever one is implied (Factor axes, Instantiation).
type Sequence []Variable

// DomSize returns the product of domain sizes of every variable in s,
// i.e. the number of entries in a dense table laid out under s.
func (s Sequence) DomSize() int {
	n := 1
	for _, v := range s {
		n *= v.DomainSize()
	}
	return n
}

// IndexOf returns the position of id within s, or -1 if absent.
func (s Sequence) IndexOf(id NodeId) int {
	for i, v := range s {
		if v.NodeId() == id {
			return i
		}
	}
	return -1
}

// Contains reports whether id appears in s.
func (s Sequence) Contains(id NodeId) bool { return s.IndexOf(id) >= 0 }

// Set is an unordered collection of NodeIds, used wherever order does not
// matter (e.g. the "remove" argument of Project, a query's variable set).
type Set map[NodeId]struct{}

// NewSet builds a Set from the given ids.
func NewSet(ids ...NodeId) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is a member of s.
func (s Set) Contains(id NodeId) bool {
	_, ok := s[id]
	return ok
}

// Union returns a new Set containing every id in s or t.
func (s Set) Union(t Set) Set {
	out := make(Set, len(s)+len(t))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range t {
		out[id] = struct{}{}
	}
	return out
}

// ToSlice returns the members of s in no particular order.
func (s Set) ToSlice() []NodeId {
	out := make([]NodeId, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
