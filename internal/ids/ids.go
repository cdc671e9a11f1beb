// Package ids provides monotonically increasing identifier counters that
// are scoped to a single owner (a BayesNet, a Schedule) instead of being
// process-global. Counters never reuse a value within the lifetime of
// their owner; tests construct a fresh Counter per fixture.
package ids

import "sync/atomic"

// Counter hands out strictly increasing uint64 values starting at 0.
// The zero value is ready to use. Safe for concurrent use.
type Counter struct {
	next uint64
}

// Next returns the next unused value and advances the counter.
// Complexity: O(1).
func (c *Counter) Next() uint64 {
	return atomic.AddUint64(&c.next, 1) - 1
}

// Peek returns the value Next would return without advancing the counter.
func (c *Counter) Peek() uint64 {
	return atomic.LoadUint64(&c.next)
}
