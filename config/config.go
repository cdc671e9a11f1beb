// Package config centralizes the engine's enumerated configuration
// options (spec.md §6) behind a functional-option constructor, in the
// style of lvlath's matrix.MatrixOptions / flow.FlowOptions.
package config

import (
	"runtime"

	"github.com/rs/zerolog"
)

// TriangulationPolicy selects the elimination-sequence variant.
type TriangulationPolicy int

const (
	// Unconstrained lets the triangulator pick any elimination order.
	Unconstrained TriangulationPolicy = iota
	// PartialOrdered forces elimination in stage order (see WithPartialOrder).
	PartialOrdered
	// Ordered supplies a total elimination order; only fill-ins are computed.
	Ordered
)

// CancellationGranularity names how often a long operation checks its
// context for cancellation. No package reads this setting: the engine
// checks before each clique of a collect/diffuse pass and the schedule
// executor checks per wave and per plan node, whatever its value.
type CancellationGranularity int

const (
	// PerClique checks cancellation once per visited clique.
	PerClique CancellationGranularity = iota
	// PerNode checks cancellation once per visited plan/graph node.
	PerNode
)

// Options holds every configuration knob named in spec.md §6.
type Options struct {
	TriangulationPolicy    TriangulationPolicy
	Minimality             bool
	QuasiRatio             float64
	WeightThreshold        float64
	ParallelSchedule       bool
	MaxThreads             int
	CancellationGranularity CancellationGranularity
	StrictCPT              bool

	// PartialOrder holds the ordered stages used when
	// TriangulationPolicy == PartialOrdered.
	PartialOrder [][]uint64
	// TotalOrder holds the elimination order used when
	// TriangulationPolicy == Ordered.
	TotalOrder []uint64

	Logger zerolog.Logger
}

// Option mutates an Options value during construction.
type Option func(*Options)

// Default returns the specification's defaults: unconstrained policy, no
// minimality pass, quasi-ratio 0.9, weight-threshold 0, sequential
// scheduling, auto thread count, per-clique cancellation checks.
func Default() Options {
	return Options{
		TriangulationPolicy:     Unconstrained,
		Minimality:              false,
		QuasiRatio:              0.9,
		WeightThreshold:         0,
		ParallelSchedule:        false,
		MaxThreads:              0,
		CancellationGranularity: PerClique,
		StrictCPT:               false,
		Logger:                  zerolog.Nop(),
	}
}

// New builds an Options from Default() with opts applied in order.
func New(opts ...Option) Options {
	o := Default()
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxThreads <= 0 {
		o.MaxThreads = runtime.GOMAXPROCS(0)
	}
	return o
}

// WithTriangulationPolicy sets the elimination-sequence policy.
func WithTriangulationPolicy(p TriangulationPolicy) Option {
	return func(o *Options) { o.TriangulationPolicy = p }
}

// WithMinimality enables or disables the post-pass that drops any clique
// that is a subset of another.
func WithMinimality(on bool) Option {
	return func(o *Options) { o.Minimality = on }
}

// WithQuasiRatio sets the fill-in/clique-edge ratio threshold below which
// a node is classified quasi-simplicial.
func WithQuasiRatio(ratio float64) Option {
	return func(o *Options) {
		if ratio > 0 {
			o.QuasiRatio = ratio
		}
	}
}

// WithWeightThreshold sets the maximum log-weight excess tolerated for
// almost-simplicial/quasi-simplicial selection over the best simplicial
// candidate seen so far.
func WithWeightThreshold(threshold float64) Option {
	return func(o *Options) { o.WeightThreshold = threshold }
}

// WithParallelSchedule enables the schedule executor's bounded worker
// pool for independent plan nodes.
func WithParallelSchedule(on bool) Option {
	return func(o *Options) { o.ParallelSchedule = on }
}

// WithMaxThreads sets the worker-pool size; 0 means
// runtime.GOMAXPROCS(0) ("auto"), resolved at New time.
func WithMaxThreads(n int) Option {
	return func(o *Options) { o.MaxThreads = n }
}

// WithCancellationGranularity sets Options.CancellationGranularity, which
// no package reads (see CancellationGranularity).
func WithCancellationGranularity(g CancellationGranularity) Option {
	return func(o *Options) { o.CancellationGranularity = g }
}

// WithPartialOrder supplies the ordered stages for PartialOrdered policy
// and switches the policy to PartialOrdered.
func WithPartialOrder(stages [][]uint64) Option {
	return func(o *Options) {
		o.TriangulationPolicy = PartialOrdered
		o.PartialOrder = stages
	}
}

// WithTotalOrder supplies a total elimination order and switches the
// policy to Ordered.
func WithTotalOrder(order []uint64) Option {
	return func(o *Options) {
		o.TriangulationPolicy = Ordered
		o.TotalOrder = order
	}
}

// WithStrictCPT makes bayesnet.Builder reject non-normalized CPTs instead
// of merely warning.
func WithStrictCPT(on bool) Option {
	return func(o *Options) { o.StrictCPT = on }
}

// WithLogger installs a zerolog.Logger for phase-boundary diagnostics.
// The default is zerolog.Nop(), matching the teacher's quiet-by-default
// library posture.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}
