package config_test

import (
	"testing"

	"github.com/katalvlaran/bnexact/config"
)

func TestDefault(t *testing.T) {
	o := config.Default()
	if o.TriangulationPolicy != config.Unconstrained {
		t.Fatalf("default policy = %v, want Unconstrained", o.TriangulationPolicy)
	}
	if o.QuasiRatio != 0.9 {
		t.Fatalf("default quasi-ratio = %v, want 0.9", o.QuasiRatio)
	}
	if o.Minimality {
		t.Fatalf("default minimality must be false")
	}
}

func TestNew_ResolvesAutoThreads(t *testing.T) {
	o := config.New()
	if o.MaxThreads <= 0 {
		t.Fatalf("MaxThreads must resolve to a positive value, got %d", o.MaxThreads)
	}
}

func TestNew_AppliesOverrides(t *testing.T) {
	o := config.New(
		config.WithMinimality(true),
		config.WithQuasiRatio(0.75),
		config.WithMaxThreads(4),
		config.WithParallelSchedule(true),
	)
	if !o.Minimality || o.QuasiRatio != 0.75 || o.MaxThreads != 4 || !o.ParallelSchedule {
		t.Fatalf("overrides not applied: %+v", o)
	}
}

func TestWithPartialOrder_SwitchesPolicy(t *testing.T) {
	o := config.New(config.WithPartialOrder([][]uint64{{1, 2}, {3}}))
	if o.TriangulationPolicy != config.PartialOrdered {
		t.Fatalf("policy = %v, want PartialOrdered", o.TriangulationPolicy)
	}
	if len(o.PartialOrder) != 2 {
		t.Fatalf("PartialOrder = %v, want 2 stages", o.PartialOrder)
	}
}

func TestWithTotalOrder_SwitchesPolicy(t *testing.T) {
	o := config.New(config.WithTotalOrder([]uint64{3, 1, 2}))
	if o.TriangulationPolicy != config.Ordered {
		t.Fatalf("policy = %v, want Ordered", o.TriangulationPolicy)
	}
}
