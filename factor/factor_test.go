package factor_test

import (
	"errors"
	"math"
	"testing"

	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/bnvar"
	"github.com/katalvlaran/bnexact/factor"
)

func mustNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func almostEqual(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func twoBinary(t *testing.T) (bnvar.Variable, bnvar.Variable) {
	t.Helper()
	r := bnvar.NewRegistry()
	a, err := r.Register("A", []string{"0", "1"})
	mustNoError(t, err)
	b, err := r.Register("B", []string{"0", "1"})
	mustNoError(t, err)
	return a, b
}

func TestCombine_Broadcast(t *testing.T) {
	a, b := twoBinary(t)
	fa, err := factor.FromValues(bnvar.Sequence{a}, []float64{0.6, 0.4})
	mustNoError(t, err)
	fb, err := factor.FromValues(bnvar.Sequence{b}, []float64{0.5, 0.5})
	mustNoError(t, err)

	out, err := factor.Combine(fa, fb)
	mustNoError(t, err)

	if len(out.Vars()) != 2 || out.Vars()[0].NodeId() != a.NodeId() || out.Vars()[1].NodeId() != b.NodeId() {
		t.Fatalf("Combine output vars = %v, want [A,B]", out.Vars())
	}
	// Row-major over [A,B]: offsets 0..3 are (A0,B0)(A0,B1)(A1,B0)(A1,B1).
	want := []float64{0.3, 0.3, 0.2, 0.2}
	for i, w := range want {
		if !almostEqual(out.At(i), w, 1e-12) {
			t.Fatalf("At(%d) = %g, want %g", i, out.At(i), w)
		}
	}
}

func TestProject_SumsOutRemovedAxis(t *testing.T) {
	a, b := twoBinary(t)
	joint, err := factor.FromValues(bnvar.Sequence{a, b}, []float64{0.3, 0.3, 0.2, 0.2})
	mustNoError(t, err)

	marg, err := factor.Project(joint, bnvar.NewSet(b.NodeId()), factor.Sum)
	mustNoError(t, err)

	if len(marg.Vars()) != 1 || marg.Vars()[0].NodeId() != a.NodeId() {
		t.Fatalf("Project output vars = %v, want [A]", marg.Vars())
	}
	want := []float64{0.6, 0.4}
	for i, w := range want {
		if !almostEqual(marg.At(i), w, 1e-12) {
			t.Fatalf("At(%d) = %g, want %g", i, marg.At(i), w)
		}
	}
}

func TestNormalize(t *testing.T) {
	a, _ := twoBinary(t)
	f, err := factor.FromValues(bnvar.Sequence{a}, []float64{2, 2})
	mustNoError(t, err)
	f, err = f.Normalize()
	mustNoError(t, err)
	if !almostEqual(f.Sum(), 1.0, 1e-12) {
		t.Fatalf("Sum() = %g, want 1", f.Sum())
	}
}

func TestNormalize_ZeroMass(t *testing.T) {
	a, _ := twoBinary(t)
	f, err := factor.FromValues(bnvar.Sequence{a}, []float64{0, 0})
	mustNoError(t, err)
	_, err = f.Normalize()
	if !errors.Is(err, bnerr.ErrZeroMass) {
		t.Fatalf("want ErrZeroMass, got %v", err)
	}
}

func TestEvidenceIncorporateHard(t *testing.T) {
	a, _ := twoBinary(t)
	f, err := factor.FromValues(bnvar.Sequence{a}, []float64{0.6, 0.4})
	mustNoError(t, err)
	mustNoError(t, f.EvidenceIncorporateHard(a.NodeId(), 1))
	if f.At(0) != 0 || f.At(1) != 0.4 {
		t.Fatalf("hard evidence result = %v, want [0, 0.4]", f.Values())
	}
}

func TestEvidenceIncorporateSoft_RejectsNegative(t *testing.T) {
	a, _ := twoBinary(t)
	f, err := factor.FromValues(bnvar.Sequence{a}, []float64{0.6, 0.4})
	mustNoError(t, err)
	err = f.EvidenceIncorporateSoft(a.NodeId(), []float64{-1, 2})
	if !errors.Is(err, bnerr.ErrInvalidEvidenceVector) {
		t.Fatalf("want ErrInvalidEvidenceVector, got %v", err)
	}
}

func TestEvidenceIncorporateSoft_WrongLength(t *testing.T) {
	a, _ := twoBinary(t)
	f, err := factor.FromValues(bnvar.Sequence{a}, []float64{0.6, 0.4})
	mustNoError(t, err)
	err = f.EvidenceIncorporateSoft(a.NodeId(), []float64{1, 2, 3})
	if !errors.Is(err, bnerr.ErrInvalidEvidenceVector) {
		t.Fatalf("want ErrInvalidEvidenceVector, got %v", err)
	}
}

// TestCombineProjectEquivalence checks project(combine(ϕ, 1_S), S) ==
// ϕ·|dom(S)| for an added broadcast axis S, per spec.md §8.
func TestCombineProjectEquivalence(t *testing.T) {
	a, b := twoBinary(t)
	phi, err := factor.FromValues(bnvar.Sequence{a}, []float64{0.6, 0.4})
	mustNoError(t, err)
	uniformB := factor.Uniform(bnvar.Sequence{b})

	combined, err := factor.Combine(phi, uniformB)
	mustNoError(t, err)

	// combined summed over B should equal phi scaled by domain size of B
	// (since uniformB sums to domSize(B)), so we project and compare
	// entrywise against phi times domSize(B).
	projected, err := factor.Project(combined, bnvar.NewSet(b.NodeId()), factor.Sum)
	mustNoError(t, err)

	for i := range phi.Values() {
		scaled := phi.At(i) * float64(b.DomainSize())
		if !almostEqual(projected.At(i), scaled, 1e-9) {
			t.Fatalf("projected[%d] = %g, want %g", i, projected.At(i), scaled)
		}
	}
}

func TestValidate_RejectsNegativeAndNonFinite(t *testing.T) {
	a, _ := twoBinary(t)
	f, err := factor.FromValues(bnvar.Sequence{a}, []float64{-1, 2})
	mustNoError(t, err)
	if err := f.Validate(); err == nil {
		t.Fatalf("Validate() should reject negative entries")
	}

	g, err := factor.FromValues(bnvar.Sequence{a}, []float64{math.NaN(), 2})
	mustNoError(t, err)
	if err := g.Validate(); !errors.Is(err, bnerr.ErrNumericOverflow) {
		t.Fatalf("Validate() should reject NaN entries, got %v", err)
	}
}

func TestFromValues_ShapeMismatch(t *testing.T) {
	a, _ := twoBinary(t)
	_, err := factor.FromValues(bnvar.Sequence{a}, []float64{1, 2, 3})
	if !errors.Is(err, bnerr.ErrShapeMismatch) {
		t.Fatalf("want ErrShapeMismatch, got %v", err)
	}
}
