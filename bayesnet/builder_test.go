package bayesnet_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katalvlaran/bnexact/bayesnet"
	"github.com/katalvlaran/bnexact/bnerr"
	"github.com/katalvlaran/bnexact/config"
	"github.com/katalvlaran/bnexact/engine"
)

func buildChainBN(t *testing.T) *bayesnet.BayesNet {
	t.Helper()
	b := bayesnet.NewBuilder(config.Default())
	require.NoError(t, b.AddVariable("A", []string{"0", "1"}))
	require.NoError(t, b.AddVariable("B", []string{"0", "1"}))
	require.NoError(t, b.AddVariable("C", []string{"0", "1"}))
	require.NoError(t, b.AddArc("A", "B"))
	require.NoError(t, b.AddArc("B", "C"))

	require.NoError(t, b.AddCPT("A", nil, []float64{0.6, 0.4}))
	// Wire format: parents then child last, child fastest-varying.
	// P(B=0|A=0)=0.9, P(B=1|A=0)=0.1, P(B=0|A=1)=0.2, P(B=1|A=1)=0.8.
	require.NoError(t, b.AddCPT("B", []string{"A"}, []float64{0.9, 0.1, 0.2, 0.8}))
	require.NoError(t, b.AddCPT("C", []string{"B"}, []float64{0.7, 0.3, 0.1, 0.9}))

	bn, err := b.Build()
	require.NoError(t, err)
	return bn
}

func TestBuilder_ChainEndToEnd(t *testing.T) {
	bn := buildChainBN(t)

	pa, err := bn.PosteriorVarByName(context.Background(), "A")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, pa.At(0), 1e-9)
	assert.InDelta(t, 0.4, pa.At(1), 1e-9)

	pb, err := bn.PosteriorVarByName(context.Background(), "B")
	require.NoError(t, err)
	assert.InDelta(t, 0.62, pb.At(0), 1e-9)
	assert.InDelta(t, 0.38, pb.At(1), 1e-9)
}

func TestBuilder_DuplicateVariable(t *testing.T) {
	b := bayesnet.NewBuilder(config.Default())
	require.NoError(t, b.AddVariable("A", []string{"0", "1"}))
	err := b.AddVariable("A", []string{"0", "1"})
	assert.ErrorIs(t, err, bnerr.ErrDuplicateVariable)
}

func TestBuilder_UnknownVariableInArc(t *testing.T) {
	b := bayesnet.NewBuilder(config.Default())
	require.NoError(t, b.AddVariable("A", []string{"0", "1"}))
	err := b.AddArc("A", "ghost")
	assert.ErrorIs(t, err, bnerr.ErrUnknownVariable)
}

func TestBuilder_CycleDetected(t *testing.T) {
	b := bayesnet.NewBuilder(config.Default())
	require.NoError(t, b.AddVariable("A", []string{"0", "1"}))
	require.NoError(t, b.AddVariable("B", []string{"0", "1"}))
	require.NoError(t, b.AddArc("A", "B"))
	err := b.AddArc("B", "A")
	assert.ErrorIs(t, err, bnerr.ErrCycleDetected)
}

func TestBuilder_CPTShapeMismatch_WrongLength(t *testing.T) {
	b := bayesnet.NewBuilder(config.Default())
	require.NoError(t, b.AddVariable("A", []string{"0", "1"}))
	require.NoError(t, b.AddVariable("B", []string{"0", "1"}))
	require.NoError(t, b.AddArc("A", "B"))
	err := b.AddCPT("B", []string{"A"}, []float64{0.9, 0.1, 0.2})
	assert.ErrorIs(t, err, bnerr.ErrCPTShapeMismatch)
}

func TestBuilder_CPTShapeMismatch_WrongParentSet(t *testing.T) {
	b := bayesnet.NewBuilder(config.Default())
	require.NoError(t, b.AddVariable("A", []string{"0", "1"}))
	require.NoError(t, b.AddVariable("B", []string{"0", "1"}))
	require.NoError(t, b.AddVariable("C", []string{"0", "1"}))
	require.NoError(t, b.AddArc("A", "B"))
	err := b.AddCPT("B", []string{"C"}, []float64{0.9, 0.1, 0.2, 0.8})
	assert.ErrorIs(t, err, bnerr.ErrCPTShapeMismatch)
}

func TestBuilder_CPTNotNormalized_WarnsByDefault(t *testing.T) {
	b := bayesnet.NewBuilder(config.Default())
	require.NoError(t, b.AddVariable("A", []string{"0", "1"}))
	err := b.AddCPT("A", nil, []float64{0.6, 0.6})
	assert.NoError(t, err, "default policy warns rather than rejects")
}

func TestBuilder_CPTNotNormalized_StrictRejects(t *testing.T) {
	b := bayesnet.NewBuilder(config.New(config.WithStrictCPT(true)))
	require.NoError(t, b.AddVariable("A", []string{"0", "1"}))
	err := b.AddCPT("A", nil, []float64{0.6, 0.6})
	assert.ErrorIs(t, err, bnerr.ErrCPTNotNormalized)
}

func TestBuilder_BuildFailsOnMissingCPT(t *testing.T) {
	b := bayesnet.NewBuilder(config.Default())
	require.NoError(t, b.AddVariable("A", []string{"0", "1"}))
	_, err := b.Build()
	assert.ErrorIs(t, err, bnerr.ErrCPTShapeMismatch)
}

func TestBuilder_VStructureExplainingAway(t *testing.T) {
	b := bayesnet.NewBuilder(config.Default())
	require.NoError(t, b.AddVariable("Rain", []string{"0", "1"}))
	require.NoError(t, b.AddVariable("Sprinkler", []string{"0", "1"}))
	require.NoError(t, b.AddVariable("Wet", []string{"0", "1"}))
	require.NoError(t, b.AddArc("Rain", "Wet"))
	require.NoError(t, b.AddArc("Sprinkler", "Wet"))

	require.NoError(t, b.AddCPT("Rain", nil, []float64{0.8, 0.2}))
	require.NoError(t, b.AddCPT("Sprinkler", nil, []float64{0.9, 0.1}))
	// Wire format: parents [Rain, Sprinkler] then Wet last, Wet fastest.
	// For (Rain,Sprinkler)=(0,0): Wet=0 -> 1.0, Wet=1 -> 0.0. Etc.
	require.NoError(t, b.AddCPT("Wet", []string{"Rain", "Sprinkler"}, []float64{
		1.0, 0.0, // Rain=0,Sprinkler=0
		0.1, 0.9, // Rain=0,Sprinkler=1
		0.1, 0.9, // Rain=1,Sprinkler=0
		0.01, 0.99, // Rain=1,Sprinkler=1
	}))

	bn, err := b.Build()
	require.NoError(t, err)

	require.NoError(t, bn.SetEvidenceByName("Wet", engine.Hard, 1, nil))
	pRain, err := bn.PosteriorVarByName(context.Background(), "Rain")
	require.NoError(t, err)
	assert.Greater(t, pRain.At(1), 0.2, "observing Wet=1 should raise Rain's posterior above its prior")
}
