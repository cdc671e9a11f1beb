package triangulate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katalvlaran/bnexact/bnvar"
	"github.com/katalvlaran/bnexact/config"
	"github.com/katalvlaran/bnexact/dag"
	"github.com/katalvlaran/bnexact/triangulate"
)

func uniformDomSize(_ bnvar.NodeId) int { return 2 }

func TestTriangulator_EmptyGraph(t *testing.T) {
	g := dag.New()
	tr := triangulate.New(config.Default())
	jt, err := tr.Run(context.Background(), g.Moral(), uniformDomSize, nil)
	require.NoError(t, err)
	assert.Empty(t, jt.Cliques())
	assert.Empty(t, jt.Roots())
}

func TestTriangulator_ChainFamilyPreservation(t *testing.T) {
	g := dag.New()
	a, b, c := bnvar.NodeId(1), bnvar.NodeId(2), bnvar.NodeId(3)
	require.NoError(t, g.AddArc(a, b))
	require.NoError(t, g.AddArc(b, c))

	tr := triangulate.New(config.Default())
	jt, err := tr.Run(context.Background(), g.Moral(), uniformDomSize, nil)
	require.NoError(t, err)

	for _, v := range []bnvar.NodeId{a, b, c} {
		cid, ok := jt.CreatedClique(v)
		require.True(t, ok, "node %d must map to a clique", v)
		clique, ok := jt.Clique(cid)
		require.True(t, ok)
		assert.Contains(t, clique.Vars, v)
	}
	// b's family {b} ∪ parents(b) = {a,b} must be a subset of some clique.
	bClique, _ := jt.Clique(mustClique(t, jt, b))
	assert.True(t, bClique.Vars.Contains(a))
	assert.True(t, bClique.Vars.Contains(b))
}

func TestTriangulator_VStructureMoralization(t *testing.T) {
	g := dag.New()
	rain, sprinkler, wet := bnvar.NodeId(1), bnvar.NodeId(2), bnvar.NodeId(3)
	require.NoError(t, g.AddArc(rain, wet))
	require.NoError(t, g.AddArc(sprinkler, wet))

	tr := triangulate.New(config.Default())
	jt, err := tr.Run(context.Background(), g.Moral(), uniformDomSize, nil)
	require.NoError(t, err)

	wetCid := mustClique(t, jt, wet)
	wetClique, _ := jt.Clique(wetCid)
	assert.True(t, wetClique.Vars.Contains(rain))
	assert.True(t, wetClique.Vars.Contains(sprinkler))
	assert.True(t, wetClique.Vars.Contains(wet))
}

func TestTriangulator_DisconnectedYieldsForest(t *testing.T) {
	g := dag.New()
	a, b := bnvar.NodeId(1), bnvar.NodeId(2)
	c, d := bnvar.NodeId(3), bnvar.NodeId(4)
	require.NoError(t, g.AddArc(a, b))
	require.NoError(t, g.AddArc(c, d))

	tr := triangulate.New(config.Default())
	jt, err := tr.Run(context.Background(), g.Moral(), uniformDomSize, nil)
	require.NoError(t, err)

	assert.Len(t, jt.Roots(), 2, "two disconnected components must yield two roots")
}

func TestTriangulator_DeterministicTieBreak(t *testing.T) {
	g := dag.New()
	// Four pairwise-disconnected nodes: all simplicial with equal weight,
	// so the elimination order must be fully determined by NodeId.
	for _, id := range []bnvar.NodeId{4, 2, 1, 3} {
		g.AddNode(id)
	}

	tr := triangulate.New(config.Default())
	jt1, err := tr.Run(context.Background(), g.Moral(), uniformDomSize, nil)
	require.NoError(t, err)
	jt2, err := tr.Run(context.Background(), g.Moral(), uniformDomSize, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, jt1.Cliques(), jt2.Cliques())
	for _, id := range []bnvar.NodeId{1, 2, 3, 4} {
		c1, ok1 := jt1.CreatedClique(id)
		c2, ok2 := jt2.CreatedClique(id)
		require.True(t, ok1)
		require.True(t, ok2)
		assert.Equal(t, c1, c2)
	}
}

func TestTriangulator_RunningIntersectionOnChain(t *testing.T) {
	g := dag.New()
	a, b, c, d := bnvar.NodeId(1), bnvar.NodeId(2), bnvar.NodeId(3), bnvar.NodeId(4)
	require.NoError(t, g.AddArc(a, b))
	require.NoError(t, g.AddArc(b, c))
	require.NoError(t, g.AddArc(c, d))

	tr := triangulate.New(config.Default())
	jt, err := tr.Run(context.Background(), g.Moral(), uniformDomSize, nil)
	require.NoError(t, err)

	// Every variable shared by two non-adjacent cliques must appear on
	// every clique along the (unique) path between them.
	cliques := jt.Cliques()
	for _, x := range []bnvar.NodeId{a, b, c, d} {
		cid := mustClique(t, jt, x)
		visited := map[triangulate.CliqueId]bool{cid: true}
		stack := []triangulate.CliqueId{cid}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			clique, _ := jt.Clique(n)
			if !clique.Vars.Contains(x) {
				continue
			}
			for _, nb := range jt.Neighbors(n) {
				sep, ok := jt.Separator(n, nb)
				if ok && sep.Contains(x) && !visited[nb] {
					visited[nb] = true
					stack = append(stack, nb)
				}
			}
		}
		for _, id := range cliques {
			clique, _ := jt.Clique(id)
			if clique.Vars.Contains(x) {
				assert.True(t, visited[id], "clique %v holds %v but is not reachable through separators containing it", id, x)
			}
		}
	}
	assert.NotEmpty(t, cliques)
}

func mustClique(t *testing.T, jt *triangulate.JunctionTree, x bnvar.NodeId) triangulate.CliqueId {
	t.Helper()
	cid, ok := jt.CreatedClique(x)
	require.True(t, ok, "no created clique for node %d", x)
	return cid
}

func TestMaxLogCliqueDomainSize_EmptyGraph(t *testing.T) {
	g := dag.New()
	tr := triangulate.New(config.Default())
	jt, err := tr.Run(context.Background(), g.Moral(), uniformDomSize, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, triangulate.MaxLogCliqueDomainSize(jt, uniformDomSize))
}
