// Package bnexact is an exact-inference engine for discrete Bayesian
// networks: dense factor tables, DAG/moral-graph primitives, an
// elimination-order triangulator, a symbolic combine/project schedule,
// and a Shafer-Shenoy junction-tree propagation engine.
//
// Subpackages, leaves first:
//
//	bnvar/        named discrete variables with a stable, registry-scoped identity
//	instantiate/  row-major cursor over a variable sequence
//	factor/       dense nonnegative table: combine, project, normalize, evidence
//	dag/          directed acyclic graph and its derived moral graph
//	triangulate/  elimination-order search, chordal completion, junction tree
//	schedule/     symbolic combine/project plan, cost oracle, bounded executor
//	engine/       evidence store, collect/diffuse propagation, posteriors
//	bayesnet/     the user-facing facade: ingestion (Builder) plus query API
//	config/       functional-option configuration used by triangulate, schedule, engine and bayesnet
//	bnerr/        the error-kind taxonomy every package reports through
//
// A minimal end-to-end use:
//
//	b := bayesnet.NewBuilder(config.New())
//	b.AddVariable("Rain", []string{"0", "1"})
//	b.AddVariable("Wet", []string{"0", "1"})
//	b.AddArc("Rain", "Wet")
//	b.AddCPT("Rain", nil, []float64{0.8, 0.2})
//	b.AddCPT("Wet", []string{"Rain"}, []float64{0.9, 0.1, 0.1, 0.9})
//	bn, _ := b.Build()
//	bn.SetEvidenceByName("Wet", engine.Hard, 1, nil)
//	post, _ := bn.PosteriorVarByName(context.Background(), "Rain")
//
// See cmd/bninfer for a runnable CLI over the two built-in demo networks.
package bnexact
