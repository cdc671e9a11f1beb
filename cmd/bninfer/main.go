// Command bninfer is a flag-based CLI driver that exercises the whole
// exact-inference pipeline: it builds one of the built-in demo networks
// (spec.md §8's chain or sprinkler scenarios), applies evidence supplied
// on the command line, and prints the requested posteriors.
//
// The teacher (lvlath) ships no cmd/, only examples/*.go demonstration
// files; this follows the cmd/ layout of gitrdm/gokando's cmd/example
// and samgonzalez27/script-weaver's cmd/scriptweaver instead, since the
// engine here is a standalone query tool rather than a library-only repo.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/katalvlaran/bnexact/bayesnet"
	"github.com/katalvlaran/bnexact/config"
	"github.com/katalvlaran/bnexact/engine"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "bninfer:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("bninfer", flag.ContinueOnError)
	network := fs.String("network", "sprinkler", "built-in network: chain | sprinkler")
	evidence := fs.String("evidence", "", "comma-separated var=label or var=soft:v0:v1:... evidence, e.g. Wet=1,Sprinkler=1")
	query := fs.String("query", "", "comma-separated variable names to query (default: every variable)")
	verbose := fs.Bool("verbose", false, "enable phase-boundary logging")
	strict := fs.Bool("strict-cpt", false, "reject non-normalized CPTs instead of warning")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	opts := config.New(config.WithLogger(logger), config.WithStrictCPT(*strict))

	var bn *bayesnet.BayesNet
	var err error
	switch *network {
	case "chain":
		bn, err = buildChain(opts)
	case "sprinkler":
		bn, err = buildSprinkler(opts)
	default:
		return fmt.Errorf("unknown network %q (want chain | sprinkler)", *network)
	}
	if err != nil {
		return fmt.Errorf("build network: %w", err)
	}

	if err := applyEvidence(bn, *evidence); err != nil {
		return fmt.Errorf("apply evidence: %w", err)
	}

	ctx := context.Background()
	p, err := bn.EvidenceProbability(ctx)
	if err != nil {
		return fmt.Errorf("evidence probability: %w", err)
	}
	fmt.Printf("P(e) = %.6f\n", p)

	names := queryNames(*query, *network)
	for _, name := range names {
		f, err := bn.PosteriorVarByName(ctx, name)
		if err != nil {
			fmt.Printf("%-10s error: %v\n", name, err)
			continue
		}
		fmt.Printf("%-10s %s\n", name, formatFactor(f.Values()))
	}
	return nil
}

// applyEvidence parses "name=k" (hard) or "name=soft:v0:v1:..." (soft)
// entries separated by commas and installs them on bn.
func applyEvidence(bn *bayesnet.BayesNet, spec string) error {
	if spec == "" {
		return nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rhs, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("malformed evidence entry %q", entry)
		}
		if strings.HasPrefix(rhs, "soft:") {
			parts := strings.Split(strings.TrimPrefix(rhs, "soft:"), ":")
			vec := make([]float64, len(parts))
			for i, p := range parts {
				v, err := strconv.ParseFloat(p, 64)
				if err != nil {
					return fmt.Errorf("evidence %q: %w", entry, err)
				}
				vec[i] = v
			}
			if err := bn.SetEvidenceByName(name, engine.Soft, 0, vec); err != nil {
				return err
			}
			continue
		}
		k, err := strconv.Atoi(rhs)
		if err != nil {
			return fmt.Errorf("evidence %q: %w", entry, err)
		}
		if err := bn.SetEvidenceByName(name, engine.Hard, k, nil); err != nil {
			return err
		}
	}
	return nil
}

func queryNames(query, network string) []string {
	if query != "" {
		return strings.Split(query, ",")
	}
	if network == "chain" {
		return []string{"A", "B", "C"}
	}
	return []string{"Rain", "Sprinkler", "Wet"}
}

func formatFactor(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 4, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// buildChain is spec.md §8 scenario 1/2: A -> B -> C, all binary.
func buildChain(opts config.Options) (*bayesnet.BayesNet, error) {
	b := bayesnet.NewBuilder(opts)
	for _, name := range []string{"A", "B", "C"} {
		if err := b.AddVariable(name, []string{"0", "1"}); err != nil {
			return nil, err
		}
	}
	if err := b.AddArc("A", "B"); err != nil {
		return nil, err
	}
	if err := b.AddArc("B", "C"); err != nil {
		return nil, err
	}
	if err := b.AddCPT("A", nil, []float64{0.6, 0.4}); err != nil {
		return nil, err
	}
	// P(B|A): rows are A=0,A=1; columns are B=0,B=1 (B is the fastest axis).
	if err := b.AddCPT("B", []string{"A"}, []float64{0.9, 0.1, 0.2, 0.8}); err != nil {
		return nil, err
	}
	if err := b.AddCPT("C", []string{"B"}, []float64{0.7, 0.3, 0.1, 0.9}); err != nil {
		return nil, err
	}
	return b.Build()
}

// buildSprinkler is spec.md §8 scenario 3/4/5/6: Rain, Sprinkler ->
// Wet, all binary, the classic explaining-away network.
func buildSprinkler(opts config.Options) (*bayesnet.BayesNet, error) {
	b := bayesnet.NewBuilder(opts)
	for _, name := range []string{"Rain", "Sprinkler", "Wet"} {
		if err := b.AddVariable(name, []string{"0", "1"}); err != nil {
			return nil, err
		}
	}
	if err := b.AddArc("Rain", "Wet"); err != nil {
		return nil, err
	}
	if err := b.AddArc("Sprinkler", "Wet"); err != nil {
		return nil, err
	}
	if err := b.AddCPT("Rain", nil, []float64{0.8, 0.2}); err != nil {
		return nil, err
	}
	if err := b.AddCPT("Sprinkler", nil, []float64{0.9, 0.1}); err != nil {
		return nil, err
	}
	// P(Wet|Rain,Sprinkler): parents in (Rain, Sprinkler) order, Rain
	// the slowest axis, Sprinkler next, Wet the last (fastest) axis.
	if err := b.AddCPT("Wet", []string{"Rain", "Sprinkler"}, []float64{
		1.0, 0.0, // Rain=0,Sprinkler=0: P(Wet=0), P(Wet=1)
		0.1, 0.9, // Rain=0,Sprinkler=1
		0.1, 0.9, // Rain=1,Sprinkler=0
		0.01, 0.99, // Rain=1,Sprinkler=1
	}); err != nil {
		return nil, err
	}
	return b.Build()
}
