package analysis

import (
	"fmt"
	"sort"

	"github.com/discochess/evalhub/benchmark/simulation"
)

// PolicyComparison is a full statistical comparison of two refinement
// policies on the engine time they spend per position. Drift summaries
// ride along as the guardrail: time saved is only a win if the answer
// stays put.
type PolicyComparison struct {
	Policy1 string
	Policy2 string

	Time1  *DescriptiveStats // Engine ms per position.
	Time2  *DescriptiveStats
	Drift1 *DescriptiveStats // Centipawn drift against the full schedule.
	Drift2 *DescriptiveStats

	MannWhitney *MannWhitneyResult
	EffectSize  *EffectSize
	BootstrapCI *BootstrapResult

	Winner          string // Policy with less engine time, or "tie".
	WinnerConfident bool   // True if the time difference is significant.
}

// ComparePolicies runs the full statistical comparison between two
// replay aggregates. Lower mean engine time wins.
func ComparePolicies(a, b *simulation.AggregateResult, bootstrapIterations int, confidence float64) *PolicyComparison {
	comp := &PolicyComparison{
		Policy1:     a.PolicyName,
		Policy2:     b.PolicyName,
		Time1:       Describe(a.EngineMsPerPosition),
		Time2:       Describe(b.EngineMsPerPosition),
		Drift1:      Describe(a.DriftCP),
		Drift2:      Describe(b.DriftCP),
		MannWhitney: MannWhitneyU(a.EngineMsPerPosition, b.EngineMsPerPosition),
		EffectSize:  ComputeEffectSize(a.EngineMsPerPosition, b.EngineMsPerPosition),
		BootstrapCI: BootstrapConfidenceInterval(a.EngineMsPerPosition, b.EngineMsPerPosition, bootstrapIterations, confidence),
	}

	switch {
	case comp.Time1.Mean < comp.Time2.Mean:
		comp.Winner = a.PolicyName
		comp.WinnerConfident = comp.MannWhitney.Significant
	case comp.Time2.Mean < comp.Time1.Mean:
		comp.Winner = b.PolicyName
		comp.WinnerConfident = comp.MannWhitney.Significant
	default:
		comp.Winner = "tie"
	}
	return comp
}

// Summary returns a human-readable summary of the comparison.
func (c *PolicyComparison) Summary() string {
	sig := "not statistically significant"
	if c.MannWhitney.Significant {
		sig = fmt.Sprintf("statistically significant (p=%.4f)", c.MannWhitney.PValue)
	}

	return fmt.Sprintf(
		"%s vs %s:\n"+
			"  %s: mean=%.0fms, median=%.0fms, std=%.0fms, drift p75=%.1fcp\n"+
			"  %s: mean=%.0fms, median=%.0fms, std=%.0fms, drift p75=%.1fcp\n"+
			"  Difference: %.0fms/position (%.1f%%)\n"+
			"  Effect size: %.2f (%s)\n"+
			"  Result: %s, %s",
		c.Policy1, c.Policy2,
		c.Policy1, c.Time1.Mean, c.Time1.Median, c.Time1.StdDev, c.Drift1.P75,
		c.Policy2, c.Time2.Mean, c.Time2.Median, c.Time2.StdDev, c.Drift2.P75,
		c.Time1.Mean-c.Time2.Mean,
		safePctDiff(c.Time1.Mean, c.Time2.Mean),
		c.EffectSize.CohensD, c.EffectSize.Interpretation,
		c.Winner, sig,
	)
}

func safePctDiff(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return (a - b) / b * 100
}

// MultiPolicyComparison compares several policies against a baseline.
type MultiPolicyComparison struct {
	Baseline    string
	Comparisons []*PolicyComparison
}

// CompareAll compares every other policy against the named baseline, in
// name order.
func CompareAll(results map[string]*simulation.AggregateResult, baseline string, bootstrapIterations int, confidence float64) *MultiPolicyComparison {
	base, ok := results[baseline]
	if !ok {
		return nil
	}

	names := make([]string, 0, len(results))
	for name := range results {
		if name != baseline {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	multi := &MultiPolicyComparison{Baseline: baseline}
	for _, name := range names {
		multi.Comparisons = append(multi.Comparisons, ComparePolicies(results[name], base, bootstrapIterations, confidence))
	}
	return multi
}
