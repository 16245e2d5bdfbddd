// Package reporting renders policy benchmark results as Markdown.
package reporting

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/discochess/evalhub/benchmark/analysis"
	"github.com/discochess/evalhub/benchmark/simulation"
)

// MarkdownReport writes a benchmark report section by section.
type MarkdownReport struct {
	w io.Writer
}

// NewMarkdownReport creates a report writer.
func NewMarkdownReport(w io.Writer) *MarkdownReport {
	return &MarkdownReport{w: w}
}

// WriteHeader writes the report title and timestamp.
func (r *MarkdownReport) WriteHeader(title string) {
	fmt.Fprintf(r.w, "# %s\n\n", title)
	fmt.Fprintf(r.w, "Generated: %s\n\n", time.Now().Format(time.RFC3339))
}

// WriteMethodology writes the methodology section.
func (r *MarkdownReport) WriteMethodology(positions, policies int) {
	fmt.Fprintln(r.w, "## Methodology")
	fmt.Fprintln(r.w)
	fmt.Fprintf(r.w, "- **Positions replayed:** %d\n", positions)
	fmt.Fprintf(r.w, "- **Policies compared:** %d\n", policies)
	fmt.Fprintln(r.w, "- **Metric:** engine milliseconds per position (lower is better)")
	fmt.Fprintln(r.w, "- **Guardrail:** centipawn drift against the deepest scheduled pass")
	fmt.Fprintln(r.w, "- **Statistical tests:** Mann-Whitney U (non-parametric), Cohen's d effect size")
	fmt.Fprintln(r.w)
}

// WriteSummaryTable writes the per-policy summary table.
func (r *MarkdownReport) WriteSummaryTable(results map[string]*simulation.AggregateResult) {
	fmt.Fprintln(r.w, "## Summary")
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "| Policy | Avg ms | Median ms | Passes/pos | Early stops | Time saved | Drift p95 (cp) | Mate flips |")
	fmt.Fprintln(r.w, "|--------|--------|-----------|------------|-------------|------------|----------------|------------|")

	for _, name := range simulation.PolicyNames(results) {
		m := simulation.ComputeMetrics(results[name])
		fmt.Fprintf(r.w, "| %s | %.0f | %.0f | %.2f | %.1f%% | %.1f%% | %.0f | %d |\n",
			name, m.AvgEngineMs, m.MedianEngineMs, m.AvgPasses,
			m.StopRate, m.SavedMsPct, m.P95DriftCP, m.MateFlips)
	}
	fmt.Fprintln(r.w)
}

// WriteComparison writes a detailed comparison section.
func (r *MarkdownReport) WriteComparison(comp *analysis.PolicyComparison) {
	fmt.Fprintf(r.w, "## %s vs %s\n\n", comp.Policy1, comp.Policy2)

	fmt.Fprintln(r.w, "### Engine Time (ms/position)")
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "| Metric | "+comp.Policy1+" | "+comp.Policy2+" |")
	fmt.Fprintln(r.w, "|--------|"+strings.Repeat("-", len(comp.Policy1)+2)+"|"+strings.Repeat("-", len(comp.Policy2)+2)+"|")
	fmt.Fprintf(r.w, "| Mean | %.0f | %.0f |\n", comp.Time1.Mean, comp.Time2.Mean)
	fmt.Fprintf(r.w, "| Median | %.0f | %.0f |\n", comp.Time1.Median, comp.Time2.Median)
	fmt.Fprintf(r.w, "| Std Dev | %.0f | %.0f |\n", comp.Time1.StdDev, comp.Time2.StdDev)
	fmt.Fprintf(r.w, "| Min | %.0f | %.0f |\n", comp.Time1.Min, comp.Time2.Min)
	fmt.Fprintf(r.w, "| Max | %.0f | %.0f |\n", comp.Time1.Max, comp.Time2.Max)
	fmt.Fprintf(r.w, "| Drift p75 (cp) | %.1f | %.1f |\n", comp.Drift1.P75, comp.Drift2.P75)
	fmt.Fprintf(r.w, "| Drift max (cp) | %.1f | %.1f |\n", comp.Drift1.Max, comp.Drift2.Max)
	fmt.Fprintln(r.w)

	fmt.Fprintln(r.w, "### Statistical Analysis")
	fmt.Fprintln(r.w)
	fmt.Fprintf(r.w, "- **Mann-Whitney U:** %.2f (z=%.2f, p=%.4f)\n",
		comp.MannWhitney.U, comp.MannWhitney.Z, comp.MannWhitney.PValue)
	fmt.Fprintf(r.w, "- **Effect size (Cohen's d):** %.2f (%s)\n",
		comp.EffectSize.CohensD, comp.EffectSize.Interpretation)
	fmt.Fprintf(r.w, "- **%.0f%% CI for mean difference:** [%.0f, %.0f] ms\n",
		comp.BootstrapCI.Confidence*100, comp.BootstrapCI.LowerBound, comp.BootstrapCI.UpperBound)
	fmt.Fprintln(r.w)

	fmt.Fprintln(r.w, "### Conclusion")
	fmt.Fprintln(r.w)
	if comp.WinnerConfident {
		fmt.Fprintf(r.w, "**%s** spends significantly less engine time than %s ",
			comp.Winner, otherPolicy(comp.Winner, comp.Policy1, comp.Policy2))
		fmt.Fprintf(r.w, "(p < %.2f, effect size: %s).\n", analysis.Alpha, comp.EffectSize.Interpretation)
	} else {
		fmt.Fprintln(r.w, "No statistically significant difference in engine time between the policies.")
	}
	fmt.Fprintln(r.w)
}

func otherPolicy(winner, p1, p2 string) string {
	if winner == p1 {
		return p2
	}
	return p1
}

// WriteDistributionChart writes an ASCII histogram of a sample.
func (r *MarkdownReport) WriteDistributionChart(name string, data []float64) {
	fmt.Fprintf(r.w, "### %s Distribution\n\n", name)
	fmt.Fprintln(r.w, "```")

	const buckets = 10
	counts, lo, width := histogram(data, buckets)
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	const barWidth = 40
	for i, count := range counts {
		barLen := 0
		if maxCount > 0 {
			barLen = count * barWidth / maxCount
		}
		from := lo + float64(i)*width
		fmt.Fprintf(r.w, "%6.0f-%6.0f │ %s %d\n", from, from+width, strings.Repeat("█", barLen), count)
	}

	fmt.Fprintln(r.w, "```")
	fmt.Fprintln(r.w)
}

// histogram buckets data into equal-width bins, returning the counts,
// lowest bound and bin width.
func histogram(data []float64, buckets int) ([]int, float64, float64) {
	counts := make([]int, buckets)
	if len(data) == 0 {
		return counts, 0, 1
	}

	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		hi = lo + 1
	}

	width := (hi - lo) / float64(buckets)
	for _, v := range data {
		b := int((v - lo) / width)
		if b >= buckets {
			b = buckets - 1
		}
		counts[b]++
	}
	return counts, lo, width
}

// WriteFooter writes the report footer.
func (r *MarkdownReport) WriteFooter() {
	fmt.Fprintln(r.w, "---")
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "*Report generated by evalhub-bench*")
}
