package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/discochess/evalhub/benchmark/analysis"
	"github.com/discochess/evalhub/benchmark/reporting"
	"github.com/discochess/evalhub/benchmark/simulation"
)

var (
	runTraces     string
	runPolicies   []string
	runBaseline   string
	runFormat     string
	runOutput     string
	runBootstrap  int
	runConfidence float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay recorded traces through refinement policies",
	RunE:  runReplay,
}

func init() {
	runCmd.Flags().StringVarP(&runTraces, "traces", "t", "", "trace file from a record run (supports .zst)")
	runCmd.Flags().StringSliceVar(&runPolicies, "policies", []string{"standard", "standard-full"}, "policies to compare")
	runCmd.Flags().StringVar(&runBaseline, "baseline", "", "baseline policy (default: last compared policy)")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "text", "output format: text, markdown")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "output file (default: stdout)")
	runCmd.Flags().IntVar(&runBootstrap, "bootstrap", 10000, "bootstrap iterations for confidence intervals")
	runCmd.Flags().Float64Var(&runConfidence, "confidence", 0.95, "confidence level for intervals")
	runCmd.MarkFlagRequired("traces")
	rootCmd.AddCommand(runCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	policies, err := parsePolicies(runPolicies)
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		return fmt.Errorf("no policies to compare")
	}
	baseline := runBaseline
	if baseline == "" {
		baseline = policies[len(policies)-1].Name
	}
	if !hasPolicy(policies, baseline) {
		return fmt.Errorf("baseline %q is not among the compared policies", baseline)
	}

	file, err := os.Open(runTraces)
	if err != nil {
		return fmt.Errorf("opening traces: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(runTraces, ".zst") {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer decoder.Close()
		reader = decoder
	}

	traces, err := simulation.ReadTraces(reader)
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		return fmt.Errorf("no traces found in %s", runTraces)
	}

	results := simulation.NewSimulator(policies...).Replay(traces)
	multi := analysis.CompareAll(results, baseline, runBootstrap, runConfidence)

	var output io.Writer = os.Stdout
	if runOutput != "" {
		f, err := os.Create(runOutput)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		output = f
	}

	switch runFormat {
	case "markdown":
		return writeMarkdownReport(output, len(traces), results, multi)
	case "text":
		return writeTextReport(output, len(traces), results, multi)
	default:
		return fmt.Errorf("unknown format %q", runFormat)
	}
}

func hasPolicy(policies []simulation.Policy, name string) bool {
	for _, pol := range policies {
		if pol.Name == name {
			return true
		}
	}
	return false
}

func writeTextReport(w io.Writer, traceCount int, results map[string]*simulation.AggregateResult, multi *analysis.MultiPolicyComparison) error {
	fmt.Fprintf(w, "Refinement Policy Benchmark\n")
	fmt.Fprintf(w, "===========================\n\n")
	fmt.Fprintf(w, "Positions: %d\n\n", traceCount)

	fmt.Fprintf(w, "Results:\n")
	fmt.Fprintf(w, "--------\n\n")
	for _, name := range simulation.PolicyNames(results) {
		m := simulation.ComputeMetrics(results[name])
		fmt.Fprintf(w, "%s:\n", name)
		fmt.Fprintf(w, "  Avg engine time:  %.0fms/position (median %.0f, p90 %.0f)\n",
			m.AvgEngineMs, m.MedianEngineMs, m.P90EngineMs)
		fmt.Fprintf(w, "  Passes/position:  %.2f\n", m.AvgPasses)
		fmt.Fprintf(w, "  Early stops:      %.1f%% of positions, %.1f%% of scheduled time saved\n",
			m.StopRate, m.SavedMsPct)
		fmt.Fprintf(w, "  Score drift:      mean %.1fcp, p95 %.0fcp, max %.0fcp\n",
			m.MeanDriftCP, m.P95DriftCP, m.MaxDriftCP)
		if m.MateFlips > 0 {
			fmt.Fprintf(w, "  Mate flips:       %d\n", m.MateFlips)
		}
		if m.Skipped > 0 {
			fmt.Fprintf(w, "  Skipped traces:   %d (missing budgets)\n", m.Skipped)
		}
		fmt.Fprintln(w)
	}

	if multi != nil && len(multi.Comparisons) > 0 {
		fmt.Fprintf(w, "Statistical Analysis (baseline: %s):\n", multi.Baseline)
		fmt.Fprintf(w, "------------------------------------\n\n")
		for _, comp := range multi.Comparisons {
			fmt.Fprintln(w, comp.Summary())
			fmt.Fprintln(w)
		}
	}
	return nil
}

func writeMarkdownReport(w io.Writer, traceCount int, results map[string]*simulation.AggregateResult, multi *analysis.MultiPolicyComparison) error {
	report := reporting.NewMarkdownReport(w)
	report.WriteHeader("Refinement Policy Benchmark")
	report.WriteMethodology(traceCount, len(results))
	report.WriteSummaryTable(results)

	if multi != nil {
		for _, comp := range multi.Comparisons {
			report.WriteComparison(comp)
		}
	}
	for _, name := range simulation.PolicyNames(results) {
		report.WriteDistributionChart(name+" engine ms", results[name].EngineMsPerPosition)
	}

	report.WriteFooter()
	return nil
}
