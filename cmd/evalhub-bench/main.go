// Package main provides the evalhub-bench CLI for comparing refinement
// policies with recorded engine data.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "evalhub-bench",
	Short: "Benchmark refinement policies with recorded engine data",
	Long: `evalhub-bench measures what a refinement policy's early stop buys and
what it costs. A recording run plays positions from a PGN file through
a real engine at every budget the compared schedules need; a replay run
then simulates each policy over the recorded passes, so schedules are
compared on identical engine output.

Examples:
  # Record a trace file with a local engine (slow, runs the engine)
  evalhub-bench record --pgn games.pgn --engine stockfish --out traces.jsonl.zst

  # Compare the standard policy against its no-early-stop baseline
  evalhub-bench run --traces traces.jsonl.zst

  # Compare specific policies and write a markdown report
  evalhub-bench run --traces traces.jsonl.zst --policies fast,fast-full --format markdown --output report.md`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
