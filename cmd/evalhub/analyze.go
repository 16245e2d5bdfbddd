package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/discochess/evalhub"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [FEN]",
	Short: "Evaluate a chess position",
	Long: `Evaluate a chess position given in FEN notation.

The FEN string should include at least the piece placement and side to
move. Castling rights and en passant square are optional. Scores are
from the side to move's perspective.

Examples:
  # Starting position at the profile's default depth
  evalhub analyze "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -"

  # After 1.e4, three lines, fixed time budget
  evalhub analyze --multipv 3 --movetime 500 "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3"`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

var (
	analyzeProfile  string
	analyzeMultiPV  int
	analyzeDepth    int
	analyzeMovetime int
	outputJSON      bool
	showTiming      bool
)

func init() {
	analyzeCmd.Flags().StringVar(&analyzeProfile, "profile", "", "quality profile (see 'evalhub profiles')")
	analyzeCmd.Flags().IntVar(&analyzeMultiPV, "multipv", 0, "number of ranked lines")
	analyzeCmd.Flags().IntVar(&analyzeDepth, "depth", 0, "target depth; overrides the profile default")
	analyzeCmd.Flags().IntVar(&analyzeMovetime, "movetime", 0, "search time in milliseconds; overrides --depth")
	analyzeCmd.Flags().BoolVar(&outputJSON, "json", false, "output result as JSON")
	analyzeCmd.Flags().BoolVar(&showTiming, "timing", false, "show evaluation timing")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	svc, err := newService()
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	defer svc.Close()

	ctx := context.Background()
	start := time.Now()

	res, err := svc.Evaluate(ctx, args[0], evalhub.EvalOptions{
		Profile:    analyzeProfile,
		MultiPV:    analyzeMultiPV,
		Depth:      analyzeDepth,
		MovetimeMs: analyzeMovetime,
	})
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	elapsed := time.Since(start)

	if outputJSON {
		printResultJSON(res, elapsed)
	} else {
		printResultText(res, elapsed)
	}

	return nil
}

func printResultText(res *evalhub.Result, elapsed time.Duration) {
	fmt.Printf("FEN:     %s\n", res.FEN)
	fmt.Printf("Profile: %s\n", res.Profile)
	if res.EngineName != "" {
		fmt.Printf("Engine:  %s\n", res.EngineName)
	}
	fmt.Printf("Score:   %s\n", res.Score())
	for _, line := range res.Lines {
		fmt.Printf("Line %d:  %s (%s, depth %d)\n", line.Rank, strings.Join(line.Moves, " "), line.Score(), line.Depth)
	}
	if res.FromCache {
		fmt.Printf("Cache:   hit\n")
	}
	if showTiming {
		fmt.Printf("Time:    %s\n", elapsed)
	}
}

func printResultJSON(res *evalhub.Result, elapsed time.Duration) {
	fmt.Printf(`{"fen":%q,"profile":%q,"score":%q,"lines":[`, res.FEN, res.Profile, res.Score())
	for i, line := range res.Lines {
		if i > 0 {
			fmt.Print(",")
		}
		fmt.Print("{")
		if line.Centipawns != nil {
			fmt.Printf(`"cp":%d,`, *line.Centipawns)
		}
		if line.Mate != nil {
			fmt.Printf(`"mate":%d,`, *line.Mate)
		}
		fmt.Printf(`"depth":%d,"moves":%q}`, line.Depth, strings.Join(line.Moves, " "))
	}
	fmt.Printf(`],"engine":%q,"cached":%t`, res.EngineName, res.FromCache)
	if showTiming {
		fmt.Printf(`,"elapsed_ms":%d`, elapsed.Milliseconds())
	}
	fmt.Println("}")
}
