package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/notnil/chess"
	"github.com/spf13/cobra"

	"github.com/discochess/evalhub"
)

var gameCmd = &cobra.Command{
	Use:   "game [PGN]",
	Short: "Evaluate every position in a PGN file",
	Long: `Run each game in a PGN file through the engine, one quick
time-bound evaluation per position. Transpositions and repeated
openings are served from the cache.

Examples:
  # First ten games with the default quick budget
  evalhub game mygames.pgn

  # Deeper look at a single game
  evalhub game --games 1 --movetime 1000 mygames.pgn`,
	Args: cobra.ExactArgs(1),
	RunE: runGame,
}

var (
	gameMax      int
	gameProfile  string
	gameMovetime int
)

func init() {
	gameCmd.Flags().IntVar(&gameMax, "games", 10, "max games to analyze")
	gameCmd.Flags().StringVar(&gameProfile, "profile", "fast", "quality profile")
	gameCmd.Flags().IntVar(&gameMovetime, "movetime", evalhub.MiniMovetimeMs, "search time per position in milliseconds")
	rootCmd.AddCommand(gameCmd)
}

func runGame(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening PGN: %w", err)
	}
	defer f.Close()

	svc, err := newService()
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	defer svc.Close()

	ctx := context.Background()
	scanner := chess.NewScanner(f)

	var totalPositions, cacheHits int
	var totalEvalTime time.Duration
	gamesAnalyzed := 0

	for scanner.Scan() && gamesAnalyzed < gameMax {
		game := scanner.Next()
		gamesAnalyzed++

		white := game.GetTagPair("White")
		black := game.GetTagPair("Black")
		result := game.GetTagPair("Result")

		fmt.Printf("\n=== Game %d: %s vs %s (%s) ===\n",
			gamesAnalyzed,
			white.Value, black.Value, result.Value)

		positions := game.Positions()
		gameHits := 0

		for i, pos := range positions {
			start := time.Now()
			res, err := svc.Evaluate(ctx, pos.String(), evalhub.EvalOptions{
				Profile:    gameProfile,
				MovetimeMs: gameMovetime,
			})
			elapsed := time.Since(start)
			totalEvalTime += elapsed
			totalPositions++

			if err != nil {
				fmt.Printf("  Move %2d: evaluation failed: %v\n", i/2+1, err)
				continue
			}
			if res.FromCache {
				cacheHits++
				gameHits++
			}
			// Show evaluations for key positions (every 10 plies).
			if i%10 == 0 || i == len(positions)-1 {
				fmt.Printf("  Move %2d: %s %s (%v)\n", i/2+1, res.Score(), res.BestMove(), elapsed)
			}
		}

		hitRate := float64(gameHits) / float64(len(positions)) * 100
		fmt.Printf("  Positions: %d, cache hits: %d (%.1f%%)\n", len(positions), gameHits, hitRate)
	}

	if totalPositions == 0 {
		return fmt.Errorf("no positions found in %q", args[0])
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Games analyzed: %d\n", gamesAnalyzed)
	fmt.Printf("Total positions: %d\n", totalPositions)
	fmt.Printf("Cache hits: %d (%.1f%%)\n", cacheHits, float64(cacheHits)/float64(totalPositions)*100)
	fmt.Printf("Avg evaluation: %v\n", totalEvalTime/time.Duration(totalPositions))
	return nil
}
