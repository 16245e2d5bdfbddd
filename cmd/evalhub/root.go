package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discochess/evalhub"
)

var (
	// Global flags.
	enginePath string
	cacheDir   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "evalhub",
	Short: "On-demand chess position analysis with caching and fallback",
	Long: `Evalhub drives a UCI engine to evaluate chess positions, with a
two-tier cache so repeated questions are answered without burning
engine time.

Evaluations persist in a small on-disk cache between invocations, so
asking about the same position twice within the freshness window is
instant.

Examples:
  # Evaluate the starting position
  evalhub analyze "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

  # Three lines at depth 20
  evalhub analyze --multipv 3 --depth 20 "r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R w KQkq - 4 3"

  # Run through a PGN
  evalhub game mygames.pgn

  # Inspect the durable cache
  evalhub cache stats`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&enginePath, "engine", "e", "stockfish", "UCI engine binary")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "./evalhub-cache", "durable cache directory; empty disables the durable tier")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// newService builds a service from the global flags.
func newService() (*evalhub.Service, error) {
	opts := []evalhub.Option{
		evalhub.WithEngineBackend("engine", enginePath),
	}
	if cacheDir != "" {
		opts = append(opts, evalhub.WithDurableCache(cacheDir))
	}
	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts = append(opts, evalhub.WithLogger(log))
	}
	return evalhub.New(opts...)
}
