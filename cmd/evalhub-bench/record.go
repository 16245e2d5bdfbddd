package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/discochess/evalhub/benchmark/pgn"
	"github.com/discochess/evalhub/benchmark/simulation"
	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/backend/enginehost"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/profile"
)

var (
	recordPGN       string
	recordEngine    string
	recordOut       string
	recordPolicies  []string
	recordPositions int
	recordVerbose   bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record pass traces by running an engine over PGN positions",
	Long: `record extracts unique positions from a PGN file and evaluates each one
at every budget the compared policies schedule, writing the results as
one JSONL trace per position. Recording is the slow half of a benchmark;
the trace file can be replayed any number of times.`,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVarP(&recordPGN, "pgn", "g", "", "PGN file with source games (supports .zst)")
	recordCmd.Flags().StringVarP(&recordEngine, "engine", "e", "stockfish", "UCI engine binary to record with")
	recordCmd.Flags().StringVarP(&recordOut, "out", "o", "traces.jsonl", "trace output file (.zst compresses)")
	recordCmd.Flags().StringSliceVar(&recordPolicies, "policies", []string{"standard", "standard-full"}, "policies the traces must cover")
	recordCmd.Flags().IntVar(&recordPositions, "positions", 200, "max unique positions to record")
	recordCmd.Flags().BoolVarP(&recordVerbose, "verbose", "v", false, "progress output")
	recordCmd.MarkFlagRequired("pgn")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	policies, err := parsePolicies(recordPolicies)
	if err != nil {
		return err
	}
	budgets := simulation.Budgets(policies...)

	file, err := os.Open(recordPGN)
	if err != nil {
		return fmt.Errorf("opening PGN: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(recordPGN, ".zst") {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer decoder.Close()
		reader = decoder
	}

	positions, stats, err := pgn.Positions(reader)
	if err != nil {
		return fmt.Errorf("extracting positions: %w", err)
	}
	if len(positions) == 0 {
		return fmt.Errorf("no positions found in %s", recordPGN)
	}
	if len(positions) > recordPositions {
		positions = positions[:recordPositions]
	}

	if recordVerbose {
		fmt.Fprintf(os.Stderr, "Extracted %d unique positions from %d games, recording %d at budgets %v\n",
			stats.UniquePositions, stats.Games, len(positions), budgets)
	}

	host, err := enginehost.New(enginehost.Config{
		ID:      "recorder",
		Command: recordEngine,
	})
	if err != nil {
		return fmt.Errorf("configuring engine: %w", err)
	}
	ctx := context.Background()
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer host.Close()

	start := time.Now()
	traces := make([]simulation.Trace, 0, len(positions))
	for i, fen := range positions {
		trace := simulation.Trace{FEN: fen}
		for _, budgetMs := range budgets {
			resp, err := host.Evaluate(ctx, backend.Request{
				FEN:        fen,
				ProfileID:  "bench",
				MultiPV:    1,
				Mode:       fingerprint.ModeTime,
				MovetimeMs: budgetMs,
			})
			if err != nil {
				return fmt.Errorf("evaluating position %d at %dms: %w", i+1, budgetMs, err)
			}
			best := resp.Best()
			if best == nil {
				continue
			}
			trace.Passes = append(trace.Passes, simulation.PassSample{
				BudgetMs: budgetMs,
				Depth:    best.Depth,
				CP:       best.CP,
				Mate:     best.Mate,
				PV:       best.PV,
			})
		}
		if len(trace.Passes) > 0 {
			traces = append(traces, trace)
		}
		if recordVerbose && (i+1)%10 == 0 {
			fmt.Fprintf(os.Stderr, "Recorded %d/%d positions (%v elapsed)\n", i+1, len(positions), time.Since(start).Round(time.Second))
		}
	}

	if err := writeTraceFile(recordOut, traces); err != nil {
		return err
	}
	fmt.Printf("Recorded %d traces at %d budgets to %s (%v)\n",
		len(traces), len(budgets), recordOut, time.Since(start).Round(time.Second))
	return nil
}

func writeTraceFile(path string, traces []simulation.Trace) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating trace file: %w", err)
	}

	var w io.Writer = f
	var zw *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		zw, err = zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		w = zw
	}

	if err := simulation.WriteTraces(w, traces); err != nil {
		if zw != nil {
			zw.Close()
		}
		f.Close()
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return fmt.Errorf("flushing zstd encoder: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing trace file: %w", err)
	}
	return nil
}

// parsePolicies resolves policy names against the profile registry. A
// "-full" suffix replays the named profile's schedule without its early
// stop, the usual baseline.
func parsePolicies(names []string) ([]simulation.Policy, error) {
	reg := profile.NewRegistry()
	policies := make([]simulation.Policy, 0, len(names))
	for _, name := range names {
		base := strings.TrimSuffix(name, "-full")
		if !reg.Has(base) {
			return nil, fmt.Errorf("unknown policy %q (profiles: %s)", name, strings.Join(reg.IDs(), ", "))
		}
		pol := simulation.PolicyFromProfile(reg.Get(base))
		if base != name {
			pol = pol.FullSchedule()
		}
		policies = append(policies, pol)
	}
	return policies, nil
}
