package simulation

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Metrics condenses an aggregate into the figures the reports print.
type Metrics struct {
	Positions int
	Skipped   int

	// Engine time, milliseconds per position.
	AvgEngineMs    float64
	MedianEngineMs float64
	P90EngineMs    float64

	AvgPasses  float64
	StopRate   float64 // Percent of positions that stopped early.
	SavedMsPct float64 // Percent of scheduled engine time skipped.

	// Score drift against the deepest scheduled pass, centipawns.
	MeanDriftCP float64
	P95DriftCP  float64
	MaxDriftCP  float64
	MateFlips   int
}

// ComputeMetrics computes report metrics from an aggregate result.
func ComputeMetrics(result *AggregateResult) *Metrics {
	m := &Metrics{
		Positions:  result.Positions,
		Skipped:    result.Skipped,
		SavedMsPct: result.SavedFraction(),
		MateFlips:  result.MateFlips,
	}
	if result.Positions > 0 {
		m.AvgPasses = float64(result.TotalPasses) / float64(result.Positions)
		m.StopRate = float64(result.TotalStops) / float64(result.Positions) * 100
	}
	if len(result.EngineMsPerPosition) > 0 {
		sorted := sortedCopy(result.EngineMsPerPosition)
		m.AvgEngineMs = stat.Mean(sorted, nil)
		m.MedianEngineMs = stat.Quantile(0.5, stat.Empirical, sorted, nil)
		m.P90EngineMs = stat.Quantile(0.9, stat.Empirical, sorted, nil)
	}
	if len(result.DriftCP) > 0 {
		sorted := sortedCopy(result.DriftCP)
		m.MeanDriftCP = stat.Mean(sorted, nil)
		m.P95DriftCP = stat.Quantile(0.95, stat.Empirical, sorted, nil)
		m.MaxDriftCP = sorted[len(sorted)-1]
	}
	return m
}

func sortedCopy(sample []float64) []float64 {
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)
	return sorted
}
