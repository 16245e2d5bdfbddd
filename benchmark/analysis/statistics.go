// Package analysis provides the statistical machinery behind policy
// comparisons: descriptive summaries, a Mann-Whitney U test, Cohen's d
// and bootstrap confidence intervals.
package analysis

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Alpha is the significance threshold for the hypothesis tests.
const Alpha = 0.05

// DescriptiveStats summarizes one sample.
type DescriptiveStats struct {
	N      int
	Mean   float64
	Median float64
	StdDev float64
	Min    float64
	Max    float64
	P25    float64
	P75    float64
}

// Describe computes descriptive statistics for a sample.
func Describe(sample []float64) *DescriptiveStats {
	if len(sample) == 0 {
		return &DescriptiveStats{}
	}
	sorted := append([]float64(nil), sample...)
	sort.Float64s(sorted)
	return &DescriptiveStats{
		N:      len(sorted),
		Mean:   stat.Mean(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		StdDev: stat.StdDev(sorted, nil),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		P25:    stat.Quantile(0.25, stat.Empirical, sorted, nil),
		P75:    stat.Quantile(0.75, stat.Empirical, sorted, nil),
	}
}

// MannWhitneyResult is the outcome of a Mann-Whitney U test.
type MannWhitneyResult struct {
	U           float64
	Z           float64
	PValue      float64
	Significant bool
}

// MannWhitneyU runs the two-sided Mann-Whitney U test on two samples,
// using the normal approximation with tie correction. Good for the
// sample sizes a benchmark run produces; not exact below ~8 per side.
func MannWhitneyU(x, y []float64) *MannWhitneyResult {
	n1 := float64(len(x))
	n2 := float64(len(y))
	if n1 == 0 || n2 == 0 {
		return &MannWhitneyResult{PValue: 1}
	}

	all := make([]float64, 0, len(x)+len(y))
	all = append(all, x...)
	all = append(all, y...)

	idx := make([]int, len(all))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return all[idx[i]] < all[idx[j]] })

	// Average ranks across tie groups, accumulating the tie term for
	// the variance correction.
	ranks := make([]float64, len(all))
	var tieTerm float64
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && all[idx[j]] == all[idx[i]] {
			j++
		}
		r := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = r
		}
		if t := float64(j - i); t > 1 {
			tieTerm += t*t*t - t
		}
		i = j
	}

	var r1 float64
	for i := range x {
		r1 += ranks[i]
	}
	u1 := r1 - n1*(n1+1)/2
	u := math.Min(u1, n1*n2-u1)

	n := n1 + n2
	mu := n1 * n2 / 2
	sigma := math.Sqrt(n1 * n2 / 12 * ((n + 1) - tieTerm/(n*(n-1))))

	var z float64
	if sigma > 0 {
		z = (u - mu) / sigma
	}
	p := 2 * distuv.UnitNormal.CDF(-math.Abs(z))
	if p > 1 {
		p = 1
	}
	return &MannWhitneyResult{U: u, Z: z, PValue: p, Significant: p < Alpha}
}

// EffectSize is the magnitude of the difference between two samples.
type EffectSize struct {
	CohensD        float64 // (mean1 - mean2) / pooled standard deviation.
	Interpretation string  // "negligible", "small", "medium", "large".
}

// ComputeEffectSize computes Cohen's d with a pooled standard deviation.
func ComputeEffectSize(x, y []float64) *EffectSize {
	if len(x) < 2 || len(y) < 2 {
		return &EffectSize{Interpretation: "undefined"}
	}
	n1 := float64(len(x))
	n2 := float64(len(y))
	pooled := math.Sqrt(((n1-1)*stat.Variance(x, nil) + (n2-1)*stat.Variance(y, nil)) / (n1 + n2 - 2))

	var d float64
	if pooled > 0 {
		d = (stat.Mean(x, nil) - stat.Mean(y, nil)) / pooled
	}
	return &EffectSize{CohensD: d, Interpretation: interpretCohensD(math.Abs(d))}
}

// interpretCohensD follows Cohen's conventional bands.
func interpretCohensD(d float64) string {
	switch {
	case d < 0.2:
		return "negligible"
	case d < 0.5:
		return "small"
	case d < 0.8:
		return "medium"
	default:
		return "large"
	}
}

// BootstrapResult is a percentile bootstrap interval for a mean
// difference.
type BootstrapResult struct {
	MeanDiff   float64
	LowerBound float64
	UpperBound float64
	Confidence float64
}

// BootstrapConfidenceInterval estimates an interval for mean(x)-mean(y)
// by resampling with replacement. The generator is seeded so repeated
// runs of a report agree.
func BootstrapConfidenceInterval(x, y []float64, iterations int, confidence float64) *BootstrapResult {
	if len(x) == 0 || len(y) == 0 || iterations <= 0 {
		return &BootstrapResult{Confidence: confidence}
	}

	rng := rand.New(rand.NewSource(1))
	rx := make([]float64, len(x))
	ry := make([]float64, len(y))
	diffs := make([]float64, iterations)
	for i := range diffs {
		for j := range rx {
			rx[j] = x[rng.Intn(len(x))]
		}
		for j := range ry {
			ry[j] = y[rng.Intn(len(y))]
		}
		diffs[i] = stat.Mean(rx, nil) - stat.Mean(ry, nil)
	}
	sort.Float64s(diffs)

	alpha := 1 - confidence
	lo := int(alpha / 2 * float64(iterations))
	hi := int((1 - alpha/2) * float64(iterations))
	if hi >= iterations {
		hi = iterations - 1
	}
	return &BootstrapResult{
		MeanDiff:   stat.Mean(x, nil) - stat.Mean(y, nil),
		LowerBound: diffs[lo],
		UpperBound: diffs[hi],
		Confidence: confidence,
	}
}
