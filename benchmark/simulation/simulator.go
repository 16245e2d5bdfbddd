// Package simulation replays recorded evaluation passes through
// refinement policies, measuring the engine time each policy spends and
// how far its final answer drifts from the end of the schedule.
package simulation

import (
	"math"
	"sort"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/profile"
	"github.com/discochess/evalhub/internal/refine"
)

// Policy is one refinement schedule under comparison.
type Policy struct {
	Name       string
	ScheduleMs []int
	EarlyStop  bool
}

// PolicyFromProfile derives a policy from a registered profile.
func PolicyFromProfile(p profile.Profile) Policy {
	return Policy{
		Name:       p.ID,
		ScheduleMs: p.PassScheduleMs,
		EarlyStop:  p.EarlyStop,
	}
}

// FullSchedule returns a baseline copy of the policy that never stops
// early. The name gains a "-full" suffix.
func (p Policy) FullSchedule() Policy {
	return Policy{
		Name:       p.Name + "-full",
		ScheduleMs: p.ScheduleMs,
		EarlyStop:  false,
	}
}

// Budgets returns the ascending union of the policies' schedules, the
// set a trace recorder has to cover.
func Budgets(policies ...Policy) []int {
	seen := make(map[int]struct{})
	var budgets []int
	for _, pol := range policies {
		for _, b := range pol.ScheduleMs {
			if _, ok := seen[b]; ok {
				continue
			}
			seen[b] = struct{}{}
			budgets = append(budgets, b)
		}
	}
	sort.Ints(budgets)
	return budgets
}

// PositionResult is the outcome of replaying one trace under one policy.
type PositionResult struct {
	PolicyName string

	// PassesRun counts dispatched passes; EngineMs is their summed
	// budget and SavedMs the budget of the passes skipped after an
	// early stop.
	PassesRun int
	EngineMs  int
	SavedMs   int
	Stopped   bool

	// Missing is set when the trace lacks a budget the schedule needs;
	// such positions are excluded from aggregates.
	Missing bool

	// DriftCP is how far the final answer's score sits from the
	// deepest scheduled pass, when both are centipawn scores. A mate
	// appearing or changing between the two is a MateFlip instead.
	DriftCP  *float64
	MateFlip bool
}

// Simulator replays traces through a fixed set of policies.
type Simulator struct {
	policies []Policy
}

// NewSimulator creates a simulator over the given policies.
func NewSimulator(policies ...Policy) *Simulator {
	return &Simulator{policies: policies}
}

// ReplayPosition replays a single trace under every policy.
func (s *Simulator) ReplayPosition(t Trace) map[string]*PositionResult {
	results := make(map[string]*PositionResult, len(s.policies))
	for _, pol := range s.policies {
		results[pol.Name] = replay(t, pol)
	}
	return results
}

// Replay replays all traces and aggregates per policy.
func (s *Simulator) Replay(traces []Trace) map[string]*AggregateResult {
	results := make(map[string]*AggregateResult, len(s.policies))
	for _, pol := range s.policies {
		results[pol.Name] = &AggregateResult{PolicyName: pol.Name}
	}
	for _, t := range traces {
		for name, pr := range s.ReplayPosition(t) {
			results[name].add(pr)
		}
	}
	return results
}

func replay(t Trace, pol Policy) *PositionResult {
	res := &PositionResult{PolicyName: pol.Name}
	if len(pol.ScheduleMs) == 0 {
		res.Missing = true
		return res
	}

	var prev *backend.Response
	var final PassSample
	stopAfter := len(pol.ScheduleMs)
	for i, budget := range pol.ScheduleMs {
		sample, ok := t.sampleAt(budget)
		if !ok {
			res.Missing = true
			return res
		}
		res.PassesRun++
		res.EngineMs += budget
		final = sample

		cur := sample.Response()
		if pol.EarlyStop && prev != nil && refine.Converged(prev, cur) {
			res.Stopped = true
			stopAfter = i + 1
			break
		}
		prev = cur
	}
	for _, budget := range pol.ScheduleMs[stopAfter:] {
		res.SavedMs += budget
	}

	deepest, ok := t.sampleAt(pol.ScheduleMs[len(pol.ScheduleMs)-1])
	if ok {
		res.DriftCP, res.MateFlip = scoreDrift(final, deepest)
	}
	return res
}

// scoreDrift measures the distance between a policy's final answer and
// the deepest scheduled one. Matching mates drift zero; any other mate
// disagreement is a flip, not a distance.
func scoreDrift(final, deepest PassSample) (*float64, bool) {
	switch {
	case final.Mate != nil && deepest.Mate != nil:
		if *final.Mate == *deepest.Mate {
			zero := 0.0
			return &zero, false
		}
		return nil, true
	case final.Mate != nil || deepest.Mate != nil:
		return nil, true
	case final.CP != nil && deepest.CP != nil:
		d := math.Abs(float64(*final.CP - *deepest.CP))
		return &d, false
	}
	return nil, false
}

// AggregateResult accumulates replay outcomes for one policy.
type AggregateResult struct {
	PolicyName string

	// Positions counts replayed traces; Skipped counts traces the
	// schedule could not be replayed against.
	Positions int
	Skipped   int

	TotalPasses   int
	TotalStops    int
	TotalEngineMs int
	TotalSavedMs  int
	MateFlips     int

	// EngineMsPerPosition and DriftCP are the per-position samples the
	// statistical comparison runs on.
	EngineMsPerPosition []float64
	DriftCP             []float64
}

func (a *AggregateResult) add(pr *PositionResult) {
	if pr.Missing {
		a.Skipped++
		return
	}
	a.Positions++
	a.TotalPasses += pr.PassesRun
	a.TotalEngineMs += pr.EngineMs
	a.TotalSavedMs += pr.SavedMs
	if pr.Stopped {
		a.TotalStops++
	}
	if pr.MateFlip {
		a.MateFlips++
	}
	a.EngineMsPerPosition = append(a.EngineMsPerPosition, float64(pr.EngineMs))
	if pr.DriftCP != nil {
		a.DriftCP = append(a.DriftCP, *pr.DriftCP)
	}
}

// SavedFraction is the share of scheduled engine time the policy
// skipped, in percent.
func (a *AggregateResult) SavedFraction() float64 {
	scheduled := a.TotalEngineMs + a.TotalSavedMs
	if scheduled == 0 {
		return 0
	}
	return float64(a.TotalSavedMs) / float64(scheduled) * 100
}

// PolicyNames returns the compared policy names in a stable order.
func PolicyNames(results map[string]*AggregateResult) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
