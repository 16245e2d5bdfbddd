// Package refine runs a profile's pass schedule against the shared
// dispatch path, upgrading a position's answer in place. Passes run in
// ascending budget order; once consecutive passes converge on the same
// line the remainder of the schedule is skipped for profiles that
// allow it.
package refine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/cache/durabletier"
	"github.com/discochess/evalhub/internal/coordinator"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/profile"
	"github.com/discochess/evalhub/internal/stats"
)

const (
	// PVPrefixLen is how many leading best-line moves consecutive
	// passes must share before the early stop check looks at scores.
	PVPrefixLen = 4
	// ConvergeCentipawns is the score distance within which two
	// consecutive passes count as agreeing. Mates must match exactly.
	ConvergeCentipawns = 10
)

// Pass is one step of a refinement run. Index is the position in the
// profile's schedule, or -1 for the seed entry recovered from the
// cache before the first pass; for the seed, BudgetMs is the entry's
// recorded budget rather than a schedule slot.
type Pass struct {
	Index     int
	BudgetMs  int
	Entry     *cache.Entry
	FromCache bool
}

// Config configures a Scheduler.
type Config struct {
	// Exec is the shared dispatch path. Required.
	Exec *coordinator.Exec

	// FreshFor is the window inside which a cached pass result is
	// current enough to stand in for a dispatch. Defaults to the
	// durable tier's TTL.
	FreshFor time.Duration

	Logger *zap.Logger
	Stats  stats.Collector
}

// Scheduler executes pass schedules. Safe for concurrent use; each Run
// is independent.
type Scheduler struct {
	exec      *coordinator.Exec
	freshFor  time.Duration
	log       *zap.Logger
	collector stats.Collector
}

// NewScheduler creates a scheduler. The config's Exec is required.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Exec == nil {
		return nil, errors.New("refine: exec is required")
	}
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = durabletier.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewNoop()
	}
	return &Scheduler{
		exec:      cfg.Exec,
		freshFor:  cfg.FreshFor,
		log:       cfg.Logger.Named("refine"),
		collector: cfg.Stats,
	}, nil
}

// Run executes prof's pass schedule for req's position. The request's
// mode and movetime are overwritten per pass. apply, if set, receives
// the seed entry and every pass that deepens the answer shown so far;
// results shallower than what is already applied are dropped, so
// out-of-order completions never walk the answer backwards. When a
// pass fails, the best entry so far is returned alongside the error.
func (s *Scheduler) Run(ctx context.Context, req backend.Request, prof profile.Profile, apply func(Pass)) (*cache.Entry, error) {
	schedule := prof.PassScheduleMs
	if len(schedule) == 0 {
		return nil, errors.New("refine: profile has no pass schedule")
	}
	req.Mode = fingerprint.ModeTime
	req.Depth = 0
	if req.MultiPV <= 0 {
		req.MultiPV = prof.DefaultMultiPV
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	// Surface whatever the store already holds, however old, before
	// the first pass lands.
	req.MovetimeMs = schedule[0]
	scope, err := req.Scope()
	if err != nil {
		return nil, err
	}
	var best *cache.Entry
	if entry, ok := s.exec.Store().Get(scope); ok {
		best = entry
		if apply != nil {
			apply(Pass{Index: -1, BudgetMs: entry.PassBudget, Entry: entry, FromCache: true})
		}
	}

	var prev *cache.Entry
	for i, budgetMs := range schedule {
		if err := ctx.Err(); err != nil {
			return best, err
		}
		req.MovetimeMs = budgetMs
		entry, fromCache, err := s.exec.Run(ctx, req, s.freshFor)
		if err != nil {
			return best, err
		}
		if fromCache {
			s.collector.IncCounter(stats.MetricPassSkips, 1)
		} else {
			s.collector.IncCounter(stats.MetricPasses, 1)
		}
		if best == nil || entry.PassBudget > best.PassBudget {
			best = entry
			if apply != nil {
				apply(Pass{Index: i, BudgetMs: budgetMs, Entry: entry, FromCache: fromCache})
			}
		}
		if prof.EarlyStop && prev != nil && Converged(&prev.Result, &entry.Result) {
			s.collector.IncCounter(stats.MetricEarlyStops, 1)
			s.log.Debug("passes converged",
				zap.String("scope", string(scope)),
				zap.Int("pass", i),
				zap.Int("budget_ms", budgetMs))
			return best, nil
		}
		prev = entry
	}
	return best, nil
}

// Converged reports whether two responses agree closely enough that
// another pass is unlikely to change the answer: the best lines share
// their first PVPrefixLen moves and score within ConvergeCentipawns.
func Converged(prev, next *backend.Response) bool {
	a, b := prev.Best(), next.Best()
	if a == nil || b == nil {
		return false
	}
	if !samePrefix(a.PV, b.PV, PVPrefixLen) {
		return false
	}
	switch {
	case a.Mate != nil && b.Mate != nil:
		return *a.Mate == *b.Mate
	case a.Mate != nil || b.Mate != nil:
		return false
	case a.CP != nil && b.CP != nil:
		d := *a.CP - *b.CP
		if d < 0 {
			d = -d
		}
		return d <= ConvergeCentipawns
	}
	return false
}

func samePrefix(a, b []string, n int) bool {
	if len(a) > n {
		a = a[:n]
	}
	if len(b) > n {
		b = b[:n]
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
