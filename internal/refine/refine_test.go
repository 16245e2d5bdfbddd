package refine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/cache/memtier"
	"github.com/discochess/evalhub/internal/coordinator"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/profile"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

type fakeDispatcher struct {
	mu         sync.Mutex
	reqs       []backend.Request
	responses  map[int]*backend.Response
	errs       map[int]error
	onEvaluate func()
}

func (f *fakeDispatcher) Evaluate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	resp := f.responses[req.MovetimeMs]
	err := f.errs[req.MovetimeMs]
	hook := f.onEvaluate
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = respWith(20, "e2e4", "e7e5", "g1f3", "b8c6")
	}
	return resp, nil
}

func (f *fakeDispatcher) requests() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.reqs...)
}

func respWith(cp int, pv ...string) *backend.Response {
	c := cp
	return &backend.Response{
		Lines:      []backend.Line{{MultiPV: 1, CP: &c, Depth: 20, PV: pv}},
		EngineName: "Fake 1",
		BackendID:  "worker-a",
	}
}

func mateResp(mate int, pv ...string) *backend.Response {
	m := mate
	return &backend.Response{
		Lines:      []backend.Line{{MultiPV: 1, Mate: &m, Depth: 20, PV: pv}},
		EngineName: "Fake 1",
		BackendID:  "worker-a",
	}
}

func testProfile(earlyStop bool) profile.Profile {
	return profile.Profile{
		ID:             "standard",
		DepthLadder:    []int{12, 16, 20},
		DefaultMultiPV: 1,
		PassScheduleMs: []int{100, 400, 1000},
		EarlyStop:      earlyStop,
	}
}

func newTestScheduler(t *testing.T, dispatcher *fakeDispatcher) (*Scheduler, *cache.Store) {
	t.Helper()
	mem, err := memtier.New(0)
	if err != nil {
		t.Fatalf("memtier.New() error = %v", err)
	}
	store, err := cache.New(cache.Config{Memory: mem})
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	exec := coordinator.NewExec(coordinator.NewInflight(nil, nil), store, dispatcher, nil, nil)
	sched, err := NewScheduler(Config{Exec: exec, FreshFor: 20 * time.Minute})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	return sched, store
}

func baseReq() backend.Request {
	return backend.Request{FEN: startFEN, ProfileID: "standard", MultiPV: 1}
}

func reqScope(t *testing.T) fingerprint.Scope {
	t.Helper()
	req := baseReq()
	req.Mode = fingerprint.ModeTime
	scope, err := req.Scope()
	if err != nil {
		t.Fatalf("Scope() error = %v", err)
	}
	return scope
}

func collectPasses(passes *[]Pass) func(Pass) {
	return func(p Pass) { *passes = append(*passes, p) }
}

func TestRunFullScheduleWhenDiverging(t *testing.T) {
	dispatcher := &fakeDispatcher{responses: map[int]*backend.Response{
		100:  respWith(20, "e2e4", "e7e5", "g1f3", "b8c6"),
		400:  respWith(80, "d2d4", "d7d5", "c2c4", "e7e6"),
		1000: respWith(90, "c2c4", "e7e5", "b1c3", "g8f6"),
	}}
	sched, _ := newTestScheduler(t, dispatcher)

	var passes []Pass
	best, err := sched.Run(context.Background(), baseReq(), testProfile(true), collectPasses(&passes))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if best.PassBudget != 1000 {
		t.Errorf("best PassBudget = %d, want 1000", best.PassBudget)
	}

	reqs := dispatcher.requests()
	if len(reqs) != 3 {
		t.Fatalf("dispatched %d passes, want 3", len(reqs))
	}
	for i, want := range []int{100, 400, 1000} {
		if reqs[i].MovetimeMs != want {
			t.Errorf("pass %d MovetimeMs = %d, want %d", i, reqs[i].MovetimeMs, want)
		}
		if reqs[i].Mode != fingerprint.ModeTime {
			t.Errorf("pass %d Mode = %q, want %q", i, reqs[i].Mode, fingerprint.ModeTime)
		}
		if reqs[i].RequestID == "" || reqs[i].RequestID != reqs[0].RequestID {
			t.Errorf("pass %d RequestID = %q, want the run's shared id %q", i, reqs[i].RequestID, reqs[0].RequestID)
		}
	}

	if len(passes) != 3 {
		t.Fatalf("applied %d passes, want 3", len(passes))
	}
	for i, p := range passes {
		if p.Index != i {
			t.Errorf("applied pass %d Index = %d, want %d", i, p.Index, i)
		}
		if p.FromCache {
			t.Errorf("applied pass %d FromCache = true, want false", i)
		}
	}
}

func TestRunEarlyStopsOnConvergence(t *testing.T) {
	pv := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"}
	dispatcher := &fakeDispatcher{responses: map[int]*backend.Response{
		100: respWith(20, pv...),
		400: respWith(25, pv...),
	}}
	sched, _ := newTestScheduler(t, dispatcher)

	var passes []Pass
	best, err := sched.Run(context.Background(), baseReq(), testProfile(true), collectPasses(&passes))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(dispatcher.requests()); got != 2 {
		t.Errorf("dispatched %d passes, want 2 before the early stop", got)
	}
	if best.PassBudget != 400 {
		t.Errorf("best PassBudget = %d, want 400", best.PassBudget)
	}
	if len(passes) != 2 {
		t.Errorf("applied %d passes, want 2", len(passes))
	}
}

func TestRunEarlyStopsOnBoundaryDelta(t *testing.T) {
	pv := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"}
	dispatcher := &fakeDispatcher{responses: map[int]*backend.Response{
		100: respWith(20, pv...),
		400: respWith(20+ConvergeCentipawns, pv...),
	}}
	sched, _ := newTestScheduler(t, dispatcher)

	if _, err := sched.Run(context.Background(), baseReq(), testProfile(true), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(dispatcher.requests()); got != 2 {
		t.Errorf("dispatched %d passes for a delta of exactly %dcp, want 2", got, ConvergeCentipawns)
	}
}

func TestRunIgnoresConvergenceWhenDisabled(t *testing.T) {
	pv := []string{"e2e4", "e7e5", "g1f3", "b8c6"}
	dispatcher := &fakeDispatcher{responses: map[int]*backend.Response{
		100:  respWith(20, pv...),
		400:  respWith(21, pv...),
		1000: respWith(22, pv...),
	}}
	sched, _ := newTestScheduler(t, dispatcher)

	if _, err := sched.Run(context.Background(), baseReq(), testProfile(false), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(dispatcher.requests()); got != 3 {
		t.Errorf("dispatched %d passes, want the full schedule of 3", got)
	}
}

func TestRunSkipsFreshCoveredPasses(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	sched, store := newTestScheduler(t, dispatcher)

	scope := reqScope(t)
	store.Put(cache.NewEntry(scope, *respWith(30, "e2e4", "e7e5", "g1f3", "b8c6"), 400, time.Now()))

	var passes []Pass
	best, err := sched.Run(context.Background(), baseReq(), testProfile(true), collectPasses(&passes))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Passes 100 and 400 are covered by the fresh entry; serving the
	// same answer twice converges, so pass 1000 never dispatches.
	if got := len(dispatcher.requests()); got != 0 {
		t.Errorf("dispatched %d passes, want 0", got)
	}
	if best.PassBudget != 400 {
		t.Errorf("best PassBudget = %d, want the cached 400", best.PassBudget)
	}
	if len(passes) != 1 || passes[0].Index != -1 {
		t.Fatalf("applied passes = %+v, want only the seed", passes)
	}
}

func TestRunStaleEntrySeedsButDoesNotSkip(t *testing.T) {
	dispatcher := &fakeDispatcher{responses: map[int]*backend.Response{
		100:  respWith(20, "e2e4", "e7e5", "g1f3", "b8c6"),
		400:  respWith(80, "d2d4", "d7d5", "c2c4", "e7e6"),
		1000: respWith(90, "c2c4", "e7e5", "b1c3", "g8f6"),
	}}
	sched, store := newTestScheduler(t, dispatcher)

	scope := reqScope(t)
	stale := cache.NewEntry(scope, *respWith(55, "g1f3", "d7d5", "d2d4", "g8f6"), 5000, time.Now().Add(-time.Hour))
	store.Put(stale)

	var passes []Pass
	best, err := sched.Run(context.Background(), baseReq(), testProfile(true), collectPasses(&passes))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// The hour-old entry seeds the display but cannot stand in for a
	// pass, and no pass outranks its recorded budget.
	if got := len(dispatcher.requests()); got != 3 {
		t.Errorf("dispatched %d passes, want 3", got)
	}
	if len(passes) != 1 || passes[0].Index != -1 {
		t.Fatalf("applied passes = %+v, want only the seed", passes)
	}
	if best.PassBudget != 5000 {
		t.Errorf("best PassBudget = %d, want the seeded 5000", best.PassBudget)
	}
}

func TestRunReturnsBestSoFarOnPassError(t *testing.T) {
	wantErr := errors.New("engine crashed")
	dispatcher := &fakeDispatcher{
		responses: map[int]*backend.Response{100: respWith(20, "e2e4", "e7e5")},
		errs:      map[int]error{400: wantErr},
	}
	sched, _ := newTestScheduler(t, dispatcher)

	best, err := sched.Run(context.Background(), baseReq(), testProfile(true), nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want %v", err, wantErr)
	}
	if best == nil || best.PassBudget != 100 {
		t.Errorf("best = %+v, want the completed 100ms pass", best)
	}
	if got := len(dispatcher.requests()); got != 2 {
		t.Errorf("dispatched %d passes, want 2", got)
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &fakeDispatcher{onEvaluate: cancel}
	sched, _ := newTestScheduler(t, dispatcher)

	_, err := sched.Run(ctx, baseReq(), testProfile(false), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if got := len(dispatcher.requests()); got != 1 {
		t.Errorf("dispatched %d passes after cancellation, want 1", got)
	}
}

func TestRunRejectsEmptySchedule(t *testing.T) {
	sched, _ := newTestScheduler(t, &fakeDispatcher{})
	prof := testProfile(true)
	prof.PassScheduleMs = nil

	if _, err := sched.Run(context.Background(), baseReq(), prof, nil); err == nil {
		t.Error("Run() error = nil for an empty schedule, want error")
	}
}

func TestConverged(t *testing.T) {
	pv := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1b5"}
	shifted := []string{"e2e4", "e7e5", "g1f3", "g8f6", "f1b5"}

	tests := []struct {
		name string
		prev *backend.Response
		next *backend.Response
		want bool
	}{
		{"close scores same line", respWith(20, pv...), respWith(25, pv...), true},
		{"boundary delta", respWith(20, pv...), respWith(30, pv...), true},
		{"just past boundary", respWith(20, pv...), respWith(31, pv...), false},
		{"diverged scores", respWith(20, pv...), respWith(120, pv...), false},
		{"different fourth move", respWith(20, pv...), respWith(20, shifted...), false},
		{"agreement past prefix", respWith(20, pv[:4]...), respWith(22, pv[0], pv[1], pv[2], pv[3], "a2a3"), true},
		{"short versus long line", respWith(20, pv[:2]...), respWith(20, pv...), false},
		{"identical mates", mateResp(3, pv...), mateResp(3, pv...), true},
		{"different mates", mateResp(3, pv...), mateResp(2, pv...), false},
		{"mate versus centipawns", mateResp(3, pv...), respWith(900, pv...), false},
		{"empty response", &backend.Response{}, respWith(20, pv...), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Converged(tt.prev, tt.next); got != tt.want {
				t.Errorf("Converged() = %v, want %v", got, tt.want)
			}
		})
	}
}
