package coordinator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/discochess/evalhub/internal/cache"
)

type updateLog struct {
	mu   sync.Mutex
	list []Update
}

func (l *updateLog) record(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, u)
}

func (l *updateLog) snapshot() []Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Update(nil), l.list...)
}

// applied returns the updates that carried a new result.
func (l *updateLog) applied() []Update {
	var out []Update
	for _, u := range l.snapshot() {
		if u.Entry != nil && !u.Evaluating {
			out = append(out, u)
		}
	}
	return out
}

func (l *updateLog) errored() []Update {
	var out []Update
	for _, u := range l.snapshot() {
		if u.Err != nil {
			out = append(out, u)
		}
	}
	return out
}

func newTestController(t *testing.T, dispatcher *fakeDispatcher, debounce, cooldown time.Duration) (*Controller, *updateLog, *cache.Store) {
	t.Helper()
	store := newTestStore(t)
	exec := NewExec(NewInflight(nil, nil), store, dispatcher, nil, nil)
	log := &updateLog{}
	ctrl, err := NewController(ControllerConfig{
		Exec:     exec,
		Debounce: debounce,
		Cooldown: cooldown,
		OnUpdate: log.record,
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	t.Cleanup(ctrl.Close)
	return ctrl, log, store
}

func TestControllerRequiresExec(t *testing.T) {
	if _, err := NewController(ControllerConfig{}); err == nil {
		t.Error("NewController() error = nil without an exec, want error")
	}
}

func TestSetTargetDispatchesAndApplies(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ctrl, log, _ := newTestController(t, dispatcher, 0, 0)

	if err := ctrl.SetTarget(depthReq(startFEN, 18)); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	eventually(t, func() bool { return len(log.applied()) == 1 }, "no applied update arrived")

	updates := log.snapshot()
	if !updates[0].Evaluating {
		t.Error("first update Evaluating = false, want true while the dispatch runs")
	}
	final := log.applied()[0]
	if final.Entry.PassBudget != 18 {
		t.Errorf("applied PassBudget = %d, want 18", final.Entry.PassBudget)
	}
	if final.FromCache {
		t.Error("applied FromCache = true, want false for a fresh dispatch")
	}
	if final.RequestID != updates[0].RequestID {
		t.Errorf("applied RequestID = %q, want %q from the same target", final.RequestID, updates[0].RequestID)
	}
	if dispatcher.callCount() != 1 {
		t.Errorf("dispatcher calls = %d, want 1", dispatcher.callCount())
	}
}

func TestSetTargetSatisfiedByCache(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ctrl, log, store := newTestController(t, dispatcher, 0, 0)

	req := depthReq(startFEN, 12)
	scope, err := req.Scope()
	if err != nil {
		t.Fatalf("Scope() error = %v", err)
	}
	store.Put(testEntry(scope, 30, 20))

	if err := ctrl.SetTarget(req); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	updates := log.snapshot()
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1 settled from cache", len(updates))
	}
	if !updates[0].FromCache || updates[0].Evaluating {
		t.Errorf("update = %+v, want a settled cache hit", updates[0])
	}
	if updates[0].Entry.PassBudget != 20 {
		t.Errorf("update PassBudget = %d, want the cached 20", updates[0].Entry.PassBudget)
	}
	if dispatcher.callCount() != 0 {
		t.Errorf("dispatcher calls = %d, want 0", dispatcher.callCount())
	}
}

func TestSetTargetServesShallowEntryThenDispatches(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ctrl, log, store := newTestController(t, dispatcher, 0, 0)

	req := depthReq(startFEN, 18)
	scope, err := req.Scope()
	if err != nil {
		t.Fatalf("Scope() error = %v", err)
	}
	store.Put(testEntry(scope, 30, 10))

	if err := ctrl.SetTarget(req); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	eventually(t, func() bool { return len(log.applied()) == 1 }, "deeper result never applied")

	updates := log.snapshot()
	first := updates[0]
	if !first.Evaluating || !first.FromCache || first.Entry == nil || first.Entry.PassBudget != 10 {
		t.Errorf("first update = %+v, want the shallow cached entry as best-so-far", first)
	}
	if got := log.applied()[0].Entry.PassBudget; got != 18 {
		t.Errorf("applied PassBudget = %d, want 18", got)
	}
}

func TestSetTargetDebounceSupersedes(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ctrl, log, _ := newTestController(t, dispatcher, 40*time.Millisecond, 0)

	if err := ctrl.SetTarget(depthReq(startFEN, 18)); err != nil {
		t.Fatalf("SetTarget(first) error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := ctrl.SetTarget(depthReq(e4FEN, 18)); err != nil {
		t.Fatalf("SetTarget(second) error = %v", err)
	}

	eventually(t, func() bool { return len(log.applied()) == 1 }, "superseding target never applied")
	time.Sleep(60 * time.Millisecond)

	if dispatcher.callCount() != 1 {
		t.Errorf("dispatcher calls = %d, want only the superseding target", dispatcher.callCount())
	}
	if fens := dispatcher.sentFENs(); len(fens) != 1 || fens[0] != e4FEN {
		t.Errorf("dispatched FENs = %v, want [%q]", fens, e4FEN)
	}
}

func TestSetTargetDropsStaleResult(t *testing.T) {
	release := make(chan struct{})
	dispatcher := &fakeDispatcher{block: release}
	ctrl, log, _ := newTestController(t, dispatcher, 0, 0)

	reqA, reqB := depthReq(startFEN, 18), depthReq(e4FEN, 18)
	scopeB, err := reqB.Scope()
	if err != nil {
		t.Fatalf("Scope() error = %v", err)
	}

	if err := ctrl.SetTarget(reqA); err != nil {
		t.Fatalf("SetTarget(A) error = %v", err)
	}
	eventually(t, func() bool { return dispatcher.callCount() == 1 }, "first target never dispatched")

	// Retargeting aborts the blocked flight; its outcome must not be
	// surfaced under the new target.
	if err := ctrl.SetTarget(reqB); err != nil {
		t.Fatalf("SetTarget(B) error = %v", err)
	}
	eventually(t, func() bool { return dispatcher.callCount() == 2 }, "second target never dispatched")
	close(release)

	eventually(t, func() bool { return len(log.applied()) == 1 }, "second target never applied")
	if got := log.applied()[0].Scope; got != scopeB {
		t.Errorf("applied scope = %q, want %q", got, scopeB)
	}
	if errored := log.errored(); len(errored) != 0 {
		t.Errorf("got %d error updates from the aborted flight, want 0", len(errored))
	}
}

func TestSetTargetCooldownDefersRetry(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	dispatcher.setErr(errors.New("engine busy"))
	ctrl, log, _ := newTestController(t, dispatcher, 0, 120*time.Millisecond)

	req := depthReq(startFEN, 18)
	if err := ctrl.SetTarget(req); err != nil {
		t.Fatalf("SetTarget(first) error = %v", err)
	}
	eventually(t, func() bool { return len(log.errored()) == 1 }, "first dispatch never failed")

	// Same fingerprint inside the window: the retry is held until the
	// cooldown elapses instead of hammering the backend.
	if err := ctrl.SetTarget(req); err != nil {
		t.Fatalf("SetTarget(retry) error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if dispatcher.callCount() != 1 {
		t.Fatalf("dispatcher calls = %d during the cooldown, want 1", dispatcher.callCount())
	}
	eventually(t, func() bool { return dispatcher.callCount() == 2 }, "held retry never fired")
}

func TestSetTargetCooldownIgnoresNewFingerprint(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ctrl, log, _ := newTestController(t, dispatcher, 0, 10*time.Second)

	if err := ctrl.SetTarget(depthReq(startFEN, 18)); err != nil {
		t.Fatalf("SetTarget(first) error = %v", err)
	}
	eventually(t, func() bool { return len(log.applied()) == 1 }, "first target never applied")

	if err := ctrl.SetTarget(depthReq(e4FEN, 18)); err != nil {
		t.Fatalf("SetTarget(second) error = %v", err)
	}
	eventually(t, func() bool { return dispatcher.callCount() == 2 }, "new fingerprint was held by the cooldown")
}

func TestLateCheapResultDoesNotRegressDisplay(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ctrl, log, _ := newTestController(t, dispatcher, 0, 0)

	req := timeReq(startFEN, 250)
	scope, err := req.Scope()
	if err != nil {
		t.Fatalf("Scope() error = %v", err)
	}

	// The consumer already shows a deeper answer for this scope, but
	// the entry backing it has been evicted.
	ctrl.mu.Lock()
	ctrl.appliedScope, ctrl.appliedBudget = scope, 600
	ctrl.mu.Unlock()

	if err := ctrl.SetTarget(req); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	eventually(t, func() bool {
		for _, u := range log.snapshot() {
			if !u.Evaluating && u.Err == nil {
				return true
			}
		}
		return false
	}, "target never settled")

	if applied := log.applied(); len(applied) != 0 {
		t.Errorf("got %d applied updates, want 0 for a cheaper-than-displayed result", len(applied))
	}
	if dispatcher.callCount() != 1 {
		t.Errorf("dispatcher calls = %d, want 1", dispatcher.callCount())
	}
}

func TestSetTargetSurfacesDispatchError(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	wantErr := errors.New("engine crashed")
	dispatcher.setErr(wantErr)
	ctrl, log, _ := newTestController(t, dispatcher, 0, 0)

	if err := ctrl.SetTarget(depthReq(startFEN, 18)); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	eventually(t, func() bool { return len(log.errored()) == 1 }, "dispatch error never surfaced")
	if got := log.errored()[0].Err; !errors.Is(got, wantErr) {
		t.Errorf("update Err = %v, want %v", got, wantErr)
	}
}

func TestSetTargetAfterClose(t *testing.T) {
	ctrl, _, _ := newTestController(t, &fakeDispatcher{}, 0, 0)
	ctrl.Close()
	ctrl.Close()

	if err := ctrl.SetTarget(depthReq(startFEN, 18)); !errors.Is(err, ErrClosed) {
		t.Errorf("SetTarget() after Close error = %v, want ErrClosed", err)
	}
}

func TestSetTargetRejectsInvalidFEN(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	ctrl, _, _ := newTestController(t, dispatcher, 0, 0)

	if err := ctrl.SetTarget(depthReq("not a position", 18)); err == nil {
		t.Error("SetTarget() error = nil for an invalid FEN, want error")
	}
	if dispatcher.callCount() != 0 {
		t.Errorf("dispatcher calls = %d, want 0", dispatcher.callCount())
	}
}
