package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/fingerprint"
)

const (
	startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	e4FEN    = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"
)

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testEntry(scope fingerprint.Scope, cp, budget int) *cache.Entry {
	resp := backend.Response{
		Lines:     []backend.Line{{MultiPV: 1, CP: &cp, Depth: 18, PV: []string{"e2e4"}}},
		BackendID: "worker-a",
	}
	return cache.NewEntry(scope, resp, budget, time.Now())
}

func TestDoSharesOneExecution(t *testing.T) {
	inflight := NewInflight(nil, nil)
	key := fingerprint.Key("k|standard|mpv1|depth=18")

	var executions int32
	fn := func(ctx context.Context) (*cache.Entry, error) {
		atomic.AddInt32(&executions, 1)
		time.Sleep(30 * time.Millisecond)
		return testEntry(key.Scope(), 10, 18), nil
	}

	var wg sync.WaitGroup
	entries := make([]*cache.Entry, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = inflight.Do(context.Background(), key, fn)
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&executions); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
	for i := range entries {
		if errs[i] != nil {
			t.Fatalf("Do() #%d error = %v", i, errs[i])
		}
		if entries[i] != entries[0] {
			t.Error("waiters received different entries, want one shared result")
		}
	}
	if inflight.Len() != 0 {
		t.Errorf("Len() = %d after completion, want 0", inflight.Len())
	}
}

func TestDoDistinctKeysRunIndependently(t *testing.T) {
	inflight := NewInflight(nil, nil)
	var executions int32
	fn := func(ctx context.Context) (*cache.Entry, error) {
		atomic.AddInt32(&executions, 1)
		return testEntry("s", 10, 18), nil
	}

	var wg sync.WaitGroup
	for _, key := range []fingerprint.Key{"a|p|mpv1|depth=18", "b|p|mpv1|depth=18"} {
		wg.Add(1)
		go func(k fingerprint.Key) {
			defer wg.Done()
			if _, err := inflight.Do(context.Background(), k, fn); err != nil {
				t.Errorf("Do(%q) error = %v", k, err)
			}
		}(key)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&executions); got != 2 {
		t.Errorf("executions = %d, want 2", got)
	}
}

func TestDoLastWaiterCancelAbortsFlight(t *testing.T) {
	inflight := NewInflight(nil, nil)
	key := fingerprint.Key("k|p|mpv1|depth=18")

	aborted := make(chan struct{})
	started := make(chan struct{})
	fn := func(ctx context.Context) (*cache.Entry, error) {
		close(started)
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := inflight.Do(ctx, key, fn)
		done <- err
	}()

	<-started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("shared flight context was not cancelled")
	}
	eventually(t, func() bool { return inflight.Len() == 0 }, "flight not cleared after abandonment")
}

func TestDoSurvivingWaiterKeepsFlightAlive(t *testing.T) {
	inflight := NewInflight(nil, nil)
	key := fingerprint.Key("k|p|mpv1|depth=18")

	release := make(chan struct{})
	fn := func(ctx context.Context) (*cache.Entry, error) {
		select {
		case <-release:
			return testEntry(key.Scope(), 10, 18), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	doneA := make(chan error, 1)
	go func() {
		_, err := inflight.Do(ctxA, key, fn)
		doneA <- err
	}()
	eventually(t, func() bool { return inflight.Len() == 1 }, "first waiter not registered")

	doneB := make(chan error, 1)
	var entryB *cache.Entry
	go func() {
		var err error
		entryB, err = inflight.Do(context.Background(), key, fn)
		doneB <- err
	}()
	// Second waiter must have joined the same flight before the first
	// one abandons it.
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-doneA; !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoning waiter error = %v, want context.Canceled", err)
	}

	close(release)
	if err := <-doneB; err != nil {
		t.Fatalf("surviving waiter error = %v", err)
	}
	if entryB == nil {
		t.Error("surviving waiter got no entry")
	}
}

func TestDoPropagatesError(t *testing.T) {
	inflight := NewInflight(nil, nil)
	wantErr := errors.New("engine crashed")
	fn := func(ctx context.Context) (*cache.Entry, error) {
		return nil, wantErr
	}

	_, err := inflight.Do(context.Background(), "k|p|mpv1|depth=18", fn)
	if !errors.Is(err, wantErr) {
		t.Errorf("Do() error = %v, want %v", err, wantErr)
	}
}

func TestDoForgetsCompletedFlights(t *testing.T) {
	inflight := NewInflight(nil, nil)
	key := fingerprint.Key("k|p|mpv1|depth=18")

	var executions int32
	fn := func(ctx context.Context) (*cache.Entry, error) {
		atomic.AddInt32(&executions, 1)
		return testEntry(key.Scope(), 10, 18), nil
	}

	for i := 0; i < 2; i++ {
		if _, err := inflight.Do(context.Background(), key, fn); err != nil {
			t.Fatalf("Do() #%d error = %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&executions); got != 2 {
		t.Errorf("executions = %d, want a fresh flight per sequential call", got)
	}
}
