package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/stats"
)

// Dispatcher hands a request to a live backend. The router satisfies
// this; tests substitute fakes.
type Dispatcher interface {
	Evaluate(ctx context.Context, req backend.Request) (*backend.Response, error)
}

// Exec is the blocking dispatch path shared by the one-shot service
// call, the per-consumer controller, and the refinement scheduler:
// consult the cache, dedup through the in-flight registry, write the
// result back.
type Exec struct {
	inflight   *Inflight
	store      *cache.Store
	dispatcher Dispatcher
	log        *zap.Logger
	collector  stats.Collector
	now        func() time.Time
}

// NewExec wires the shared dispatch path.
func NewExec(inflight *Inflight, store *cache.Store, dispatcher Dispatcher, log *zap.Logger, collector stats.Collector) *Exec {
	if log == nil {
		log = zap.NewNop()
	}
	if collector == nil {
		collector = stats.NewNoop()
	}
	return &Exec{
		inflight:   inflight,
		store:      store,
		dispatcher: dispatcher,
		log:        log.Named("exec"),
		collector:  collector,
		now:        time.Now,
	}
}

// Run satisfies req from the cache when the stored entry's pass budget
// covers the request's, dispatching otherwise. A positive maxAge
// additionally requires the cached entry to be at most that old to
// count, which is how refinement passes skip only on fresh results;
// zero accepts any age, honoring the memory tier's no-TTL contract.
//
// The write-back happens inside the shared flight, so N concurrent
// callers produce one dispatch and one cache write. Scores stay
// engine-relative in the cache.
func (e *Exec) Run(ctx context.Context, req backend.Request, maxAge time.Duration) (*cache.Entry, bool, error) {
	key, err := req.Key()
	if err != nil {
		return nil, false, err
	}
	scope := key.Scope()

	if entry, ok := e.store.Get(scope); ok && entry.PassBudget >= req.Budget() {
		if maxAge <= 0 || entry.Fresh(e.now(), maxAge) {
			return entry, true, nil
		}
	}

	entry, err := e.inflight.Do(ctx, key, func(fctx context.Context) (*cache.Entry, error) {
		resp, err := e.dispatcher.Evaluate(fctx, req)
		if err != nil {
			return nil, err
		}
		entry := cache.NewEntry(scope, *resp, req.Budget(), e.now())
		e.store.Put(entry)
		return entry, nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, false, nil
}

// Store exposes the underlying cache store for read-only peeks.
func (e *Exec) Store() *cache.Store {
	return e.store
}
