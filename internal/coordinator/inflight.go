// Package coordinator serializes evaluation traffic on behalf of
// consumers: a process-wide in-flight registry so identical requests
// share one backend dispatch, a blocking execution path with cache
// write-back, and a per-consumer controller adding debounce, staleness
// rejection, and cooldown.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/stats"
)

// Inflight shares one backend dispatch among all concurrent requests
// for the same fingerprint. The dispatch runs on its own context,
// detached from any single caller, and is cancelled once every caller
// has abandoned it, which aborts the underlying transport where it
// supports abort.
type Inflight struct {
	group     singleflight.Group
	log       *zap.Logger
	collector stats.Collector

	mu      sync.Mutex
	flights map[fingerprint.Key]*flight
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewInflight creates an empty registry.
func NewInflight(log *zap.Logger, collector stats.Collector) *Inflight {
	if log == nil {
		log = zap.NewNop()
	}
	if collector == nil {
		collector = stats.NewNoop()
	}
	return &Inflight{
		log:       log.Named("inflight"),
		collector: collector,
		flights:   make(map[fingerprint.Key]*flight),
	}
}

// Do runs fn for key, sharing one execution among concurrent callers.
// Every caller receives the same entry. A caller whose ctx expires
// stops waiting; when the last caller leaves, the shared execution's
// context is cancelled and the key is forgotten so the next request
// starts fresh.
func (i *Inflight) Do(ctx context.Context, key fingerprint.Key, fn func(ctx context.Context) (*cache.Entry, error)) (*cache.Entry, error) {
	i.mu.Lock()
	f, ok := i.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.Background())
		f = &flight{ctx: fctx, cancel: cancel}
		i.flights[key] = f
	} else {
		i.collector.IncCounter(stats.MetricDedupJoins, 1)
		i.log.Debug("joined in-flight request", zap.String("key", string(key)))
	}
	f.waiters++
	i.collector.SetGauge(stats.MetricInflight, int64(len(i.flights)))
	i.mu.Unlock()

	ch := i.group.DoChan(string(key), func() (interface{}, error) {
		i.collector.IncCounter(stats.MetricDispatches, 1)
		start := time.Now()
		entry, err := fn(f.ctx)
		i.collector.ObserveHistogram(stats.MetricDispatchSeconds, time.Since(start).Seconds())
		return entry, err
	})

	select {
	case res := <-ch:
		i.leave(key, f)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Entry), nil
	case <-ctx.Done():
		i.leave(key, f)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently in flight.
func (i *Inflight) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.flights)
}

// leave drops one waiter. The last one out cancels the shared dispatch
// and clears the key so the next request starts a fresh flight.
func (i *Inflight) leave(key fingerprint.Key, f *flight) {
	i.mu.Lock()
	defer i.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	delete(i.flights, key)
	i.group.Forget(string(key))
	i.collector.SetGauge(stats.MetricInflight, int64(len(i.flights)))
}
