// Package router selects among evaluation backends and fails over in a
// fixed order when the active one becomes unusable.
//
// Failover is one-way: a torn-down backend is never revisited. When the
// chain is exhausted the router reports it and consumers surface "no
// analysis available" instead of an exception path.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/stats"
)

// DefaultStartTimeout bounds one backend's handshake during failover.
const DefaultStartTimeout = 15 * time.Second

var (
	// ErrExhausted means every configured backend has failed.
	ErrExhausted = errors.New("router: all backends failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("router: closed")
)

// Config wires a router.
type Config struct {
	// Backends in fallback order. The router owns them once created
	// and closes them on Close.
	Backends []backend.Backend

	StartTimeout time.Duration
	Logger       *zap.Logger
	Stats        stats.Collector
}

// Router walks the backend chain.
type Router struct {
	backends     []backend.Backend
	startTimeout time.Duration
	log          *zap.Logger
	stats        stats.Collector

	mu       sync.Mutex
	idx      int
	ready    bool
	starting chan struct{}
	names    map[string]string
	closed   bool
}

// New creates a router over the given fallback chain.
func New(cfg Config) (*Router, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.New("router: no backends configured")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewNoop()
	}
	return &Router{
		backends:     cfg.Backends,
		startTimeout: cfg.StartTimeout,
		log:          cfg.Logger.Named("router"),
		stats:        cfg.Stats,
		names:        make(map[string]string),
	}, nil
}

// Evaluate dispatches to the active backend, failing over on fatal
// errors until a backend answers or the chain is exhausted. Transport
// and protocol errors surface to the caller without burning a backend.
func (r *Router) Evaluate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	for {
		b, err := r.ensure(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := b.Evaluate(ctx, req)
		if err == nil {
			if resp.EngineName != "" {
				r.setName(b.ID(), resp.EngineName)
			}
			return resp, nil
		}
		if !backend.IsFatal(err) {
			return nil, err
		}
		r.failover(b, err)
	}
}

// ensure returns the active ready backend, starting down the chain as
// needed. Concurrent callers share a single handshake.
func (r *Router) ensure(ctx context.Context) (backend.Backend, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if r.idx >= len(r.backends) {
			r.mu.Unlock()
			return nil, ErrExhausted
		}
		b := r.backends[r.idx]
		if r.ready {
			r.mu.Unlock()
			return b, nil
		}
		if r.starting != nil {
			ch := r.starting
			r.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		r.starting = ch
		idx := r.idx
		r.mu.Unlock()

		// the handshake is router-owned: one consumer going away must
		// not abort a startup other consumers are waiting on
		sctx, cancel := context.WithTimeout(context.Background(), r.startTimeout)
		startErr := b.Start(sctx)
		cancel()

		r.mu.Lock()
		r.starting = nil
		close(ch)
		if startErr != nil {
			r.log.Warn("backend failed to start",
				zap.String("backend", b.ID()),
				zap.Error(startErr),
			)
			r.stats.IncCounter(stats.MetricFailovers, 1)
			if r.idx == idx {
				r.idx++
			}
			_ = b.Close()
			r.mu.Unlock()
			continue
		}
		r.ready = true
		if name := b.EngineName(); name != "" {
			r.names[b.ID()] = name
		}
		r.mu.Unlock()
		r.log.Info("backend active", zap.String("backend", b.ID()))
		return b, nil
	}
}

// failover tears the failed backend down before the next one may start.
func (r *Router) failover(b backend.Backend, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idx >= len(r.backends) || r.backends[r.idx] != b || !r.ready {
		// another caller already advanced past this backend
		return
	}
	r.ready = false
	r.idx++
	r.stats.IncCounter(stats.MetricFailovers, 1)

	next := "none"
	if r.idx < len(r.backends) {
		next = r.backends[r.idx].ID()
	}
	r.log.Warn("backend failed, falling back",
		zap.String("backend", b.ID()),
		zap.String("next", next),
		zap.Error(cause),
	)
	_ = b.Close()
}

// Active returns the current backend id and status. Once the chain is
// exhausted the last backend is reported in its error state.
func (r *Router) Active() (string, backend.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.idx
	if idx >= len(r.backends) {
		return r.backends[len(r.backends)-1].ID(), backend.StatusError
	}
	b := r.backends[idx]
	return b.ID(), b.Status()
}

// EngineName returns the resolved engine identity for the active
// backend. The name cache answers even while a backend is still
// initializing or after it failed.
func (r *Router) EngineName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.idx
	if idx >= len(r.backends) {
		idx = len(r.backends) - 1
	}
	b := r.backends[idx]
	if name, ok := r.names[b.ID()]; ok {
		return name
	}
	return b.EngineName()
}

// Names returns a copy of the resolved engine names per backend id.
func (r *Router) Names() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.names))
	for id, name := range r.names {
		out[id] = name
	}
	return out
}

func (r *Router) setName(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[id] = name
}

// Close tears down every backend in the chain.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	backends := r.backends
	r.mu.Unlock()

	var firstErr error
	for _, b := range backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close backend %s: %w", b.ID(), err)
		}
	}
	return firstErr
}
