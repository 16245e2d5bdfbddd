// Package evalhub coordinates client-side chess position evaluation
// across local engine processes and remote eval workers. Requests walk
// a fallback chain of backends, results land in a two-tier cache, and
// concurrent consumers of the same position share a single search.
//
// Example usage:
//
//	svc, err := evalhub.New(
//	    evalhub.WithEngineBackend("local", "/usr/bin/stockfish"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	result, err := svc.Evaluate(ctx, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1", evalhub.EvalOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%s (%s)\n", result.BestMove(), result.Score())
package evalhub

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/backend/enginehost"
	"github.com/discochess/evalhub/internal/backend/remote"
	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/cache/durabletier"
	"github.com/discochess/evalhub/internal/cache/memtier"
	"github.com/discochess/evalhub/internal/coordinator"
	"github.com/discochess/evalhub/internal/fen"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/profile"
	"github.com/discochess/evalhub/internal/refine"
	"github.com/discochess/evalhub/internal/router"
	"github.com/discochess/evalhub/internal/stats"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrClosed indicates the service has been closed.
	ErrClosed = errors.New("evalhub: service closed")

	// ErrNoBackends indicates no backends were configured.
	ErrNoBackends = errors.New("evalhub: no backends configured")

	// ErrNoAnalysis indicates every configured backend failed.
	ErrNoAnalysis = errors.New("evalhub: no analysis available")

	// ErrInvalidFEN indicates the position string is malformed.
	ErrInvalidFEN = errors.New("evalhub: invalid fen")
)

// Service owns the evaluation pipeline: profile registry, backend
// router, two-tier cache, and the shared dispatch path consumers
// attach to. A Service is safe for concurrent use by multiple
// goroutines.
type Service struct {
	profiles *profile.Registry
	router   *router.Router
	store    *cache.Store
	durable  *durabletier.Tier
	exec     *coordinator.Exec
	refiner  *refine.Scheduler
	debounce time.Duration
	cooldown time.Duration
	stats    stats.Collector
	logger   *zap.Logger
	closed   atomic.Bool
}

// EvalOptions tweak a single evaluation. Zero values take the resolved
// profile's defaults.
type EvalOptions struct {
	// Profile selects the quality tier; unknown or empty ids resolve
	// to the default profile.
	Profile string

	// MultiPV requests that many ranked lines.
	MultiPV int

	// Depth overrides the profile's default target depth.
	Depth int

	// MovetimeMs bounds the search by time instead of depth. Wins over
	// Depth when both are set.
	MovetimeMs int
}

// New creates a Service with the given options. At least one backend
// must be configured.
func New(opts ...Option) (*Service, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	backends := append([]backend.Backend(nil), cfg.backends...)
	for _, spec := range cfg.specs {
		b, err := buildBackend(spec, cfg)
		if err != nil {
			closeBackends(backends)
			return nil, err
		}
		backends = append(backends, b)
	}
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}

	rt, err := router.New(router.Config{
		Backends:     backends,
		StartTimeout: cfg.backendTimeout,
		Logger:       cfg.logger,
		Stats:        cfg.stats,
	})
	if err != nil {
		closeBackends(backends)
		return nil, err
	}

	mem, err := memtier.New(cfg.memoryCacheSize)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("memory cache: %w", err)
	}
	storeCfg := cache.Config{Memory: mem, Logger: cfg.logger, Stats: cfg.stats}

	var durable *durabletier.Tier
	if cfg.durableDir != "" {
		durable, err = durabletier.New(durabletier.Config{
			Root:     cfg.durableDir,
			Codec:    cfg.durableCodec,
			TTL:      cfg.durableTTL,
			Capacity: cfg.durableCapacity,
			Logger:   cfg.logger,
			Stats:    cfg.stats,
		})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("durable cache: %w", err)
		}
		storeCfg.Durable = durable
	}

	store, err := cache.New(storeCfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	inflight := coordinator.NewInflight(cfg.logger, cfg.stats)
	exec := coordinator.NewExec(inflight, store, rt, cfg.logger, cfg.stats)
	refiner, err := refine.NewScheduler(refine.Config{
		Exec:     exec,
		FreshFor: cfg.durableTTL,
		Logger:   cfg.logger,
		Stats:    cfg.stats,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	s := &Service{
		profiles: cfg.profiles,
		router:   rt,
		store:    store,
		durable:  durable,
		exec:     exec,
		refiner:  refiner,
		debounce: cfg.debounce,
		cooldown: cfg.cooldown,
		stats:    cfg.stats,
		logger:   cfg.logger,
	}

	s.logger.Debug("service initialized",
		zap.Int("backends", len(backends)),
		zap.Strings("profiles", s.profiles.IDs()),
		zap.Bool("durableCache", durable != nil),
	)

	return s, nil
}

// Evaluate runs a one-shot evaluation of fenStr. A cached result whose
// budget covers the request is returned without touching a backend.
func (s *Service) Evaluate(ctx context.Context, fenStr string, opt EvalOptions) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.stats.IncCounter(stats.MetricRequests, 1)

	req, prof := s.buildRequest(fenStr, opt)
	entry, fromCache, err := s.exec.Run(ctx, req, 0)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return resultFromEntry(fenStr, prof.ID, entry, fromCache), nil
}

// Refine runs the resolved profile's pass schedule for fenStr,
// delivering each improvement to apply as it lands, and returns the
// deepest result. Profiles that allow it stop early once consecutive
// passes agree.
func (s *Service) Refine(ctx context.Context, fenStr string, opt EvalOptions, apply func(*Result)) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.stats.IncCounter(stats.MetricRequests, 1)

	prof := s.profiles.Get(opt.Profile)
	req := backend.Request{
		FEN:       fenStr,
		ProfileID: prof.ID,
		MultiPV:   opt.MultiPV,
		Hints:     prof.Hints,
	}
	var cb func(refine.Pass)
	if apply != nil {
		cb = func(p refine.Pass) {
			apply(resultFromEntry(fenStr, prof.ID, p.Entry, p.FromCache))
		}
	}
	entry, err := s.refiner.Run(ctx, req, prof, cb)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return resultFromEntry(fenStr, prof.ID, entry, false), nil
}

// Profiles returns the registered profile ids in sorted order.
func (s *Service) Profiles() []string {
	return s.profiles.IDs()
}

// EngineName returns the resolved identity of the active engine, or ""
// while it is still unknown.
func (s *Service) EngineName() string {
	return s.router.EngineName()
}

// ActiveBackend reports the backend currently serving requests and its
// status.
func (s *Service) ActiveBackend() (string, backend.Status) {
	return s.router.Active()
}

// CacheSizes returns the entry counts of the memory and durable tiers.
// The durable count is 0 when no durable cache is configured.
func (s *Service) CacheSizes() (memory, durable int) {
	return s.store.Sizes()
}

// PruneCache removes expired and unreadable durable entries, returning
// how many were dropped. Without a durable cache it is a no-op.
func (s *Service) PruneCache() (int, error) {
	if s.durable == nil {
		return 0, nil
	}
	return s.durable.Prune()
}

// Store exposes the result store for integrations that read or warm
// the cache directly.
func (s *Service) Store() *cache.Store {
	return s.store
}

// Close tears down every backend. Panels and minis created from the
// service must be closed by their owners. After Close, the service
// should not be used.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if err := s.router.Close(); err != nil {
		return fmt.Errorf("closing router: %w", err)
	}
	return nil
}

// buildRequest resolves opt against the profile registry into a
// concrete backend request.
func (s *Service) buildRequest(fenStr string, opt EvalOptions) (backend.Request, profile.Profile) {
	prof := s.profiles.Get(opt.Profile)
	multiPV := opt.MultiPV
	if multiPV <= 0 {
		multiPV = prof.DefaultMultiPV
	}
	req := backend.Request{
		FEN:       fenStr,
		ProfileID: prof.ID,
		MultiPV:   multiPV,
		Hints:     prof.Hints,
	}
	switch {
	case opt.MovetimeMs > 0:
		req.Mode = fingerprint.ModeTime
		req.MovetimeMs = opt.MovetimeMs
	case opt.Depth > 0:
		req.Mode = fingerprint.ModeDepth
		req.Depth = opt.Depth
	default:
		req.Mode = fingerprint.ModeDepth
		req.Depth = prof.DefaultDepth()
	}
	return req, prof
}

// mapErr folds internal failures into the package's sentinels.
func (s *Service) mapErr(err error) error {
	switch {
	case errors.Is(err, fen.ErrInvalidFEN):
		return ErrInvalidFEN
	case errors.Is(err, router.ErrExhausted):
		return ErrNoAnalysis
	case errors.Is(err, router.ErrClosed), errors.Is(err, coordinator.ErrClosed):
		return ErrClosed
	}
	return err
}

func buildBackend(spec backendSpec, cfg options) (backend.Backend, error) {
	switch spec.kind {
	case engineBackend:
		h, err := enginehost.New(enginehost.Config{
			ID:            spec.id,
			Command:       spec.command,
			Args:          spec.args,
			SearchTimeout: cfg.backendTimeout,
			Logger:        cfg.logger,
			Stats:         cfg.stats,
		})
		if err != nil {
			return nil, fmt.Errorf("engine backend %s: %w", spec.id, err)
		}
		return h, nil
	case remoteBackend:
		c, err := remote.New(remote.Config{
			ID:      spec.id,
			BaseURL: spec.url,
			Timeout: cfg.backendTimeout,
			Logger:  cfg.logger,
			Stats:   cfg.stats,
		})
		if err != nil {
			return nil, fmt.Errorf("remote backend %s: %w", spec.id, err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown backend kind %d", spec.kind)
}

func closeBackends(backends []backend.Backend) {
	for _, b := range backends {
		_ = b.Close()
	}
}
