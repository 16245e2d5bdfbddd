// Package evalhubfx provides an fx module for an engine-backed evalhub service.
package evalhubfx

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/evalhub"
	"github.com/discochess/evalhub/internal/stats"
	"github.com/discochess/evalhub/internal/stats/logger"
)

// Config holds configuration for the engine-backed service.
type Config struct {
	// EnginePath is the UCI engine binary for the primary backend.
	EnginePath string

	// EngineArgs are extra arguments passed to the engine process.
	EngineArgs []string

	// FallbackEnginePath names a second engine binary tried when the
	// primary fails. Optional.
	FallbackEnginePath string

	// CacheDir enables the durable cache tier when set.
	CacheDir string

	// MemoryCacheSize bounds the in-memory tier.
	// Default is the library default.
	MemoryCacheSize int
}

// Module provides an engine-backed *evalhub.Service.
// Requires a *zap.Logger and a Config to be provided.
var Module = fx.Module("evalhub",
	fx.Provide(
		newStatsCollector,
		newService,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("evalhub.stats"))
}

// Params holds dependencies for creating the service.
type Params struct {
	fx.In

	Config    Config
	Logger    *zap.Logger
	Collector stats.Collector
	Lifecycle fx.Lifecycle
}

// Result holds the provided service.
type Result struct {
	fx.Out

	Service *evalhub.Service
}

func newService(p Params) (Result, error) {
	opts := []evalhub.Option{
		evalhub.WithEngineBackend("engine", p.Config.EnginePath, p.Config.EngineArgs...),
		evalhub.WithStats(p.Collector),
		evalhub.WithLogger(p.Logger.Named("evalhub")),
	}
	if p.Config.FallbackEnginePath != "" {
		opts = append(opts, evalhub.WithEngineBackend("fallback", p.Config.FallbackEnginePath))
	}
	if p.Config.CacheDir != "" {
		opts = append(opts, evalhub.WithDurableCache(p.Config.CacheDir))
	}
	if p.Config.MemoryCacheSize > 0 {
		opts = append(opts, evalhub.WithMemoryCacheSize(p.Config.MemoryCacheSize))
	}

	svc, err := evalhub.New(opts...)
	if err != nil {
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return svc.Close()
		},
	})

	return Result{Service: svc}, nil
}
