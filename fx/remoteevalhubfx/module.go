// Package remoteevalhubfx provides an fx module for an evalhub service
// backed by a shared evaluation daemon, with an optional local engine
// as the fallback.
package remoteevalhubfx

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/evalhub"
	"github.com/discochess/evalhub/internal/stats"
	"github.com/discochess/evalhub/internal/stats/logger"
)

// Config holds configuration for the remote-backed service.
type Config struct {
	// RemoteURL locates the evaluation daemon,
	// e.g. "http://eval-farm:8080".
	RemoteURL string

	// FallbackEnginePath names a local engine binary used when the
	// remote is unreachable. Optional.
	FallbackEnginePath string

	// CacheDir enables the durable cache tier when set.
	CacheDir string
}

// Module provides a remote-backed *evalhub.Service.
// Requires a *zap.Logger and a Config to be provided.
var Module = fx.Module("remoteevalhub",
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
		evalhub.WithRemoteBackend("remote", p.Config.RemoteURL),
		evalhub.WithStats(p.Collector),
		evalhub.WithLogger(p.Logger.Named("evalhub")),
	}
	if p.Config.FallbackEnginePath != "" {
		opts = append(opts, evalhub.WithEngineBackend("fallback", p.Config.FallbackEnginePath))
	}
	if p.Config.CacheDir != "" {
		opts = append(opts, evalhub.WithDurableCache(p.Config.CacheDir))
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
