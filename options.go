package evalhub

import (
	"time"

	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/cache/durabletier"
	"github.com/discochess/evalhub/internal/cache/memtier"
	"github.com/discochess/evalhub/internal/codec"
	"github.com/discochess/evalhub/internal/coordinator"
	"github.com/discochess/evalhub/internal/profile"
	"github.com/discochess/evalhub/internal/stats"
)

// DefaultDebounce is how long a consumer's target change sits before
// dispatching, so a burst of retargets costs one search.
const DefaultDebounce = 150 * time.Millisecond

// Option configures a Service.
type Option interface {
	apply(*options)
}

type backendKind int

const (
	engineBackend backendKind = iota
	remoteBackend
)

// backendSpec defers backend construction to New so hosts pick up the
// final logger and stats collector.
type backendSpec struct {
	kind    backendKind
	id      string
	command string
	args    []string
	url     string
}

// options holds the service configuration.
type options struct {
	profiles        *profile.Registry
	backends        []backend.Backend
	specs           []backendSpec
	memoryCacheSize int
	durableDir      string
	durableTTL      time.Duration
	durableCapacity int
	durableCodec    codec.Codec
	debounce        time.Duration
	cooldown        time.Duration
	backendTimeout  time.Duration
	stats           stats.Collector
	logger          *zap.Logger
}

// defaultOptions returns the default configuration.
func defaultOptions() options {
	return options{
		profiles:        profile.NewRegistry(),
		memoryCacheSize: memtier.DefaultCapacity,
		durableTTL:      durabletier.DefaultTTL,
		durableCapacity: durabletier.DefaultCapacity,
		debounce:        DefaultDebounce,
		cooldown:        coordinator.DefaultCooldown,
		stats:           stats.NewNoop(),
		logger:          zap.NewNop(),
	}
}

// optionFunc wraps a function to implement Option.
type optionFunc func(*options)

// Compile-time check that optionFunc implements Option.
var _ Option = optionFunc(nil)

func (f optionFunc) apply(o *options) { f(o) }

// WithEngineBackend adds a local UCI engine process to the fallback
// chain. Backends are tried in the order they are added.
func WithEngineBackend(id, command string, args ...string) Option {
	return optionFunc(func(o *options) {
		o.specs = append(o.specs, backendSpec{kind: engineBackend, id: id, command: command, args: args})
	})
}

// WithRemoteBackend adds a remote eval service to the fallback chain.
func WithRemoteBackend(id, baseURL string) Option {
	return optionFunc(func(o *options) {
		o.specs = append(o.specs, backendSpec{kind: remoteBackend, id: id, url: baseURL})
	})
}

// WithBackend adds a pre-built backend to the fallback chain. The
// service owns it once New succeeds.
func WithBackend(b backend.Backend) Option {
	return optionFunc(func(o *options) {
		o.backends = append(o.backends, b)
	})
}

// WithProfiles sets the profile registry.
// If not set, the built-in profiles are used.
func WithProfiles(r *profile.Registry) Option {
	return optionFunc(func(o *options) {
		o.profiles = r
	})
}

// WithMemoryCacheSize bounds the in-memory result tier.
// Default is 4096 entries.
func WithMemoryCacheSize(n int) Option {
	return optionFunc(func(o *options) {
		o.memoryCacheSize = n
	})
}

// WithDurableCache persists results under dir so they survive
// restarts. Without this option only the memory tier is used.
func WithDurableCache(dir string) Option {
	return optionFunc(func(o *options) {
		o.durableDir = dir
	})
}

// WithDurableTTL sets how long durable entries stay servable.
// Default is 20 minutes.
func WithDurableTTL(ttl time.Duration) Option {
	return optionFunc(func(o *options) {
		o.durableTTL = ttl
	})
}

// WithDurableCapacity bounds the durable tier's entry count.
// Default is 200.
func WithDurableCapacity(n int) Option {
	return optionFunc(func(o *options) {
		o.durableCapacity = n
	})
}

// WithDurableCodec sets the compression for durable entries.
// If not set, zstd is used.
func WithDurableCodec(c codec.Codec) Option {
	return optionFunc(func(o *options) {
		o.durableCodec = c
	})
}

// WithDebounce sets how long consumer retargets coalesce before
// dispatching.
func WithDebounce(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.debounce = d
	})
}

// WithCooldown sets the minimum interval between dispatches of the
// same position from one consumer. Zero disables the hold.
func WithCooldown(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.cooldown = d
	})
}

// WithBackendTimeout bounds backend operations: the handshake wait and
// each search for engine processes, the request round-trip for remote
// workers.
func WithBackendTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.backendTimeout = d
	})
}

// WithStats sets the stats collector.
// If not set, a no-op collector is used.
func WithStats(c stats.Collector) Option {
	return optionFunc(func(o *options) {
		o.stats = c
	})
}

// WithLogger sets the logger.
// If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}
