// Package stats provides a unified interface for collecting metrics.
package stats

// Metric names used throughout the library.
const (
	// Coordinator metrics.
	MetricRequests      = "evalhub_requests_total"
	MetricDispatches    = "evalhub_dispatches_total"
	MetricDedupJoins    = "evalhub_dedup_joins_total"
	MetricStaleDrops    = "evalhub_stale_drops_total"
	MetricCooldownSkips = "evalhub_cooldown_skips_total"
	MetricInflight      = "evalhub_inflight"

	// Cache metrics.
	MetricMemoryHits     = "evalhub_cache_memory_hits_total"
	MetricDurableHits    = "evalhub_cache_durable_hits_total"
	MetricCacheMisses    = "evalhub_cache_misses_total"
	MetricCacheEvictions = "evalhub_cache_evictions_total"
	MetricTTLExpiries    = "evalhub_cache_ttl_expiries_total"
	MetricCorruptPruned  = "evalhub_cache_corrupt_pruned_total"
	MetricDurableEntries = "evalhub_cache_durable_entries"

	// Backend metrics.
	MetricFailovers     = "evalhub_backend_failovers_total"
	MetricBackendErrors = "evalhub_backend_errors_total"

	// Refinement metrics.
	MetricPasses     = "evalhub_refine_passes_total"
	MetricEarlyStops = "evalhub_refine_early_stops_total"
	MetricPassSkips  = "evalhub_refine_cache_skips_total"

	// Latency metrics.
	MetricDispatchSeconds = "evalhub_dispatch_seconds"

	// Daemon metrics.
	MetricHTTPRequests = "evalhub_http_requests_total"
	MetricHTTPErrors   = "evalhub_http_errors_total"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
