// Package cache provides the shared two-tier evaluation result store.
//
// The memory tier is consulted first and holds whatever fits; the
// durable tier survives restarts and only accepts meaningfully scored
// results. Both tiers are keyed by the budget-less fingerprint scope,
// so results of different budgets for the same position compete for a
// single slot and the most expensive pass wins.
package cache

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/stats"
)

// ErrInvalidEntry is returned by Validate for structurally broken
// entries. The durable tier deletes such entries on read.
var ErrInvalidEntry = errors.New("cache: invalid entry")

// Entry is one cached evaluation result, stamped with the pass budget
// that produced it. Scores inside Result stay engine-relative; point of
// view normalization happens in the consumer adapters so one entry is
// correct for every reader.
type Entry struct {
	Key         fingerprint.Scope `json:"key"`
	Result      backend.Response  `json:"result"`
	PassBudget  int               `json:"passBudget"`
	WrittenAtMs int64             `json:"writtenAtMs"`
}

// NewEntry stamps a result for storage.
func NewEntry(scope fingerprint.Scope, result backend.Response, passBudget int, now time.Time) *Entry {
	return &Entry{
		Key:         scope,
		Result:      result,
		PassBudget:  passBudget,
		WrittenAtMs: now.UnixMilli(),
	}
}

// WrittenAt returns the entry's write time.
func (e *Entry) WrittenAt() time.Time {
	return time.UnixMilli(e.WrittenAtMs)
}

// Age returns the entry's age relative to now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt())
}

// Fresh reports whether the entry is within the given TTL. Entries
// older than the TTL are treated as absent; an entry exactly at the
// TTL is still fresh.
func (e *Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return e.Age(now) <= ttl
}

// Validate checks structural integrity. Entries failing validation are
// never surfaced as hits.
func (e *Entry) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEntry)
	}
	if e.Key == "" {
		return fmt.Errorf("%w: missing key", ErrInvalidEntry)
	}
	if e.WrittenAtMs <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEntry)
	}
	if e.PassBudget <= 0 {
		return fmt.Errorf("%w: missing pass budget", ErrInvalidEntry)
	}
	if !e.Result.Meaningful() {
		return fmt.Errorf("%w: no scored lines", ErrInvalidEntry)
	}
	return nil
}

// Tier is one storage layer of the store.
type Tier interface {
	// Get retrieves the entry for a scope. Returns nil, false on miss.
	Get(scope fingerprint.Scope) (*Entry, bool)

	// Put stores an entry. Best effort; failures are absorbed.
	Put(e *Entry)

	// Len returns the number of entries currently held.
	Len() int
}

// Store layers the memory tier over an optional durable tier.
type Store struct {
	mem       Tier
	durable   Tier
	log       *zap.Logger
	collector stats.Collector
}

// Config configures a Store. Memory is required, Durable is optional.
type Config struct {
	Memory  Tier
	Durable Tier
	Logger  *zap.Logger
	Stats   stats.Collector
}

// New creates a two-tier store.
func New(cfg Config) (*Store, error) {
	if cfg.Memory == nil {
		return nil, errors.New("cache: memory tier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewNoop()
	}
	return &Store{
		mem:       cfg.Memory,
		durable:   cfg.Durable,
		log:       cfg.Logger.Named("cache"),
		collector: cfg.Stats,
	}, nil
}

// Get returns the cached entry for a scope, memory tier first. A
// durable hit is promoted into the memory tier so repeat lookups stay
// cheap.
func (s *Store) Get(scope fingerprint.Scope) (*Entry, bool) {
	if e, ok := s.mem.Get(scope); ok {
		s.collector.IncCounter(stats.MetricMemoryHits, 1)
		return e, true
	}
	if s.durable != nil {
		if e, ok := s.durable.Get(scope); ok {
			s.collector.IncCounter(stats.MetricDurableHits, 1)
			s.mem.Put(e)
			return e, true
		}
	}
	s.collector.IncCounter(stats.MetricCacheMisses, 1)
	return nil, false
}

// Put stores an entry. The memory tier takes every entry; the durable
// tier only takes meaningfully scored ones. An existing entry with a
// strictly larger pass budget is kept, so a cheap pass arriving late
// never overwrites a deeper answer.
func (s *Store) Put(e *Entry) {
	if e == nil || e.Key == "" {
		return
	}
	if cur, ok := s.mem.Get(e.Key); ok && cur.PassBudget > e.PassBudget {
		s.log.Debug("kept deeper cached entry",
			zap.String("scope", string(e.Key)),
			zap.Int("have", cur.PassBudget),
			zap.Int("offered", e.PassBudget))
		return
	}
	s.mem.Put(e)
	if s.durable != nil && e.Result.Meaningful() {
		s.durable.Put(e)
	}
}

// Sizes returns the entry counts of the memory and durable tiers.
func (s *Store) Sizes() (mem, durable int) {
	mem = s.mem.Len()
	if s.durable != nil {
		durable = s.durable.Len()
	}
	return mem, durable
}
