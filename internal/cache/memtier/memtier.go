// Package memtier implements the volatile first-consult cache tier.
package memtier

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/fingerprint"
)

// DefaultCapacity bounds the tier when no capacity is configured.
// Entries are small so the bound exists to protect long-lived
// processes, not to be hit in a normal session.
const DefaultCapacity = 4096

// Compile-time check that Tier implements cache.Tier.
var _ cache.Tier = (*Tier)(nil)

// Tier is a thread-safe in-memory cache tier with LRU eviction.
// Entries carry no TTL; they live until evicted or the process exits.
type Tier struct {
	cache *lru.Cache[fingerprint.Scope, *cache.Entry]
}

// New creates a memory tier with the given capacity. A capacity of
// zero or less selects DefaultCapacity.
func New(capacity int) (*Tier, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[fingerprint.Scope, *cache.Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Tier{cache: c}, nil
}

// Get retrieves the entry for a scope.
func (t *Tier) Get(scope fingerprint.Scope) (*cache.Entry, bool) {
	return t.cache.Get(scope)
}

// Put stores an entry under its scope.
func (t *Tier) Put(e *cache.Entry) {
	if e == nil || e.Key == "" {
		return
	}
	t.cache.Add(e.Key, e)
}

// Len returns the number of entries held.
func (t *Tier) Len() int {
	return t.cache.Len()
}
