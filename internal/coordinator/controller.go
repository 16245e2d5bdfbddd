package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/stats"
)

// DefaultCooldown is the minimum interval between dispatches of the
// same fingerprint from one consumer. Rapid re-entrant triggers inside
// the window collapse into a single trailing dispatch.
const DefaultCooldown = 2500 * time.Millisecond

// ErrClosed is returned by SetTarget after Close.
var ErrClosed = errors.New("coordinator: closed")

// Update is one state change delivered to a consumer. Entry is nil
// when there is nothing new to show; with a nil Err that means the
// evaluation settled without improving on the displayed answer.
type Update struct {
	RequestID  string
	Scope      fingerprint.Scope
	Entry      *cache.Entry
	FromCache  bool
	Evaluating bool
	Err        error
}

// ControllerConfig configures a per-consumer controller.
type ControllerConfig struct {
	// Exec is the shared dispatch path. Required.
	Exec *Exec

	// Debounce delays dispatch after a target change; a newer target
	// inside the window supersedes the older one before it fires.
	Debounce time.Duration

	// Cooldown is the minimum interval between dispatches of the same
	// fingerprint. Zero disables it.
	Cooldown time.Duration

	// OnUpdate receives state changes. Called without internal locks
	// held, so it may call back into the controller.
	OnUpdate func(Update)

	Logger *zap.Logger
	Stats  stats.Collector
}

// Controller owns one consumer's "current analysis target". Each
// SetTarget supersedes the previous one: a fresh request id is issued
// and any result still in flight for an older id is dropped rather
// than applied. Callers serialize SetTarget; updates arrive in call
// order for serialized callers.
type Controller struct {
	exec      *Exec
	debounce  time.Duration
	cooldown  time.Duration
	onUpdate  func(Update)
	log       *zap.Logger
	collector stats.Collector
	now       func() time.Time

	mu            sync.Mutex
	closed        bool
	currentID     string
	currentKey    fingerprint.Key
	currentScope  fingerprint.Scope
	currentReq    backend.Request
	timer         *time.Timer
	cancelFlight  context.CancelFunc
	lastKey       fingerprint.Key
	lastAt        time.Time
	appliedScope  fingerprint.Scope
	appliedBudget int
}

// NewController creates a controller. The config's Exec is required.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Exec == nil {
		return nil, errors.New("coordinator: exec is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewNoop()
	}
	return &Controller{
		exec:      cfg.Exec,
		debounce:  cfg.Debounce,
		cooldown:  cfg.Cooldown,
		onUpdate:  cfg.OnUpdate,
		log:       cfg.Logger.Named("controller"),
		collector: cfg.Stats,
		now:       time.Now,
	}, nil
}

// SetTarget makes req the consumer's current analysis target. The
// cache is consulted immediately: an entry whose pass budget covers
// the request settles the target on the spot, a shallower one is
// surfaced as the best answer so far while the dispatch proceeds.
// SetTarget never blocks on backend work.
func (c *Controller) SetTarget(req backend.Request) error {
	key, err := req.Key()
	if err != nil {
		return err
	}
	scope := key.Scope()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	id := uuid.NewString()
	req.RequestID = id
	c.currentID, c.currentKey, c.currentScope, c.currentReq = id, key, scope, req
	c.collector.IncCounter(stats.MetricRequests, 1)

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelFlight != nil {
		c.cancelFlight()
		c.cancelFlight = nil
	}

	var cached *cache.Entry
	if entry, ok := c.exec.Store().Get(scope); ok {
		cached = entry
		c.appliedScope, c.appliedBudget = scope, entry.PassBudget
	} else if c.appliedScope != scope {
		c.appliedScope, c.appliedBudget = scope, 0
	}
	if cached != nil && cached.PassBudget >= req.Budget() {
		c.mu.Unlock()
		c.notify(Update{RequestID: id, Scope: scope, Entry: cached, FromCache: true})
		return nil
	}

	delay := c.debounce
	if c.cooldown > 0 && key == c.lastKey {
		if rem := c.cooldown - c.now().Sub(c.lastAt); rem > delay {
			delay = rem
			c.collector.IncCounter(stats.MetricCooldownSkips, 1)
			c.log.Debug("cooldown holding dispatch",
				zap.String("request_id", id),
				zap.Duration("remaining", rem))
		}
	}

	if delay > 0 {
		c.timer = time.AfterFunc(delay, func() { c.fire(id) })
		c.mu.Unlock()
		c.notify(Update{RequestID: id, Scope: scope, Entry: cached, FromCache: cached != nil, Evaluating: true})
		return nil
	}
	c.mu.Unlock()
	c.notify(Update{RequestID: id, Scope: scope, Entry: cached, FromCache: cached != nil, Evaluating: true})
	go c.fire(id)
	return nil
}

// Close supersedes any outstanding work and stops the controller.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelFlight != nil {
		c.cancelFlight()
		c.cancelFlight = nil
	}
}

// fire dispatches the target identified by id, unless a newer target
// has superseded it while it waited.
func (c *Controller) fire(id string) {
	c.mu.Lock()
	if c.closed || id != c.currentID {
		c.mu.Unlock()
		return
	}
	req, key, scope := c.currentReq, c.currentKey, c.currentScope
	c.timer = nil
	c.lastKey, c.lastAt = key, c.now()
	dctx, cancel := context.WithCancel(context.Background())
	c.cancelFlight = cancel
	c.mu.Unlock()

	entry, fromCache, err := c.exec.Run(dctx, req, 0)
	cancel()

	c.mu.Lock()
	if c.closed || id != c.currentID {
		c.mu.Unlock()
		c.collector.IncCounter(stats.MetricStaleDrops, 1)
		c.log.Debug("dropped stale result", zap.String("request_id", id))
		return
	}
	c.cancelFlight = nil
	if err != nil {
		c.mu.Unlock()
		c.notify(Update{RequestID: id, Scope: scope, Err: err})
		return
	}
	if scope == c.appliedScope && entry.PassBudget < c.appliedBudget {
		// A cheaper answer than the one already shown; settle without
		// regressing the display.
		c.mu.Unlock()
		c.notify(Update{RequestID: id, Scope: scope})
		return
	}
	c.appliedScope, c.appliedBudget = scope, entry.PassBudget
	c.mu.Unlock()
	c.notify(Update{RequestID: id, Scope: scope, Entry: entry, FromCache: fromCache})
}

func (c *Controller) notify(u Update) {
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
}
