package evalhub

import (
	"sync"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/coordinator"
	"github.com/discochess/evalhub/internal/fingerprint"
)

// MiniMovetimeMs is the fixed search budget for a mini bar. One quick
// time-bound pass keeps the bar responsive while hovering through a
// game.
const MiniMovetimeMs = 250

// Mini drives a compact single-line eval bar. A hidden bar never
// dispatches; the position set while hidden is picked up when the bar
// becomes visible again. Snapshot scores are from White's perspective.
type Mini struct {
	svc  *Service
	ctrl *coordinator.Controller

	mu        sync.Mutex
	fen       string
	profileID string
	visible   bool
	onUpdate  func(Snapshot)
	snap      Snapshot
}

// NewMini creates a visible mini bar on the fast profile.
func (s *Service) NewMini() (*Mini, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	m := &Mini{
		svc:       s,
		profileID: s.profiles.Get("fast").ID,
		visible:   true,
	}
	ctrl, err := coordinator.NewController(coordinator.ControllerConfig{
		Exec:     s.exec,
		Debounce: s.debounce,
		Cooldown: s.cooldown,
		OnUpdate: m.handle,
		Logger:   s.logger,
		Stats:    s.stats,
	})
	if err != nil {
		return nil, err
	}
	m.ctrl = ctrl
	return m, nil
}

// OnUpdate registers the callback that receives every snapshot change.
// The callback runs on the bar's dispatch goroutine and must not
// block.
func (m *Mini) OnUpdate(fn func(Snapshot)) {
	m.mu.Lock()
	m.onUpdate = fn
	m.mu.Unlock()
}

// SetPosition makes fenStr the bar's position. Hidden bars record it
// without dispatching.
func (m *Mini) SetPosition(fenStr string) error {
	m.mu.Lock()
	m.fen = fenStr
	visible := m.visible
	req := m.targetLocked()
	m.mu.Unlock()
	if !visible {
		return nil
	}
	return m.svc.mapErr(m.ctrl.SetTarget(req))
}

// SetVisible shows or hides the bar. Becoming visible retargets the
// recorded position.
func (m *Mini) SetVisible(v bool) error {
	m.mu.Lock()
	was := m.visible
	m.visible = v
	req := m.targetLocked()
	m.mu.Unlock()
	if !v || was || req.FEN == "" {
		return nil
	}
	return m.svc.mapErr(m.ctrl.SetTarget(req))
}

// Snapshot returns the bar's current display state.
func (m *Mini) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Close drops any outstanding work and detaches the bar.
func (m *Mini) Close() {
	m.ctrl.Close()
}

func (m *Mini) targetLocked() backend.Request {
	prof := m.svc.profiles.Get(m.profileID)
	return backend.Request{
		FEN:        m.fen,
		ProfileID:  prof.ID,
		MultiPV:    1,
		Mode:       fingerprint.ModeTime,
		MovetimeMs: MiniMovetimeMs,
		Hints:      prof.Hints,
	}
}

func (m *Mini) handle(u coordinator.Update) {
	m.mu.Lock()
	snap := m.snap
	snap.FEN = m.fen
	snap.Profile = m.profileID
	snap.Evaluating = u.Evaluating
	switch {
	case u.Err != nil:
		snap.LastError = u.Err
	case u.Entry != nil:
		snap.LastError = nil
		snap.Lines = whitePOV(m.fen, capLines(linesFromResponse(&u.Entry.Result), 1))
		snap.EngineName = u.Entry.Result.EngineName
		if snap.EngineName == "" {
			snap.EngineName = m.svc.EngineName()
		}
		snap.BackendID = u.Entry.Result.BackendID
		snap.PassBudget = u.Entry.PassBudget
		snap.FromCache = u.FromCache
	}
	m.snap = snap
	cb := m.onUpdate
	m.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}
