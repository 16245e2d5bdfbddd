package evalhub

import (
	"sync"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/coordinator"
	"github.com/discochess/evalhub/internal/fingerprint"
)

// PanelMaxLines caps how many ranked lines a panel shows.
const PanelMaxLines = 3

// Panel drives a full analysis view: selectable profile, up to
// PanelMaxLines ranked lines, and a target depth picked by ladder
// index. Every setter makes the new combination the panel's current
// target; superseded work is dropped, never shown. Snapshot scores
// are from White's perspective.
//
// A Panel is safe for concurrent use. Close it when the view goes
// away; closing the service does not close its panels.
type Panel struct {
	svc  *Service
	ctrl *coordinator.Controller

	mu         sync.Mutex
	fen        string
	profileID  string
	multiPV    int
	depthIndex int
	onUpdate   func(Snapshot)
	snap       Snapshot
}

// NewPanel creates an analysis panel on the default profile. The panel
// stays idle until SetPosition.
func (s *Service) NewPanel() (*Panel, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	prof := s.profiles.Get("")
	p := &Panel{
		svc:        s,
		profileID:  prof.ID,
		multiPV:    clampMultiPV(prof.DefaultMultiPV),
		depthIndex: prof.DefaultDepthIndex,
	}
	ctrl, err := coordinator.NewController(coordinator.ControllerConfig{
		Exec:     s.exec,
		Debounce: s.debounce,
		Cooldown: s.cooldown,
		OnUpdate: p.handle,
		Logger:   s.logger,
		Stats:    s.stats,
	})
	if err != nil {
		return nil, err
	}
	p.ctrl = ctrl
	return p, nil
}

// OnUpdate registers the callback that receives every snapshot change.
// The callback runs on the panel's dispatch goroutine and must not
// block.
func (p *Panel) OnUpdate(fn func(Snapshot)) {
	p.mu.Lock()
	p.onUpdate = fn
	p.mu.Unlock()
}

// SetPosition makes fenStr the panel's position.
func (p *Panel) SetPosition(fenStr string) error {
	p.mu.Lock()
	p.fen = fenStr
	req := p.targetLocked()
	p.mu.Unlock()
	return p.retarget(req)
}

// SetProfile switches the quality tier. Unknown ids resolve to the
// default profile. The depth selection carries over and is clamped to
// the new profile's ladder.
func (p *Panel) SetProfile(id string) error {
	p.mu.Lock()
	p.profileID = p.svc.profiles.Get(id).ID
	req := p.targetLocked()
	p.mu.Unlock()
	return p.retarget(req)
}

// SetMultiPV asks for n ranked lines, clamped to 1..PanelMaxLines.
func (p *Panel) SetMultiPV(n int) error {
	p.mu.Lock()
	p.multiPV = clampMultiPV(n)
	req := p.targetLocked()
	p.mu.Unlock()
	return p.retarget(req)
}

// SetDepthIndex selects the target depth by position in the profile's
// ladder. Out-of-range indexes clamp to the ladder bounds.
func (p *Panel) SetDepthIndex(i int) error {
	p.mu.Lock()
	p.depthIndex = i
	req := p.targetLocked()
	p.mu.Unlock()
	return p.retarget(req)
}

// Snapshot returns the panel's current display state.
func (p *Panel) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Close drops any outstanding work and detaches the panel.
func (p *Panel) Close() {
	p.ctrl.Close()
}

func (p *Panel) targetLocked() backend.Request {
	prof := p.svc.profiles.Get(p.profileID)
	return backend.Request{
		FEN:       p.fen,
		ProfileID: prof.ID,
		MultiPV:   p.multiPV,
		Mode:      fingerprint.ModeDepth,
		Depth:     prof.Depth(p.depthIndex),
		Hints:     prof.Hints,
	}
}

// retarget hands the request to the controller. Setting changes before
// the first SetPosition only record state.
func (p *Panel) retarget(req backend.Request) error {
	if req.FEN == "" {
		return nil
	}
	return p.svc.mapErr(p.ctrl.SetTarget(req))
}

func (p *Panel) handle(u coordinator.Update) {
	p.mu.Lock()
	snap := p.snap
	snap.FEN = p.fen
	snap.Profile = p.profileID
	snap.Evaluating = u.Evaluating
	switch {
	case u.Err != nil:
		snap.LastError = u.Err
	case u.Entry != nil:
		snap.LastError = nil
		snap.Lines = whitePOV(p.fen, capLines(linesFromResponse(&u.Entry.Result), PanelMaxLines))
		snap.EngineName = u.Entry.Result.EngineName
		if snap.EngineName == "" {
			snap.EngineName = p.svc.EngineName()
		}
		snap.BackendID = u.Entry.Result.BackendID
		snap.PassBudget = u.Entry.PassBudget
		snap.FromCache = u.FromCache
	}
	p.snap = snap
	cb := p.onUpdate
	p.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

func clampMultiPV(n int) int {
	if n < 1 {
		return 1
	}
	if n > PanelMaxLines {
		return PanelMaxLines
	}
	return n
}
