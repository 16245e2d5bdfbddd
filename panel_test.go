package evalhub

import (
	"errors"
	"testing"
	"time"

	"github.com/discochess/evalhub/internal/backend"
)

func newTestPanel(t *testing.T, fake *fakeBackend) *Panel {
	t.Helper()
	svc := newTestService(t, fake)
	p, err := svc.NewPanel()
	if err != nil {
		t.Fatalf("NewPanel() error = %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestPanel_SetPositionApplies(t *testing.T) {
	fake := newFakeBackend("worker-a")
	p := newTestPanel(t, fake)

	if err := p.SetPosition(startFEN); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	eventually(t, func() bool {
		s := p.Snapshot()
		return !s.Evaluating && len(s.Lines) > 0
	}, "panel never applied a result")

	snap := p.Snapshot()
	if snap.FEN != startFEN {
		t.Errorf("Snapshot().FEN = %q, want %q", snap.FEN, startFEN)
	}
	if snap.Profile != "standard" {
		t.Errorf("Snapshot().Profile = %q, want %q", snap.Profile, "standard")
	}
	if got := snap.Score(); got != "+0.42" {
		t.Errorf("Snapshot().Score() = %q, want %q", got, "+0.42")
	}
	if snap.EngineName != "Fake 9" {
		t.Errorf("Snapshot().EngineName = %q, want %q", snap.EngineName, "Fake 9")
	}
	if snap.BackendID != "worker-a" {
		t.Errorf("Snapshot().BackendID = %q, want %q", snap.BackendID, "worker-a")
	}
	if snap.PassBudget != 16 {
		t.Errorf("Snapshot().PassBudget = %d, want 16", snap.PassBudget)
	}
	req := fake.lastRequest()
	if req.Depth != 16 || req.MultiPV != 1 {
		t.Errorf("backend saw depth %d multipv %d, want 16 and 1", req.Depth, req.MultiPV)
	}
}

func TestPanel_SnapshotIsWhitePOV(t *testing.T) {
	fake := newFakeBackend("worker-a")
	cp := -35
	fake.setResp(&backend.Response{
		Lines:      []backend.Line{{MultiPV: 1, CP: &cp, Depth: 16, PV: []string{"g8f6"}}},
		EngineName: "Fake 9",
		BackendID:  "worker-a",
	})
	p := newTestPanel(t, fake)

	if err := p.SetPosition(e4FEN); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	eventually(t, func() bool {
		s := p.Snapshot()
		return !s.Evaluating && len(s.Lines) > 0
	}, "panel never applied a result")

	// Black to move and the engine says -0.35 for the side to move, so
	// White is ahead.
	if got := p.Snapshot().Score(); got != "+0.35" {
		t.Errorf("Snapshot().Score() = %q, want %q", got, "+0.35")
	}
}

func TestPanel_MultiPVClamped(t *testing.T) {
	fake := newFakeBackend("worker-a")
	p := newTestPanel(t, fake)

	if err := p.SetMultiPV(7); err != nil {
		t.Fatalf("SetMultiPV(7) error = %v", err)
	}
	if err := p.SetPosition(startFEN); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	eventually(t, func() bool {
		return fake.callCount() == 1 && !p.Snapshot().Evaluating
	}, "first target never applied")
	if got := fake.lastRequest().MultiPV; got != PanelMaxLines {
		t.Errorf("backend saw MultiPV = %d, want %d", got, PanelMaxLines)
	}

	if err := p.SetMultiPV(0); err != nil {
		t.Fatalf("SetMultiPV(0) error = %v", err)
	}
	eventually(t, func() bool {
		return fake.callCount() == 2 && !p.Snapshot().Evaluating
	}, "clamped target never applied")
	if got := fake.lastRequest().MultiPV; got != 1 {
		t.Errorf("backend saw MultiPV = %d, want 1", got)
	}
}

func TestPanel_SettingsBeforePositionRecordOnly(t *testing.T) {
	fake := newFakeBackend("worker-a")
	p := newTestPanel(t, fake)

	if err := p.SetProfile("deep"); err != nil {
		t.Fatalf("SetProfile() error = %v", err)
	}
	if err := p.SetMultiPV(2); err != nil {
		t.Fatalf("SetMultiPV() error = %v", err)
	}
	if err := p.SetDepthIndex(3); err != nil {
		t.Fatalf("SetDepthIndex() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := fake.callCount(); got != 0 {
		t.Fatalf("backend calls before SetPosition = %d, want 0", got)
	}

	if err := p.SetPosition(startFEN); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	eventually(t, func() bool {
		s := p.Snapshot()
		return fake.callCount() == 1 && !s.Evaluating && len(s.Lines) > 0
	}, "recorded settings never dispatched")

	req := fake.lastRequest()
	if req.ProfileID != "deep" {
		t.Errorf("backend saw profile %q, want %q", req.ProfileID, "deep")
	}
	if req.MultiPV != 2 {
		t.Errorf("backend saw MultiPV = %d, want 2", req.MultiPV)
	}
	if req.Depth != 28 {
		t.Errorf("backend saw depth = %d, want 28", req.Depth)
	}
	if req.Hints.Threads != 4 {
		t.Errorf("backend saw Threads hint = %d, want 4", req.Hints.Threads)
	}
	if got := p.Snapshot().Profile; got != "deep" {
		t.Errorf("Snapshot().Profile = %q, want %q", got, "deep")
	}
}

func TestPanel_DeeperResultServesShallowerTarget(t *testing.T) {
	fake := newFakeBackend("worker-a")
	p := newTestPanel(t, fake)

	if err := p.SetPosition(startFEN); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	eventually(t, func() bool {
		s := p.Snapshot()
		return !s.Evaluating && s.PassBudget == 16
	}, "depth 16 target never applied")

	// Depth 12 is already covered by the depth 16 entry.
	if err := p.SetDepthIndex(0); err != nil {
		t.Fatalf("SetDepthIndex(0) error = %v", err)
	}
	snap := p.Snapshot()
	if !snap.FromCache {
		t.Errorf("Snapshot().FromCache = false, want true")
	}
	if snap.PassBudget != 16 {
		t.Errorf("Snapshot().PassBudget = %d, want 16", snap.PassBudget)
	}
	if got := fake.callCount(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}

	// Depth 20 is not covered and has to dispatch.
	if err := p.SetDepthIndex(2); err != nil {
		t.Fatalf("SetDepthIndex(2) error = %v", err)
	}
	eventually(t, func() bool {
		s := p.Snapshot()
		return fake.callCount() == 2 && !s.Evaluating && s.PassBudget == 20
	}, "depth 20 target never applied")
	if got := fake.lastRequest().Depth; got != 20 {
		t.Errorf("backend saw depth = %d, want 20", got)
	}
}

func TestPanel_ErrorSurfacesInLastError(t *testing.T) {
	fake := newFakeBackend("worker-a")
	fake.setErr(errors.New("engine wedged"))
	p := newTestPanel(t, fake)

	if err := p.SetPosition(startFEN); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	eventually(t, func() bool {
		s := p.Snapshot()
		return !s.Evaluating && s.LastError != nil
	}, "dispatch error never surfaced")
	if got := len(p.Snapshot().Lines); got != 0 {
		t.Errorf("Snapshot().Lines length = %d, want 0", got)
	}

	fake.setErr(nil)
	if err := p.SetPosition(e4FEN); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	eventually(t, func() bool {
		s := p.Snapshot()
		return !s.Evaluating && len(s.Lines) > 0 && s.LastError == nil
	}, "recovery never cleared LastError")
}

func TestPanel_AfterClose(t *testing.T) {
	fake := newFakeBackend("worker-a")
	svc := newTestService(t, fake)
	p, err := svc.NewPanel()
	if err != nil {
		t.Fatalf("NewPanel() error = %v", err)
	}
	p.Close()
	if err := p.SetPosition(startFEN); !errors.Is(err, ErrClosed) {
		t.Errorf("SetPosition() after Close error = %v, want ErrClosed", err)
	}

	svc.Close()
	if _, err := svc.NewPanel(); !errors.Is(err, ErrClosed) {
		t.Errorf("NewPanel() after service Close error = %v, want ErrClosed", err)
	}
}
