package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/backend/remote"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/router"
)

const (
	startFEN    = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	startScoped = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -"
)

type fakeEvaluator struct {
	mu   sync.Mutex
	reqs []backend.Request
	resp *backend.Response
	err  error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		out := *f.resp
		return &out, nil
	}
	cp := 31
	return &backend.Response{
		Lines:      []backend.Line{{MultiPV: 1, CP: &cp, Depth: 12, PV: []string{"e2e4"}}},
		EngineName: "Fake 9",
		BackendID:  "worker-a",
	}, nil
}

func (f *fakeEvaluator) lastRequest() backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return backend.Request{}
	}
	return f.reqs[len(f.reqs)-1]
}

func newTestHandler(t *testing.T, eval Evaluator) http.Handler {
	t.Helper()
	h, err := New(Config{Evaluator: eval})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func postEval(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/engine/eval", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresEvaluator(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() error = nil, want missing Evaluator error")
	}
}

func TestEvalSuccess(t *testing.T) {
	eval := &fakeEvaluator{}
	h := newTestHandler(t, eval)

	depth := 14
	body, err := json.Marshal(remote.EvalRequest{
		FEN:         startFEN,
		MultiPV:     2,
		SearchMode:  "depth",
		TargetDepth: &depth,
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	rec := postEval(h, string(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusOK, rec.Body)
	}
	if rid := rec.Header().Get("X-Request-ID"); len(rid) != 8 {
		t.Errorf("X-Request-ID = %q, want 8 characters", rid)
	}

	var resp remote.EvalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.Backend != "worker-a" {
		t.Errorf("Backend = %q, want %q", resp.Backend, "worker-a")
	}
	if resp.EngineName != "Fake 9" {
		t.Errorf("EngineName = %q, want %q", resp.EngineName, "Fake 9")
	}
	if len(resp.Lines) != 1 {
		t.Fatalf("Lines length = %d, want 1", len(resp.Lines))
	}

	req := eval.lastRequest()
	if req.FEN != startScoped {
		t.Errorf("evaluator saw FEN %q, want normalized %q", req.FEN, startScoped)
	}
	if req.Mode != fingerprint.ModeDepth || req.Depth != 14 {
		t.Errorf("evaluator saw mode %v depth %d, want depth 14", req.Mode, req.Depth)
	}
	if req.MultiPV != 2 {
		t.Errorf("evaluator saw MultiPV = %d, want 2", req.MultiPV)
	}
}

func TestEvalBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "malformed body",
			body: `{`,
		},
		{
			name: "unknown search mode",
			body: `{"fen":"` + startFEN + `","multiPv":1,"searchMode":"nodes"}`,
		},
		{
			name: "depth mode without budget",
			body: `{"fen":"` + startFEN + `","multiPv":1,"searchMode":"depth"}`,
		},
		{
			name: "time mode without budget",
			body: `{"fen":"` + startFEN + `","multiPv":1,"searchMode":"time"}`,
		},
		{
			name: "invalid fen",
			body: `{"fen":"garbage","multiPv":1,"searchMode":"depth","targetDepth":12}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := &fakeEvaluator{}
			rec := postEval(newTestHandler(t, eval), tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			var fail remote.EvalError
			if err := json.Unmarshal(rec.Body.Bytes(), &fail); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if fail.Error == "" {
				t.Error("EvalError.Error is empty")
			}
			if got := len(eval.reqs); got != 0 {
				t.Errorf("evaluator calls = %d, want 0", got)
			}
		})
	}
}

func TestEvalMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, &fakeEvaluator{})
	req := httptest.NewRequest(http.MethodGet, "/engine/eval", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestEvalBackendDown(t *testing.T) {
	eval := &fakeEvaluator{err: router.ErrExhausted}
	depth := 12
	body, _ := json.Marshal(remote.EvalRequest{FEN: startFEN, MultiPV: 1, SearchMode: "depth", TargetDepth: &depth})
	rec := postEval(newTestHandler(t, eval), string(body))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var fail remote.EvalError
	if err := json.Unmarshal(rec.Body.Bytes(), &fail); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if fail.Error != "no backend available" {
		t.Errorf("EvalError.Error = %q, want %q", fail.Error, "no backend available")
	}
}

func TestEvalBackendFailure(t *testing.T) {
	eval := &fakeEvaluator{err: errors.New("engine crashed")}
	depth := 12
	body, _ := json.Marshal(remote.EvalRequest{FEN: startFEN, MultiPV: 1, SearchMode: "depth", TargetDepth: &depth})
	rec := postEval(newTestHandler(t, eval), string(body))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "engine crashed") {
		t.Errorf("body = %s, want the backend error text", rec.Body)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, &fakeEvaluator{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMetricsMounted(t *testing.T) {
	h := newTestHandler(t, &fakeEvaluator{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

// TestRoundTripWithRemoteClient drives the handler through the remote
// backend client, pinning the two sides of the wire contract together.
func TestRoundTripWithRemoteClient(t *testing.T) {
	eval := &fakeEvaluator{}
	srv := httptest.NewServer(newTestHandler(t, eval))
	defer srv.Close()

	client, err := remote.New(remote.Config{ID: "upstream", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("remote.New() error = %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := client.Evaluate(ctx, backend.Request{
		FEN:     startScoped,
		MultiPV: 1,
		Mode:    fingerprint.ModeDepth,
		Depth:   12,
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if resp.BackendID != "upstream" {
		t.Errorf("BackendID = %q, want %q", resp.BackendID, "upstream")
	}
	if resp.EngineName != "Fake 9" {
		t.Errorf("EngineName = %q, want %q", resp.EngineName, "Fake 9")
	}
	if len(resp.Lines) != 1 || resp.Lines[0].CP == nil || *resp.Lines[0].CP != 31 {
		t.Errorf("Lines = %+v, want one line at 31cp", resp.Lines)
	}
	if got := eval.lastRequest().Depth; got != 12 {
		t.Errorf("evaluator saw depth = %d, want 12", got)
	}
}
