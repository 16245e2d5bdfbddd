// Package httpapi exposes an evaluation router over HTTP. The wire
// contract is the one internal/backend/remote speaks, so one evalhub
// instance can serve as another's remote backend.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/backend/remote"
	"github.com/discochess/evalhub/internal/fen"
	"github.com/discochess/evalhub/internal/router"
	"github.com/discochess/evalhub/internal/stats"
)

// maxBody caps an eval request body.
const maxBody = 1 << 20

// Evaluator runs one evaluation request. *router.Router satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, req backend.Request) (*backend.Response, error)
}

// Config describes the daemon surface.
type Config struct {
	// Evaluator serves POST /engine/eval. Required.
	Evaluator Evaluator

	// Metrics overrides the /metrics handler. Defaults to promhttp on
	// the global registry.
	Metrics http.Handler

	Logger *zap.Logger
	Stats  stats.Collector
}

type server struct {
	eval      Evaluator
	log       *zap.Logger
	collector stats.Collector
}

// New builds the daemon handler: POST /engine/eval, GET /healthz and
// GET /metrics behind request-id and access-log middleware.
func New(cfg Config) (http.Handler, error) {
	if cfg.Evaluator == nil {
		return nil, errors.New("httpapi: config missing Evaluator")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewNoop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}
	s := &server{
		eval:      cfg.Evaluator,
		log:       cfg.Logger.Named("httpapi"),
		collector: cfg.Stats,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/engine/eval", s.handleEval)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", cfg.Metrics)
	return RequestID(AccessLog(s.log, mux)), nil
}

func (s *server) handleEval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.collector.IncCounter(stats.MetricHTTPRequests, 1)

	var wire remote.EvalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&wire); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := remote.DecodeRequest(wire)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	normalized, err := fen.Normalize(req.FEN)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid FEN")
		return
	}
	req.FEN = normalized

	resp, err := s.eval.Evaluate(r.Context(), req)
	if err != nil {
		s.evalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, remote.EvalResponse{
		Lines:      resp.Lines,
		EngineName: resp.EngineName,
		Backend:    resp.BackendID,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

// evalError answers a failed evaluation. A caller that already hung up
// gets nothing.
func (s *server) evalError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}
	s.log.Warn("evaluation failed",
		zap.String("rid", GetRequestID(r.Context())),
		zap.Error(err))
	switch {
	case errors.Is(err, router.ErrExhausted), errors.Is(err, router.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "no backend available")
	default:
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *server) writeError(w http.ResponseWriter, code int, msg string) {
	s.collector.IncCounter(stats.MetricHTTPErrors, 1)
	s.writeJSON(w, code, remote.EvalError{Error: msg})
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response write failed", zap.Error(err))
	}
}
