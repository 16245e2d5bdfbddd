// Package remote implements an evaluation backend that forwards
// requests to another evaluation service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/stats"
)

const (
	// DefaultTimeout bounds one evaluation round trip.
	DefaultTimeout = 30 * time.Second

	evalPath   = "/engine/eval"
	healthPath = "/healthz"

	// maxErrorBody caps how much of a failure response is read back.
	maxErrorBody = 8 * 1024
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("remote: backend closed")

// Config describes one remote evaluation backend.
type Config struct {
	// ID is the backend identifier, e.g. "remote".
	ID string

	// BaseURL locates the remote service, e.g. "http://eval-farm:8080".
	BaseURL string

	// Client overrides the default HTTP client.
	Client *http.Client

	// Timeout bounds each evaluation request.
	Timeout time.Duration

	// SkipProbe starts the backend without the health check. The probe
	// is how a misconfigured remote is caught early enough to fall back
	// to an in-process worker.
	SkipProbe bool

	Logger *zap.Logger
	Stats  stats.Collector
}

// Client forwards evaluation requests to a remote service.
type Client struct {
	id      string
	baseURL string
	http    *http.Client
	timeout time.Duration
	probe   bool
	log     *zap.Logger
	stats   stats.Collector

	mu         sync.Mutex
	status     backend.Status
	engineName string

	closed atomic.Bool
}

// Compile-time check that Client implements backend.Backend.
var _ backend.Backend = (*Client)(nil)

// New creates a remote backend. No network traffic happens until Start.
func New(cfg Config) (*Client, error) {
	if cfg.ID == "" {
		return nil, errors.New("remote: config missing ID")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: config missing BaseURL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewNoop()
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		id:      cfg.ID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		timeout: cfg.Timeout,
		probe:   !cfg.SkipProbe,
		log:     cfg.Logger.Named("remote"),
		stats:   cfg.Stats,
		status:  backend.StatusIdle,
	}, nil
}

// ID returns the backend identifier.
func (c *Client) ID() string { return c.id }

// Status reports the lifecycle state.
func (c *Client) Status() backend.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// EngineName returns the engine identity last reported by the remote
// service, empty until the first successful evaluation.
func (c *Client) EngineName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engineName
}

// Start probes the remote service. A failed probe is fatal so the
// router can fall back to an in-process worker immediately.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.status != backend.StatusIdle {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("remote: start from status %s", status)
	}
	c.status = backend.StatusInitializing
	c.mu.Unlock()

	if c.probe {
		if err := c.healthCheck(ctx); err != nil {
			c.setStatus(backend.StatusError)
			return backend.Fatal(c.id, fmt.Errorf("probe %s: %w", c.baseURL, err))
		}
	}

	c.setStatus(backend.StatusReady)
	c.log.Info("remote backend ready", zap.String("backend", c.id), zap.String("url", c.baseURL))
	return nil
}

func (c *Client) healthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Evaluate posts the request and decodes the ranked lines. Cancelling
// ctx aborts the HTTP request so a superseded evaluation frees its
// connection immediately.
func (c *Client) Evaluate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if status := c.Status(); status != backend.StatusReady {
		return nil, &backend.TransportError{Op: "eval", Err: fmt.Errorf("backend status %s", status)}
	}

	body, err := json.Marshal(EncodeRequest(req))
	if err != nil {
		return nil, &backend.TransportError{Op: "encode", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+evalPath, bytes.NewReader(body))
	if err != nil {
		return nil, &backend.TransportError{Op: "eval", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, &backend.TransportError{Op: "eval", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.decodeFailure(resp)
	}

	var payload EvalResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, &backend.ProtocolError{Line: "eval response", Err: err}
	}
	return c.buildResponse(payload), nil
}

// decodeFailure maps a non-2xx reply to a recoverable transport error
// carrying the service's own error text when it sent any.
func (c *Client) decodeFailure(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload EvalError
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return &backend.TransportError{
			Op:  "eval",
			Err: fmt.Errorf("remote returned %d: %s", resp.StatusCode, payload.Error),
		}
	}
	return &backend.TransportError{
		Op:  "eval",
		Err: fmt.Errorf("remote returned %d", resp.StatusCode),
	}
}

func (c *Client) buildResponse(payload EvalResponse) *backend.Response {
	lines := append([]backend.Line(nil), payload.Lines...)
	backend.SortLines(lines)

	if payload.EngineName != "" {
		c.mu.Lock()
		c.engineName = payload.EngineName
		c.mu.Unlock()
	}
	return &backend.Response{
		Lines:      lines,
		EngineName: payload.EngineName,
		BackendID:  c.id,
	}
}

func (c *Client) setStatus(to backend.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !backend.CanTransition(c.status, to) {
		c.log.Warn("rejected status transition",
			zap.String("backend", c.id),
			zap.Stringer("from", c.status),
			zap.Stringer("to", to),
		)
		return
	}
	c.status = to
}

// Close releases idle connections. Close is idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.http.CloseIdleConnections()
	return nil
}
