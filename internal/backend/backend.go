// Package backend defines the evaluation backend contract shared by the
// in-process engine hosts and the remote HTTP client, plus the error
// taxonomy the router uses to decide between retry and failover.
package backend

import (
	"context"
	"sort"

	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/profile"
)

// Status describes a backend's lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusInitializing
	StatusReady
	StatusError
)

// String returns the lowercase state name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInitializing:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from one status to another is
// legal. Error is absorbing at the backend level; recovery happens by
// the router starting the next backend, not by reviving this one.
func CanTransition(from, to Status) bool {
	if to == StatusError {
		return from != StatusError
	}
	switch from {
	case StatusIdle:
		return to == StatusInitializing
	case StatusInitializing:
		return to == StatusReady
	default:
		return false
	}
}

// Request is one dispatch to a backend, already resolved from profile
// defaults to concrete search knobs.
type Request struct {
	// FEN is the normalized position.
	FEN       string
	ProfileID string
	MultiPV   int

	Mode       fingerprint.Mode
	Depth      int // target depth, ModeDepth only
	MovetimeMs int // search duration, ModeTime only

	// RequestID correlates responses back to the originating consumer
	// generation. Backends echo it; they never interpret it.
	RequestID string

	Hints profile.ResourceHints
}

// Budget returns the scalar budget in the request's denomination.
func (r Request) Budget() int {
	if r.Mode == fingerprint.ModeTime {
		return r.MovetimeMs
	}
	return r.Depth
}

// Key derives the in-flight dedup fingerprint for the request.
func (r Request) Key() (fingerprint.Key, error) {
	return fingerprint.Compute(r.FEN, r.ProfileID, r.MultiPV, r.Mode, r.Budget())
}

// Scope derives the budget-less cache scope for the request.
func (r Request) Scope() (fingerprint.Scope, error) {
	return fingerprint.ComputeScope(r.FEN, r.ProfileID, r.MultiPV, r.Mode)
}

// Line is one ranked principal variation. CP and Mate are mutually
// exclusive; Mate wins if a backend ever reports both.
type Line struct {
	MultiPV int      `json:"multipv"`
	CP      *int     `json:"cp,omitempty"`
	Mate    *int     `json:"mate,omitempty"`
	Depth   int      `json:"depth"`
	PV      []string `json:"pv"`
}

// Scored reports whether the line carries an exact score.
func (l Line) Scored() bool {
	return l.Mate != nil || l.CP != nil
}

// Response is a completed evaluation from one backend.
type Response struct {
	Lines      []Line `json:"lines"`
	EngineName string `json:"engineName,omitempty"`
	BackendID  string `json:"backend"`
}

// SortLines orders lines by MultiPV rank ascending.
func SortLines(lines []Line) {
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].MultiPV < lines[j].MultiPV
	})
}

// Meaningful reports whether the response carries at least one exactly
// scored line. Placeholder or empty results are displayable but are not
// worth a durable cache slot.
func (r *Response) Meaningful() bool {
	if r == nil {
		return false
	}
	for _, l := range r.Lines {
		if l.Scored() {
			return true
		}
	}
	return false
}

// Best returns the rank-1 line, or nil when the response is empty.
func (r *Response) Best() *Line {
	if r == nil {
		return nil
	}
	for i := range r.Lines {
		if r.Lines[i].MultiPV == 1 {
			return &r.Lines[i]
		}
	}
	if len(r.Lines) > 0 {
		return &r.Lines[0]
	}
	return nil
}

// Backend is an evaluation provider. Implementations serialize their
// searches internally; callers may invoke Evaluate concurrently.
type Backend interface {
	// ID returns the stable backend identifier used in fallback order
	// and surfaced to consumers.
	ID() string

	// Start brings the backend to Ready, blocking until its handshake
	// completes or ctx expires.
	Start(ctx context.Context) error

	// Status reports the lifecycle state.
	Status() Status

	// EngineName returns the resolved engine identity, empty until the
	// handshake has revealed it.
	EngineName() string

	// Evaluate runs one search to completion. Cancelling ctx stops the
	// search cooperatively; the backend stays usable afterwards.
	Evaluate(ctx context.Context, req Request) (*Response, error)

	// Close tears the backend down and releases its process or
	// connection. Close is idempotent.
	Close() error
}
