package remote

import (
	"errors"
	"fmt"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/fingerprint"
)

// The JSON shapes exchanged with an evaluation service. The HTTP server
// side uses the same types, so client and daemon cannot drift apart.

// EvalRequest is the body of POST /engine/eval.
type EvalRequest struct {
	FEN         string `json:"fen"`
	ProfileID   string `json:"profileId,omitempty"`
	MultiPV     int    `json:"multiPv"`
	SearchMode  string `json:"searchMode"`
	TargetDepth *int   `json:"targetDepth,omitempty"`
	MovetimeMs  *int   `json:"movetimeMs,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
}

// EvalResponse is the success body: ranked lines plus the identity of
// whatever produced them.
type EvalResponse struct {
	Lines      []backend.Line `json:"lines"`
	EngineName string         `json:"engineName,omitempty"`
	Backend    string         `json:"backend,omitempty"`
}

// EvalError is the non-2xx body.
type EvalError struct {
	Error string `json:"error"`
}

// DecodeRequest converts a wire request back to a backend request,
// rejecting bodies that name an unknown mode or omit its budget.
func DecodeRequest(wire EvalRequest) (backend.Request, error) {
	req := backend.Request{
		FEN:       wire.FEN,
		ProfileID: wire.ProfileID,
		MultiPV:   wire.MultiPV,
		RequestID: wire.RequestID,
	}
	if req.MultiPV < 1 {
		req.MultiPV = 1
	}
	switch fingerprint.Mode(wire.SearchMode) {
	case fingerprint.ModeTime:
		if wire.MovetimeMs == nil || *wire.MovetimeMs <= 0 {
			return backend.Request{}, errors.New("time mode needs a positive movetimeMs")
		}
		req.Mode = fingerprint.ModeTime
		req.MovetimeMs = *wire.MovetimeMs
	case fingerprint.ModeDepth:
		if wire.TargetDepth == nil || *wire.TargetDepth <= 0 {
			return backend.Request{}, errors.New("depth mode needs a positive targetDepth")
		}
		req.Mode = fingerprint.ModeDepth
		req.Depth = *wire.TargetDepth
	default:
		return backend.Request{}, fmt.Errorf("unknown search mode %q", wire.SearchMode)
	}
	return req, nil
}

// EncodeRequest converts a backend request to its wire form.
func EncodeRequest(req backend.Request) EvalRequest {
	wire := EvalRequest{
		FEN:        req.FEN,
		ProfileID:  req.ProfileID,
		MultiPV:    req.MultiPV,
		SearchMode: string(req.Mode),
		RequestID:  req.RequestID,
	}
	switch req.Mode {
	case fingerprint.ModeTime:
		ms := req.MovetimeMs
		wire.MovetimeMs = &ms
	default:
		depth := req.Depth
		wire.TargetDepth = &depth
	}
	return wire
}
