package evalhub

import (
	"strconv"
	"time"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/cache"
	"github.com/discochess/evalhub/internal/fen"
)

// Result is one evaluation outcome. Scores are from the side to move's
// perspective, the way engines report them; display layers that want a
// fixed White perspective flip them (see Snapshot).
type Result struct {
	// FEN is the evaluated position as given by the caller.
	FEN string

	// Profile is the resolved profile id the evaluation ran under.
	Profile string

	// Lines holds the ranked variations, best first.
	Lines []Line

	// EngineName identifies the engine that produced the result, when
	// known.
	EngineName string

	// BackendID names the backend that served the result.
	BackendID string

	// PassBudget is the depth or movetime the result was computed at.
	PassBudget int

	// FromCache reports whether the result was served without a
	// dispatch.
	FromCache bool

	// ComputedAt is when the result was produced.
	ComputedAt time.Time
}

// Line is one principal variation.
type Line struct {
	// Rank orders the variations; 1 is the engine's best line.
	Rank int

	// Centipawns is the score in centipawns. Nil when the line ends in
	// a forced mate.
	Centipawns *int

	// Mate is the number of moves until checkmate, negative when the
	// opponent delivers it. Nil without a forced mate.
	Mate *int

	// Depth is the search depth the line was reported at.
	Depth int

	// Moves is the variation in UCI notation.
	Moves []string
}

// Best returns the rank-1 line, or nil if the result has no lines.
func (r *Result) Best() *Line {
	for i := range r.Lines {
		if r.Lines[i].Rank == 1 {
			return &r.Lines[i]
		}
	}
	if len(r.Lines) > 0 {
		return &r.Lines[0]
	}
	return nil
}

// BestMove returns the first move of the best line, or "" when none is
// available.
func (r *Result) BestMove() string {
	if l := r.Best(); l != nil && len(l.Moves) > 0 {
		return l.Moves[0]
	}
	return ""
}

// Score returns a human-readable score for the best line.
// Examples: "+1.25", "-0.50", "#3", "#-5"
func (r *Result) Score() string {
	l := r.Best()
	if l == nil {
		return "?"
	}
	return l.Score()
}

// IsMate returns true if the best line is a forced checkmate.
func (r *Result) IsMate() bool {
	if l := r.Best(); l != nil {
		return l.Mate != nil
	}
	return false
}

// Score returns a human-readable score string.
// Examples: "+1.25", "-0.50", "#3", "#-5"
func (l *Line) Score() string {
	if l.Mate != nil {
		return "#" + strconv.Itoa(*l.Mate)
	}
	if l.Centipawns == nil {
		return "?"
	}
	cp := *l.Centipawns
	sign := "+"
	if cp < 0 {
		sign = "-"
		cp = -cp
	}
	whole := cp / 100
	frac := cp % 100
	if frac < 10 {
		return sign + strconv.Itoa(whole) + ".0" + strconv.Itoa(frac)
	}
	return sign + strconv.Itoa(whole) + "." + strconv.Itoa(frac)
}

// IsMate returns true if this line is a forced checkmate.
func (l *Line) IsMate() bool {
	return l.Mate != nil
}

// Snapshot is a display-ready view held by a Panel or Mini. Unlike
// Result, snapshot scores are normalized to White's perspective so an
// eval bar reads the same whichever side is to move.
type Snapshot struct {
	FEN        string
	Profile    string
	Lines      []Line
	Evaluating bool
	EngineName string
	BackendID  string
	PassBudget int
	FromCache  bool
	LastError  error
}

// Score returns the human-readable score of the snapshot's best line.
func (s Snapshot) Score() string {
	for i := range s.Lines {
		if s.Lines[i].Rank == 1 {
			return s.Lines[i].Score()
		}
	}
	if len(s.Lines) > 0 {
		return s.Lines[0].Score()
	}
	return "?"
}

func resultFromEntry(fenStr, profileID string, e *cache.Entry, fromCache bool) *Result {
	return &Result{
		FEN:        fenStr,
		Profile:    profileID,
		Lines:      linesFromResponse(&e.Result),
		EngineName: e.Result.EngineName,
		BackendID:  e.Result.BackendID,
		PassBudget: e.PassBudget,
		FromCache:  fromCache,
		ComputedAt: e.WrittenAt(),
	}
}

// linesFromResponse deep-copies the wire lines so callers can mutate
// scores without touching the cached entry.
func linesFromResponse(resp *backend.Response) []Line {
	lines := make([]Line, len(resp.Lines))
	for i, l := range resp.Lines {
		lines[i] = Line{
			Rank:  l.MultiPV,
			Depth: l.Depth,
			Moves: append([]string(nil), l.PV...),
		}
		if l.CP != nil {
			cp := *l.CP
			lines[i].Centipawns = &cp
		}
		if l.Mate != nil {
			m := *l.Mate
			lines[i].Mate = &m
		}
	}
	return lines
}

// whitePOV flips side-to-move scores so positive always favors White.
// Lines must be caller-owned copies.
func whitePOV(fenStr string, lines []Line) []Line {
	black, err := fen.BlackToMove(fenStr)
	if err != nil || !black {
		return lines
	}
	for i := range lines {
		if lines[i].Centipawns != nil {
			*lines[i].Centipawns = -*lines[i].Centipawns
		}
		if lines[i].Mate != nil {
			*lines[i].Mate = -*lines[i].Mate
		}
	}
	return lines
}

func capLines(lines []Line, n int) []Line {
	if len(lines) > n {
		return lines[:n]
	}
	return lines
}
