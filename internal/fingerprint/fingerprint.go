// Package fingerprint derives cache keys for evaluation requests.
//
// Two requests with equal keys are interchangeable: they may share an
// in-flight dispatch and a cache slot. The key encodes everything that
// changes the meaning of a result, and nothing that does not.
package fingerprint

import (
	"fmt"
	"strings"

	"github.com/discochess/evalhub/internal/fen"
)

// Mode expresses how an evaluation budget is denominated.
type Mode string

const (
	// ModeDepth budgets a search by target depth in plies.
	ModeDepth Mode = "depth"
	// ModeTime budgets a search by movetime in milliseconds.
	ModeTime Mode = "time"
)

// Key identifies one (position, profile, line count, budget) target.
type Key string

// Scope identifies the cache slot shared by every budget of one
// denomination for a position. Results of different budgets under the
// same scope compete for a single entry, deepest pass winning.
type Scope string

// Compute derives the key for a request. The FEN is normalized first so
// positions differing only in move counters share a key. Mode and budget
// are both encoded: a depth-18 result and a 250ms result for the same
// position never collide.
func Compute(fenStr, profileID string, multiPV int, mode Mode, budget int) (Key, error) {
	scope, err := ComputeScope(fenStr, profileID, multiPV, mode)
	if err != nil {
		return "", err
	}
	return Key(fmt.Sprintf("%s=%d", scope, budget)), nil
}

// ComputeScope derives the budget-less storage scope for a request.
func ComputeScope(fenStr, profileID string, multiPV int, mode Mode) (Scope, error) {
	normalized, err := fen.Normalize(fenStr)
	if err != nil {
		return "", err
	}
	if multiPV < 1 {
		multiPV = 1
	}
	return Scope(fmt.Sprintf("%s|%s|mpv%d|%s", normalized, profileID, multiPV, mode)), nil
}

// Scope strips the budget suffix, yielding the key's storage scope.
func (k Key) Scope() Scope {
	s := string(k)
	if i := strings.LastIndexByte(s, '='); i >= 0 {
		return Scope(s[:i])
	}
	return Scope(s)
}

// Hash returns the FNV-1a 64-bit hash of the key in fixed-width hex,
// used for filesystem-safe durable entry names. The full key is stored
// inside each entry and verified on read, so a hash collision degrades
// to a cache miss rather than a wrong hit.
func (k Key) Hash() string {
	return fmt.Sprintf("%016x", fnv1a64(string(k)))
}

// Hash returns the FNV-1a 64-bit hash of the scope in fixed-width hex.
func (s Scope) Hash() string {
	return fmt.Sprintf("%016x", fnv1a64(string(s)))
}

// fnv1a64 computes the FNV-1a 64-bit hash of a string.
func fnv1a64(s string) uint64 {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211 // FNV prime
	}
	return h
}
