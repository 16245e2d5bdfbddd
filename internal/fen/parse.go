// Package fen provides FEN (Forsyth-Edwards Notation) parsing utilities.
package fen

import (
	"errors"
	"strings"
)

// ErrInvalidFEN indicates the FEN string is malformed.
var ErrInvalidFEN = errors.New("invalid FEN notation")

// Normalize returns a normalized FEN string suitable for cache keys.
// It keeps the position, side to move, castling rights, and en passant
// square, dropping the halfmove clock and fullmove number so positions
// that differ only in move counters share a key.
func Normalize(fen string) (string, error) {
	parts := strings.Fields(fen)
	if len(parts) < 4 {
		return "", ErrInvalidFEN
	}

	if !isValidPiecePlacement(parts[0]) {
		return "", ErrInvalidFEN
	}

	if parts[1] != "w" && parts[1] != "b" {
		return "", ErrInvalidFEN
	}

	// Normalized FEN is the first 4 fields
	return strings.Join(parts[:4], " "), nil
}

// SideToMove returns "w" or "b" from a FEN string.
func SideToMove(fen string) (string, error) {
	parts := strings.Fields(fen)
	if len(parts) < 2 {
		return "", ErrInvalidFEN
	}
	if parts[1] != "w" && parts[1] != "b" {
		return "", ErrInvalidFEN
	}
	return parts[1], nil
}

// BlackToMove reports whether the side to move in fen is Black.
func BlackToMove(fen string) (bool, error) {
	stm, err := SideToMove(fen)
	if err != nil {
		return false, err
	}
	return stm == "b", nil
}

// isValidPiecePlacement validates the piece placement part of a FEN.
func isValidPiecePlacement(placement string) bool {
	ranks := strings.Split(placement, "/")
	if len(ranks) != 8 {
		return false
	}

	for _, rank := range ranks {
		squares := 0
		for _, ch := range rank {
			switch {
			case ch >= '1' && ch <= '8':
				squares += int(ch - '0')
			case ch == 'P', ch == 'N', ch == 'B', ch == 'R', ch == 'Q', ch == 'K',
				ch == 'p', ch == 'n', ch == 'b', ch == 'r', ch == 'q', ch == 'k':
				squares++
			default:
				return false
			}
		}
		if squares != 8 {
			return false
		}
	}

	return true
}
