// Package pgn extracts evaluation targets from PGN game collections.
package pgn

import (
	"errors"
	"fmt"
	"io"

	"github.com/notnil/chess"

	"github.com/discochess/evalhub/internal/fen"
)

// Games returns the normalized position sequence of every game in the
// stream, one slice per game in input order. Positions that fail FEN
// normalization are dropped.
func Games(r io.Reader) ([][]string, error) {
	scanner := chess.NewScanner(r)

	var games [][]string
	for scanner.Scan() {
		game := scanner.Next()
		// The scanner yields a moveless game for empty input.
		if len(game.Moves()) == 0 {
			continue
		}

		var fens []string
		for _, pos := range game.Positions() {
			normalized, err := fen.Normalize(pos.String())
			if err != nil {
				continue
			}
			fens = append(fens, normalized)
		}
		if len(fens) > 0 {
			games = append(games, fens)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("scanning PGN: %w", err)
	}
	return games, nil
}

// Stats describes one extraction run.
type Stats struct {
	Games           int
	Positions       int
	UniquePositions int
	AvgPliesPerGame float64
}

// Positions returns the unique normalized positions across every game
// in first-seen order, with collection totals.
func Positions(r io.Reader) ([]string, Stats, error) {
	games, err := Games(r)
	if err != nil {
		return nil, Stats{}, err
	}

	seen := make(map[string]struct{})
	var unique []string
	var total int
	for _, game := range games {
		total += len(game)
		for _, f := range game {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			unique = append(unique, f)
		}
	}

	stats := Stats{
		Games:           len(games),
		Positions:       total,
		UniquePositions: len(unique),
	}
	if stats.Games > 0 {
		stats.AvgPliesPerGame = float64(total) / float64(stats.Games)
	}
	return unique, stats, nil
}
