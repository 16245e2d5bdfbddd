// Package uciwire implements the line protocol spoken to UCI engines.
//
// Inbound engine output is parsed into a closed set of tagged message
// types. Anything outside the set is an explicit parse error, so callers
// decide how to treat unknown traffic instead of silently duck-typing it.
package uciwire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownMessage indicates a line whose leading verb is not part of
// the protocol subset this package understands.
var ErrUnknownMessage = errors.New("uciwire: unknown message")

// ErrMalformed indicates a recognized verb with missing or unparseable
// required fields.
var ErrMalformed = errors.New("uciwire: malformed message")

// Message is the closed set of inbound engine messages. Implementations
// live in this package only.
type Message interface {
	isMessage()
}

// UCIOK acknowledges the "uci" handshake command.
type UCIOK struct{}

// ReadyOK acknowledges an "isready" probe.
type ReadyOK struct{}

// ID carries an "id <field> <value>" announcement, e.g. the engine name.
type ID struct {
	Field string
	Value string
}

// OptionDecl is an "option name ..." advertisement emitted between "uci"
// and "uciok". The raw line is kept for logging.
type OptionDecl struct {
	Raw string
}

// BestMove terminates a search.
type BestMove struct {
	Move   string
	Ponder string
}

// InfoString is an "info string ..." free-text diagnostic.
type InfoString struct {
	Text string
}

// Info is a streamed search progress report. CP and Mate are mutually
// exclusive; Mate wins when an engine ever reports both.
type Info struct {
	Depth    int
	SelDepth int
	MultiPV  int
	CP       *int
	Mate     *int
	// Bound is "lowerbound" or "upperbound" for aspiration-window
	// partials, empty for exact scores.
	Bound  string
	Nodes  int64
	NPS    int64
	TimeMs int
	PV     []string
}

func (UCIOK) isMessage()      {}
func (ReadyOK) isMessage()    {}
func (ID) isMessage()         {}
func (OptionDecl) isMessage() {}
func (BestMove) isMessage()   {}
func (InfoString) isMessage() {}
func (Info) isMessage()       {}

// HasScore reports whether the info carries an exact score usable for
// display and caching.
func (i Info) HasScore() bool {
	return i.Bound == "" && (i.CP != nil || i.Mate != nil)
}

// Parse converts one engine output line into a tagged message.
func Parse(line string) (Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrUnknownMessage)
	}

	switch fields[0] {
	case "uciok":
		return UCIOK{}, nil
	case "readyok":
		return ReadyOK{}, nil
	case "id":
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: id without value", ErrMalformed)
		}
		return ID{Field: fields[1], Value: strings.Join(fields[2:], " ")}, nil
	case "option":
		return OptionDecl{Raw: strings.TrimSpace(line)}, nil
	case "bestmove":
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: bestmove without move", ErrMalformed)
		}
		bm := BestMove{Move: fields[1]}
		if len(fields) >= 4 && fields[2] == "ponder" {
			bm.Ponder = fields[3]
		}
		return bm, nil
	case "info":
		return parseInfo(fields[1:])
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, fields[0])
	}
}

// parseInfo walks the token stream after the "info" verb. Unknown keys
// are skipped one token at a time so new engine fields do not break
// parsing of the fields we need.
func parseInfo(fields []string) (Message, error) {
	info := Info{}
	i := 0
	for i < len(fields) {
		key := fields[i]
		switch key {
		case "string":
			return InfoString{Text: strings.Join(fields[i+1:], " ")}, nil
		case "depth":
			v, err := intValue(fields, i)
			if err != nil {
				return nil, err
			}
			info.Depth = v
			i += 2
		case "seldepth":
			v, err := intValue(fields, i)
			if err != nil {
				return nil, err
			}
			info.SelDepth = v
			i += 2
		case "multipv":
			v, err := intValue(fields, i)
			if err != nil {
				return nil, err
			}
			info.MultiPV = v
			i += 2
		case "score":
			n, err := parseScore(fields[i+1:], &info)
			if err != nil {
				return nil, err
			}
			i += 1 + n
		case "nodes":
			v, err := intValue(fields, i)
			if err != nil {
				return nil, err
			}
			info.Nodes = int64(v)
			i += 2
		case "nps":
			v, err := intValue(fields, i)
			if err != nil {
				return nil, err
			}
			info.NPS = int64(v)
			i += 2
		case "time":
			v, err := intValue(fields, i)
			if err != nil {
				return nil, err
			}
			info.TimeMs = v
			i += 2
		case "pv":
			info.PV = append([]string(nil), fields[i+1:]...)
			i = len(fields)
		default:
			// hashfull, tbhits, currmove and friends: skip key and value
			i += 2
		}
	}
	return info, nil
}

// parseScore consumes "cp N" or "mate N" plus an optional bound token,
// returning how many tokens it consumed.
func parseScore(fields []string, info *Info) (int, error) {
	if len(fields) < 2 {
		return 0, fmt.Errorf("%w: truncated score", ErrMalformed)
	}
	v, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: score value %q", ErrMalformed, fields[1])
	}
	switch fields[0] {
	case "cp":
		info.CP = &v
	case "mate":
		info.Mate = &v
	default:
		return 0, fmt.Errorf("%w: score kind %q", ErrMalformed, fields[0])
	}
	consumed := 2
	if len(fields) > 2 && (fields[2] == "lowerbound" || fields[2] == "upperbound") {
		info.Bound = fields[2]
		consumed = 3
	}
	return consumed, nil
}

func intValue(fields []string, i int) (int, error) {
	if i+1 >= len(fields) {
		return 0, fmt.Errorf("%w: %q without value", ErrMalformed, fields[i])
	}
	v, err := strconv.Atoi(fields[i+1])
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q", ErrMalformed, fields[i], fields[i+1])
	}
	return v, nil
}

// Outbound commands. UCI is a line protocol, so commands stay formatted
// strings built through these constructors.

// CmdUCI starts the handshake.
func CmdUCI() string { return "uci" }

// CmdIsReady probes engine readiness.
func CmdIsReady() string { return "isready" }

// CmdUCINewGame resets engine search state between positions.
func CmdUCINewGame() string { return "ucinewgame" }

// CmdSetOption formats a "setoption" command.
func CmdSetOption(name string, value any) string {
	return fmt.Sprintf("setoption name %s value %v", name, value)
}

// CmdPosition loads a position by FEN.
func CmdPosition(fen string) string { return "position fen " + fen }

// CmdGoDepth starts a fixed-depth search.
func CmdGoDepth(depth int) string { return fmt.Sprintf("go depth %d", depth) }

// CmdGoMovetime starts a fixed-duration search.
func CmdGoMovetime(ms int) string { return fmt.Sprintf("go movetime %d", ms) }

// CmdStop aborts the current search; the engine still answers with a
// bestmove line.
func CmdStop() string { return "stop" }

// CmdQuit asks the engine process to exit.
func CmdQuit() string { return "quit" }
