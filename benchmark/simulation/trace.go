package simulation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/discochess/evalhub/internal/backend"
)

// PassSample is one recorded engine pass for a position.
type PassSample struct {
	BudgetMs int      `json:"budgetMs"`
	Depth    int      `json:"depth"`
	CP       *int     `json:"cp,omitempty"`
	Mate     *int     `json:"mate,omitempty"`
	PV       []string `json:"pv,omitempty"`
}

// Response converts the sample into the single-line response shape the
// convergence check expects.
func (p PassSample) Response() *backend.Response {
	return &backend.Response{Lines: []backend.Line{{
		MultiPV: 1,
		CP:      p.CP,
		Mate:    p.Mate,
		Depth:   p.Depth,
		PV:      p.PV,
	}}}
}

// Trace is one position's recorded pass ladder, budgets ascending. A
// trace recorded at the union of the compared schedules can be replayed
// under any of them.
type Trace struct {
	FEN    string       `json:"fen"`
	Passes []PassSample `json:"passes"`
}

func (t *Trace) sampleAt(budgetMs int) (PassSample, bool) {
	for _, p := range t.Passes {
		if p.BudgetMs == budgetMs {
			return p, true
		}
	}
	return PassSample{}, false
}

// ReadTraces decodes a JSONL trace stream, one trace per line. Blank
// lines are ignored.
func ReadTraces(r io.Reader) ([]Trace, error) {
	var traces []Trace
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var t Trace
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		traces = append(traces, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading traces: %w", err)
	}
	return traces, nil
}

// WriteTraces encodes traces as JSONL.
func WriteTraces(w io.Writer, traces []Trace) error {
	enc := json.NewEncoder(w)
	for i := range traces {
		if err := enc.Encode(&traces[i]); err != nil {
			return fmt.Errorf("writing trace %d: %w", i, err)
		}
	}
	return nil
}
