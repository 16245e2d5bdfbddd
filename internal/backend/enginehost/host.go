// Package enginehost runs a UCI engine as a child process and exposes
// it as an evaluation backend.
//
// Engine output is read by a single pump goroutine that parses each
// line into a tagged message and hands it to whichever operation is
// waiting: the handshake during startup, the active search afterwards.
package enginehost

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/fingerprint"
	"github.com/discochess/evalhub/internal/stats"
	"github.com/discochess/evalhub/internal/uciwire"
)

const (
	// DefaultHandshakeTimeout bounds the uci/isready exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultSearchTimeout declares a search wedged when no bestmove
	// arrives in time. Movetime searches extend it as needed.
	DefaultSearchTimeout = 60 * time.Second
	// DefaultPendingLimit bounds how many callers may queue behind an
	// unfinished handshake.
	DefaultPendingLimit = 32

	// protocolErrorLimit is how many consecutive unparseable lines the
	// pump tolerates before declaring the engine fatal.
	protocolErrorLimit = 25

	// stopGrace is how long a cancelled search waits for the engine to
	// acknowledge "stop" with a bestmove line.
	stopGrace = 2 * time.Second

	inboxSize = 256
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("enginehost: host closed")
	// ErrPendingFull rejects callers beyond the pre-ready queue bound.
	ErrPendingFull = errors.New("enginehost: pending queue full")
)

// Config describes one engine backend.
type Config struct {
	// ID is the backend identifier, e.g. "worker-a".
	ID string

	// Command and Args launch the engine binary.
	Command string
	Args    []string

	// Transport overrides process launching. Nil launches Command.
	Transport Transport

	HandshakeTimeout time.Duration
	SearchTimeout    time.Duration
	PendingLimit     int

	Logger *zap.Logger
	Stats  stats.Collector
}

// Host speaks UCI to one engine process.
type Host struct {
	id    string
	cfg   Config
	log   *zap.Logger
	stats stats.Collector

	transport Transport
	stdin     io.WriteCloser
	inbox     chan uciwire.Message
	quitCh    chan struct{}

	mu         sync.Mutex
	status     backend.Status
	engineName string
	fatalErr   error
	pending    int
	readyCh    chan struct{}
	fatalCh    chan struct{}

	// searchMu serializes searches and guards the applied option state.
	searchMu sync.Mutex
	applied  appliedOptions

	closed atomic.Bool
}

// appliedOptions tracks the engine-side option state so Evaluate only
// sends setoption for knobs that actually changed.
type appliedOptions struct {
	multiPV int
	threads int
	hashMB  int
	skill   *int
}

// Compile-time check that Host implements backend.Backend.
var _ backend.Backend = (*Host)(nil)

// New creates a host for the configured engine. The engine process is
// not launched until Start.
func New(cfg Config) (*Host, error) {
	if cfg.ID == "" {
		return nil, errors.New("enginehost: config missing ID")
	}
	if cfg.Command == "" && cfg.Transport == nil {
		return nil, errors.New("enginehost: config missing engine command")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultSearchTimeout
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = DefaultPendingLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewNoop()
	}

	transport := cfg.Transport
	if transport == nil {
		transport = newProcTransport(cfg.Command, cfg.Args)
	}

	return &Host{
		id:        cfg.ID,
		cfg:       cfg,
		log:       cfg.Logger.Named("enginehost"),
		stats:     cfg.Stats,
		transport: transport,
		inbox:     make(chan uciwire.Message, inboxSize),
		quitCh:    make(chan struct{}),
		status:    backend.StatusIdle,
		readyCh:   make(chan struct{}),
		fatalCh:   make(chan struct{}),
	}, nil
}

// ID returns the backend identifier.
func (h *Host) ID() string { return h.id }

// Status reports the lifecycle state.
func (h *Host) Status() backend.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// EngineName returns the identity announced during the handshake.
func (h *Host) EngineName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engineName
}

// Start launches the engine process and completes the UCI handshake.
func (h *Host) Start(ctx context.Context) error {
	if h.closed.Load() {
		return ErrClosed
	}

	h.mu.Lock()
	if h.status != backend.StatusIdle {
		status := h.status
		h.mu.Unlock()
		return fmt.Errorf("enginehost: start from status %s", status)
	}
	h.setStatusLocked(backend.StatusInitializing)
	h.mu.Unlock()

	stdin, stdout, err := h.transport.Start()
	if err != nil {
		err = fmt.Errorf("spawn engine: %w", err)
		h.fail(err)
		return backend.Fatal(h.id, err)
	}
	h.mu.Lock()
	h.stdin = stdin
	h.mu.Unlock()
	go h.pump(stdout)
	go h.watchExit()

	hctx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()
	if err := h.handshake(hctx); err != nil {
		err = fmt.Errorf("handshake: %w", err)
		h.fail(err)
		_ = h.transport.Kill()
		return backend.Fatal(h.id, err)
	}

	h.mu.Lock()
	h.setStatusLocked(backend.StatusReady)
	close(h.readyCh)
	name := h.engineName
	h.mu.Unlock()

	h.log.Info("engine ready",
		zap.String("backend", h.id),
		zap.String("engine", name),
	)
	return nil
}

// handshake drives uci/uciok then isready/readyok, capturing the engine
// name along the way.
func (h *Host) handshake(ctx context.Context) error {
	if err := h.send(uciwire.CmdUCI()); err != nil {
		return err
	}
	for {
		msg, err := h.next(ctx)
		if err != nil {
			return err
		}
		if done, err := h.handshakeStep(msg); err != nil {
			return err
		} else if done {
			break
		}
	}

	if err := h.send(uciwire.CmdIsReady()); err != nil {
		return err
	}
	for {
		msg, err := h.next(ctx)
		if err != nil {
			return err
		}
		if _, ok := msg.(uciwire.ReadyOK); ok {
			return nil
		}
	}
}

func (h *Host) handshakeStep(msg uciwire.Message) (done bool, err error) {
	switch m := msg.(type) {
	case uciwire.ID:
		if m.Field == "name" {
			h.mu.Lock()
			h.engineName = m.Value
			h.mu.Unlock()
		}
	case uciwire.OptionDecl:
		// capability advertisement, nothing to apply
	case uciwire.UCIOK:
		return true, nil
	}
	return false, nil
}

// next delivers the next engine message or fails with whatever ended
// the stream.
func (h *Host) next(ctx context.Context) (uciwire.Message, error) {
	select {
	case msg, ok := <-h.inbox:
		if !ok {
			return nil, h.fatalError()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pump reads engine stdout line by line, parses each into a tagged
// message, and forwards it on the inbox.
func (h *Host) pump(stdout io.ReadCloser) {
	defer close(h.inbox)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	consecutive := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := uciwire.Parse(line)
		if err != nil {
			consecutive++
			h.stats.IncCounter(stats.MetricBackendErrors, 1)
			h.log.Debug("discarding engine line",
				zap.String("backend", h.id),
				zap.String("line", line),
				zap.Error(err),
			)
			if consecutive >= protocolErrorLimit {
				h.fail(&backend.ProtocolError{Line: line, Err: err})
				_ = h.transport.Kill()
				return
			}
			continue
		}
		consecutive = 0

		select {
		case h.inbox <- msg:
		case <-h.quitCh:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		h.fail(fmt.Errorf("engine output stream: %w", err))
		return
	}
	h.fail(errors.New("engine output stream ended"))
}

// watchExit flags the host when the engine process dies underneath it.
func (h *Host) watchExit() {
	<-h.transport.Done()
	if !h.closed.Load() {
		h.fail(errors.New("engine process exited"))
	}
}

// Evaluate runs one search. Callers before readiness wait in a bounded
// queue; searches themselves run one at a time.
func (h *Host) Evaluate(ctx context.Context, req backend.Request) (*backend.Response, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if err := h.awaitReady(ctx); err != nil {
		return nil, err
	}

	h.searchMu.Lock()
	defer h.searchMu.Unlock()

	if err := h.healthy(); err != nil {
		return nil, err
	}
	if err := h.applyOptions(req); err != nil {
		return nil, err
	}
	if err := h.send(uciwire.CmdPosition(req.FEN)); err != nil {
		return nil, err
	}

	goCmd := uciwire.CmdGoDepth(req.Depth)
	if req.Mode == fingerprint.ModeTime {
		goCmd = uciwire.CmdGoMovetime(req.MovetimeMs)
	}
	if err := h.send(goCmd); err != nil {
		return nil, err
	}

	return h.collect(ctx, req)
}

// awaitReady blocks until the handshake finishes, bounded by the
// pending queue limit.
func (h *Host) awaitReady(ctx context.Context) error {
	h.mu.Lock()
	switch h.status {
	case backend.StatusReady:
		h.mu.Unlock()
		return nil
	case backend.StatusError:
		err := h.fatalErrLocked()
		h.mu.Unlock()
		return backend.Fatal(h.id, err)
	}
	if h.pending >= h.cfg.PendingLimit {
		h.mu.Unlock()
		return &backend.TransportError{Op: "enqueue", Err: ErrPendingFull}
	}
	h.pending++
	ready, fatal := h.readyCh, h.fatalCh
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.pending--
		h.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-fatal:
		return backend.Fatal(h.id, h.fatalError())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) healthy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == backend.StatusError {
		return backend.Fatal(h.id, h.fatalErrLocked())
	}
	return nil
}

// applyOptions sends setoption commands for knobs that differ from the
// engine's current state.
func (h *Host) applyOptions(req backend.Request) error {
	hints := req.Hints
	if hints.Threads > 0 && hints.Threads != h.applied.threads {
		if err := h.send(uciwire.CmdSetOption("Threads", hints.Threads)); err != nil {
			return err
		}
		h.applied.threads = hints.Threads
	}
	if hints.HashMB > 0 && hints.HashMB != h.applied.hashMB {
		if err := h.send(uciwire.CmdSetOption("Hash", hints.HashMB)); err != nil {
			return err
		}
		h.applied.hashMB = hints.HashMB
	}

	multiPV := req.MultiPV
	if multiPV < 1 {
		multiPV = 1
	}
	if multiPV != h.applied.multiPV {
		if err := h.send(uciwire.CmdSetOption("MultiPV", multiPV)); err != nil {
			return err
		}
		h.applied.multiPV = multiPV
	}

	switch {
	case hints.SkillLevel != nil && (h.applied.skill == nil || *h.applied.skill != *hints.SkillLevel):
		if err := h.send(uciwire.CmdSetOption("Skill Level", *hints.SkillLevel)); err != nil {
			return err
		}
		level := *hints.SkillLevel
		h.applied.skill = &level
	case hints.SkillLevel == nil && h.applied.skill != nil:
		// back to full strength
		if err := h.send(uciwire.CmdSetOption("Skill Level", 20)); err != nil {
			return err
		}
		h.applied.skill = nil
	}
	return nil
}

// collect folds streamed info lines into the final per-rank lines until
// the engine answers with bestmove.
func (h *Host) collect(ctx context.Context, req backend.Request) (*backend.Response, error) {
	timeout := h.cfg.SearchTimeout
	if req.Mode == fingerprint.ModeTime {
		if t := time.Duration(req.MovetimeMs)*time.Millisecond + 10*time.Second; t > timeout {
			timeout = t
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	best := make(map[int]backend.Line)
	done := ctx.Done()
	var stopTimer <-chan time.Time
	cancelled := false

	for {
		select {
		case msg, ok := <-h.inbox:
			if !ok {
				return nil, backend.Fatal(h.id, h.fatalError())
			}
			switch m := msg.(type) {
			case uciwire.Info:
				h.fold(best, m, req.MultiPV)
			case uciwire.InfoString:
				h.log.Debug("engine note", zap.String("backend", h.id), zap.String("text", m.Text))
			case uciwire.BestMove:
				if cancelled {
					return nil, ctx.Err()
				}
				return h.finish(best), nil
			}

		case <-done:
			// cooperative cancel: ask the engine to wind down, then
			// wait briefly for the closing bestmove to stay in sync
			if err := h.send(uciwire.CmdStop()); err != nil {
				// Without the stop the engine may still be searching,
				// so its late output would collide with the next
				// search on this host.
				h.fail(err)
				_ = h.transport.Kill()
				return nil, backend.Fatal(h.id, err)
			}
			cancelled = true
			done = nil
			stopTimer = time.After(stopGrace)

		case <-stopTimer:
			err := errors.New("engine ignored stop")
			h.fail(err)
			_ = h.transport.Kill()
			return nil, backend.Fatal(h.id, err)

		case <-timer.C:
			err := fmt.Errorf("search exceeded %s", timeout)
			h.fail(err)
			_ = h.transport.Kill()
			return nil, backend.Fatal(h.id, err)
		}
	}
}

// fold keeps the deepest exact line per multipv rank.
func (h *Host) fold(best map[int]backend.Line, info uciwire.Info, maxRank int) {
	if !info.HasScore() || len(info.PV) == 0 {
		return
	}
	rank := info.MultiPV
	if rank < 1 {
		rank = 1
	}
	if maxRank >= 1 && rank > maxRank {
		return
	}
	if prev, ok := best[rank]; ok && info.Depth < prev.Depth {
		return
	}
	best[rank] = backend.Line{
		MultiPV: rank,
		CP:      info.CP,
		Mate:    info.Mate,
		Depth:   info.Depth,
		PV:      info.PV,
	}
}

func (h *Host) finish(best map[int]backend.Line) *backend.Response {
	lines := make([]backend.Line, 0, len(best))
	for _, l := range best {
		lines = append(lines, l)
	}
	backend.SortLines(lines)
	return &backend.Response{
		Lines:      lines,
		EngineName: h.EngineName(),
		BackendID:  h.id,
	}
}

// send writes one command line to the engine.
func (h *Host) send(cmd string) error {
	if _, err := io.WriteString(h.stdin, cmd+"\n"); err != nil {
		return &backend.TransportError{Op: strings.Fields(cmd)[0], Err: err}
	}
	return nil
}

// fail records the first fatal error and flips the status machine to
// its absorbing state.
func (h *Host) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == backend.StatusError {
		return
	}
	h.setStatusLocked(backend.StatusError)
	h.fatalErr = err
	close(h.fatalCh)
	if !h.closed.Load() {
		h.log.Warn("engine backend failed",
			zap.String("backend", h.id),
			zap.Error(err),
		)
	}
}

func (h *Host) fatalError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatalErrLocked()
}

func (h *Host) fatalErrLocked() error {
	if h.fatalErr != nil {
		return h.fatalErr
	}
	return errors.New("engine unavailable")
}

// setStatusLocked applies a transition, rejecting illegal ones. Callers
// hold h.mu.
func (h *Host) setStatusLocked(to backend.Status) {
	if !backend.CanTransition(h.status, to) {
		h.log.Warn("rejected status transition",
			zap.String("backend", h.id),
			zap.Stringer("from", h.status),
			zap.Stringer("to", to),
		)
		return
	}
	h.status = to
}

// Close tears the engine down. It asks politely with quit, then kills
// the process.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(h.quitCh)
	h.mu.Lock()
	stdin := h.stdin
	h.mu.Unlock()
	if stdin != nil {
		_, _ = io.WriteString(stdin, uciwire.CmdQuit()+"\n")
		_ = stdin.Close()
	}
	h.fail(ErrClosed)
	if err := h.transport.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
