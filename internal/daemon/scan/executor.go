// Package scan runs discovery sessions on the daemon and streams their
// progress back to the server.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/protocol"
	"github.com/marcus-qen/scanfleet/internal/telemetry"
)

var (
	// ErrBusy is returned when a session is offered while another one runs.
	ErrBusy = errors.New("a discovery session is already running")
	// ErrUnsupported is returned for a discovery type this daemon cannot run.
	ErrUnsupported = errors.New("unsupported discovery type")
)

// reportTimeout bounds each progress update sent to the server.
const reportTimeout = 15 * time.Second

// Reporter delivers session progress to the server.
type Reporter interface {
	SendUpdate(ctx context.Context, session protocol.DiscoverySession) error
}

// Scanner performs one kind of discovery. progress takes a percentage and may
// be called any number of times.
type Scanner interface {
	Scan(ctx context.Context, dt protocol.DiscoveryType, progress func(pct int)) (Result, error)
}

// Entity is one discovered object. Its content is opaque to the server.
type Entity struct {
	Kind       string            `json:"kind"`
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Address    string            `json:"address,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Result is what a scanner found.
type Result struct {
	Entities []Entity `json:"entities"`
}

type run struct {
	sessionID string
	cancel    context.CancelFunc
}

// Executor runs at most one session at a time.
type Executor struct {
	daemonID  string
	networkID string
	reporter  Reporter
	scanners  map[protocol.DiscoveryKind]Scanner
	logger    *zap.Logger

	base     context.Context
	shutdown context.CancelFunc

	mu      sync.Mutex
	current *run
	last    *Result
	wg      sync.WaitGroup
}

// NewExecutor creates an executor for one daemon.
func NewExecutor(daemonID, networkID string, reporter Reporter, scanners map[protocol.DiscoveryKind]Scanner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Executor{
		daemonID:  daemonID,
		networkID: networkID,
		reporter:  reporter,
		scanners:  scanners,
		logger:    logger,
		base:      base,
		shutdown:  cancel,
	}
}

// Running reports whether a session is executing.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Current returns the executing session id, or "".
func (e *Executor) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.sessionID
}

// LastResult returns what the most recent successful session found.
func (e *Executor) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Start begins a session in the background. A session whose discovery type
// has no scanner is reported failed right away.
func (e *Executor) Start(req protocol.DiscoveryRequest) error {
	scanner, ok := e.scanners[req.DiscoveryType.Kind]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnsupported, req.DiscoveryType.Kind)
		now := time.Now().UTC()
		e.report(req, protocol.PhaseFailed, 0, err.Error(), nil, &now)
		return err
	}

	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(e.base)
	r := &run{sessionID: req.SessionID, cancel: cancel}
	e.current = r
	e.wg.Add(1)
	e.mu.Unlock()

	go e.execute(ctx, r, scanner, req)
	return nil
}

// Cancel stops the executing session if it matches sessionID. An empty id
// cancels whatever runs.
func (e *Executor) Cancel(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return false
	}
	if sessionID != "" && e.current.sessionID != sessionID {
		return false
	}
	e.current.cancel()
	e.logger.Info("discovery cancel requested", zap.String("session_id", e.current.sessionID))
	return true
}

// Wait blocks until no session is executing.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Shutdown cancels any executing session and waits for it to report.
func (e *Executor) Shutdown() {
	e.shutdown()
	e.wg.Wait()
}

func (e *Executor) execute(ctx context.Context, r *run, scanner Scanner, req protocol.DiscoveryRequest) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if e.current == r {
			e.current = nil
		}
		e.mu.Unlock()
		r.cancel()
	}()

	ctx, span := telemetry.StartSessionSpan(ctx, "scan", req.SessionID, e.daemonID)
	var scanErr error
	defer func() { telemetry.EndSpan(span, scanErr) }()

	startedAt := time.Now().UTC()
	log := e.logger.With(zap.String("session_id", req.SessionID), zap.String("discovery_type", req.DiscoveryType.String()))
	log.Info("discovery started")
	e.report(req, protocol.PhaseStarted, 0, "", &startedAt, nil)

	last := -1
	progress := func(pct int) {
		if ctx.Err() != nil {
			return
		}
		pct = min(max(pct, 0), 99)
		if pct == last {
			return
		}
		last = pct
		e.report(req, protocol.PhaseScanning, pct, "", &startedAt, nil)
	}

	res, err := scanner.Scan(ctx, req.DiscoveryType, progress)
	scanErr = err
	finishedAt := time.Now().UTC()

	switch {
	case ctx.Err() != nil:
		log.Info("discovery cancelled")
		e.report(req, protocol.PhaseCancelled, max(last, 0), "", &startedAt, &finishedAt)
	case err != nil:
		log.Warn("discovery failed", zap.Error(err))
		e.report(req, protocol.PhaseFailed, max(last, 0), err.Error(), &startedAt, &finishedAt)
	default:
		e.mu.Lock()
		e.last = &res
		e.mu.Unlock()
		log.Info("discovery complete",
			zap.Int("entities", len(res.Entities)),
			zap.Duration("duration", finishedAt.Sub(startedAt)),
		)
		e.report(req, protocol.PhaseComplete, 100, "", &startedAt, &finishedAt)
	}
}

// report sends an update on its own deadline so the final phase still goes
// out after the session context is cancelled. Failures are logged only; the
// server reconciles from the next update or reaps the session.
func (e *Executor) report(req protocol.DiscoveryRequest, phase protocol.DiscoveryPhase, progress int, errMsg string, startedAt, finishedAt *time.Time) {
	dt := req.DiscoveryType
	update := protocol.DiscoverySession{
		SessionID:     req.SessionID,
		DaemonID:      e.daemonID,
		NetworkID:     e.networkID,
		DiscoveryType: &dt,
		Phase:         phase,
		Progress:      progress,
		Error:         errMsg,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := e.reporter.SendUpdate(ctx, update); err != nil {
		e.logger.Warn("progress update failed",
			zap.String("session_id", req.SessionID),
			zap.String("phase", string(phase)),
			zap.Error(err),
		)
	}
}
