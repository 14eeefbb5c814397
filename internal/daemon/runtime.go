package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// SessionRunner executes discovery sessions locally.
type SessionRunner interface {
	Start(req protocol.DiscoveryRequest) error
	Cancel(sessionID string) bool
	Running() bool
}

const (
	// summaryEvery is how many consecutive failures go between summaries.
	summaryEvery = 5
	// escalateAfter is the failure count past which summaries log at error.
	escalateAfter = 20
)

// Runtime runs the daemon's loops until the context ends or the key is revoked.
type Runtime struct {
	cfg       *Config
	api       ServerAPI
	runner    SessionRunner
	registrar *Registrar
	push      *PushServer
	logger    *zap.Logger

	heartbeats *failureTracker
	polls      *failureTracker

	now func() time.Time
}

// NewRuntime creates a runtime. push may be nil for pull daemons.
func NewRuntime(cfg *Config, api ServerAPI, runner SessionRunner, registrar *Registrar, push *PushServer, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("runtime")
	return &Runtime{
		cfg:        cfg,
		api:        api,
		runner:     runner,
		registrar:  registrar,
		push:       push,
		logger:     logger,
		heartbeats: newFailureTracker("heartbeat", logger),
		polls:      newFailureTracker("request-work", logger),
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled (nil) or a fatal failure occurs.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.loop(gctx, r.cfg.HeartbeatInterval, r.heartbeat) })
	if r.cfg.Mode == protocol.ModePull {
		g.Go(func() error { return r.loop(gctx, r.cfg.PollInterval, r.requestWork) })
	}
	if r.push != nil {
		g.Go(func() error { return r.push.Run(gctx) })
	}

	r.logger.Info("daemon running",
		zap.String("daemon_id", r.cfg.DaemonID),
		zap.String("mode", string(r.cfg.Mode)),
		zap.Duration("heartbeat_interval", r.cfg.HeartbeatInterval),
	)
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop runs fn now and then on every tick. Ticks missed while fn runs are
// dropped.
func (r *Runtime) loop(ctx context.Context, every time.Duration, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Runtime) heartbeat(ctx context.Context) error {
	err := r.api.Heartbeat(ctx, r.cfg.DaemonID, r.cfg.Presence())
	if err != nil {
		return r.failed(ctx, r.heartbeats, err)
	}
	r.heartbeats.success()
	if err := r.cfg.RecordHeartbeat(r.now()); err != nil {
		r.logger.Warn("failed to persist last heartbeat", zap.Error(err))
	}
	return nil
}

func (r *Runtime) requestWork(ctx context.Context) error {
	work, err := r.api.RequestWork(ctx, r.cfg.DaemonID, r.cfg.Presence())
	if err != nil {
		return r.failed(ctx, r.polls, err)
	}
	r.polls.success()

	if work.ShouldCancel {
		if r.runner.Cancel(work.CancelSessionID) {
			r.logger.Info("server cancelled session", zap.String("session_id", work.CancelSessionID))
		} else {
			r.logger.Debug("cancel for a session that is not running", zap.String("session_id", work.CancelSessionID))
		}
	}

	if next := work.NextSession; next != nil {
		if r.runner.Running() {
			r.logger.Warn("session offered while another is running", zap.String("session_id", next.SessionID))
			return nil
		}
		if err := r.runner.Start(*next); err != nil {
			r.logger.Warn("failed to start offered session", zap.String("session_id", next.SessionID), zap.Error(err))
		}
	}
	return nil
}

// failed sorts a loop failure. A revoked or unrecognised key stops the daemon;
// anything else is counted and retried on the next tick.
func (r *Runtime) failed(ctx context.Context, tracker *failureTracker, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, ErrDaemonUnknown) && r.registrar != nil {
		r.logger.Warn("server no longer knows this daemon; registering again")
		regErr := r.registrar.Attempt(ctx)
		if regErr == nil {
			return nil
		}
		err = regErr
	}
	switch {
	case errors.Is(err, ErrKeyRevoked):
		r.logger.Error("daemon api key revoked; stopping", zap.String("op", tracker.op))
		return fmt.Errorf("%s: %w", tracker.op, ErrKeyRevoked)
	case errors.Is(err, ErrInvalidKey):
		r.logger.Error("daemon api key not recognised by the server; stopping", zap.String("op", tracker.op))
		return fmt.Errorf("%s: %w", tracker.op, ErrInvalidKey)
	}
	tracker.failure(err)
	return nil
}

// failureTracker keeps a run of consecutive failures for one loop and logs a
// summary every summaryEvery failures, at error level past escalateAfter.
type failureTracker struct {
	op          string
	logger      *zap.Logger
	consecutive int
	since       time.Time
}

func newFailureTracker(op string, logger *zap.Logger) *failureTracker {
	return &failureTracker{op: op, logger: logger}
}

func (f *failureTracker) failure(err error) {
	f.consecutive++
	if f.consecutive == 1 {
		f.since = time.Now()
		f.logger.Warn(f.op+" failed", zap.Error(err))
		return
	}
	f.logger.Debug(f.op+" failed", zap.Int("consecutive", f.consecutive), zap.Error(err))
	if f.consecutive%summaryEvery != 0 {
		return
	}

	fields := []zap.Field{
		zap.Int("consecutive", f.consecutive),
		zap.Duration("failing_for", time.Since(f.since).Round(time.Second)),
		zap.Error(err),
	}
	if f.consecutive >= escalateAfter {
		f.logger.Error(f.op+" still failing", fields...)
	} else {
		f.logger.Warn(f.op+" still failing", fields...)
	}
}

func (f *failureTracker) success() {
	if f.consecutive > 0 {
		f.logger.Info(f.op+" recovered", zap.Int("failures", f.consecutive))
	}
	f.consecutive = 0
}
