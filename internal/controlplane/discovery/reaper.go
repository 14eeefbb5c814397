package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/daemons"
	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/telemetry"
)

// ReaperConfig sets the sweep cadences and thresholds.
type ReaperConfig struct {
	EvictionInterval time.Duration
	Retention        time.Duration
	StallInterval    time.Duration
	StallThreshold   time.Duration
}

// DefaultReaperConfig returns the production sweep settings.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		EvictionInterval: 10 * time.Minute,
		Retention:        24 * time.Hour,
		StallInterval:    time.Minute,
		StallThreshold:   5 * time.Minute,
	}
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	def := DefaultReaperConfig()
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = def.EvictionInterval
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.StallInterval <= 0 {
		c.StallInterval = def.StallInterval
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = def.StallThreshold
	}
	return c
}

// Reaper evicts old finished sessions and fails sessions that stopped reporting.
type Reaper struct {
	manager *Manager
	cfg     ReaperConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewReaper creates a reaper over a manager's registry.
func NewReaper(manager *Manager, cfg ReaperConfig, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		manager: manager,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("reaper"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on both tickers until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	evict := time.NewTicker(r.cfg.EvictionInterval)
	defer evict.Stop()
	stall := time.NewTicker(r.cfg.StallInterval)
	defer stall.Stop()

	r.logger.Info("reaper started",
		zap.Duration("eviction_interval", r.cfg.EvictionInterval),
		zap.Duration("retention", r.cfg.Retention),
		zap.Duration("stall_interval", r.cfg.StallInterval),
		zap.Duration("stall_threshold", r.cfg.StallThreshold),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-evict.C:
			r.SweepEvictions(r.now())
		case <-stall.C:
			r.SweepStalled(ctx, r.now())
		}
	}
}

// SweepEvictions drops finished sessions older than the retention window and
// returns how many were removed.
func (r *Reaper) SweepEvictions(now time.Time) int {
	ids := r.manager.registry.RemoveFinishedBefore(now.Add(-r.cfg.Retention))
	if len(ids) > 0 {
		r.logger.Info("evicted finished sessions", zap.Int("count", len(ids)))
	}
	return len(ids)
}

// SweepStalled fails every session with no progress past the stall threshold.
// Pull daemons get their cancellation first, without holding any lock; then each
// session is finalized unless an update arrived in between or another path
// finished it. Push daemons are sent a cancel only for sessions actually failed.
func (r *Reaper) SweepStalled(ctx context.Context, now time.Time) int {
	stalled := r.manager.registry.Stalled(now, r.cfg.StallThreshold)
	if len(stalled) == 0 {
		return 0
	}

	pushTo := make([]*daemons.Daemon, len(stalled))
	mailboxed := make([]bool, len(stalled))
	for i, c := range stalled {
		pushTo[i], mailboxed[i] = r.manager.stallNotice(c.Session)
	}

	reaped := 0
	for i, c := range stalled {
		snap := c.Session
		reason := fmt.Sprintf("discovery stalled: no progress update for %s", c.Idle.Truncate(time.Second))

		spanCtx, span := telemetry.StartSessionSpan(ctx, "reap", snap.SessionID, snap.DaemonID)
		failed, ok := r.manager.reapStalled(spanCtx, c, reason)
		span.End()
		if !ok {
			if mailboxed[i] {
				r.manager.registry.WithdrawCancellation(snap.DaemonID, snap.SessionID)
			}
			r.logger.Debug("stall candidate skipped",
				zap.String("session_id", snap.SessionID),
				zap.String("daemon_id", snap.DaemonID),
			)
			continue
		}
		if pushTo[i] != nil {
			r.manager.notifyCancel(*pushTo[i], snap.SessionID)
		}
		reaped++
		r.manager.metrics.SessionReaped()
		r.manager.broadcast(events.SessionReaped, failed, reason)
		r.logger.Warn("stalled session reaped",
			zap.String("session_id", snap.SessionID),
			zap.String("daemon_id", snap.DaemonID),
			zap.String("phase", string(snap.Phase)),
			zap.Duration("idle", c.Idle),
		)
	}
	return reaped
}
