package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/daemons"
	"github.com/marcus-qen/scanfleet/internal/controlplane/definitions"
	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/protocol"
	"github.com/marcus-qen/scanfleet/internal/telemetry"
)

// SystemActor is the actor recorded for scheduler-originated sessions.
const SystemActor = "system:scheduler"

var (
	ErrRetryShortly    = errors.New("session is being dispatched; retry shortly")
	ErrDaemonNotFound  = errors.New("daemon not found")
	ErrNetworkMismatch = errors.New("daemon does not belong to the requested network")
)

// Directory resolves daemons by id.
type Directory interface {
	Get(ctx context.Context, id string) (*daemons.Daemon, error)
}

// Dispatcher delivers push-mode requests to daemons.
type Dispatcher interface {
	Initiate(ctx context.Context, d daemons.Daemon, req protocol.DiscoveryRequest) error
	Cancel(ctx context.Context, d daemons.Daemon, sessionID string) error
}

// Recorder receives lifecycle counters.
type Recorder interface {
	SessionStarted()
	SessionFinished(phase protocol.DiscoveryPhase)
	SessionReaped()
	DispatchFailed(op string)
	ScheduleRegistrationFailed()
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted() {}
func (nopRecorder) SessionFinished(protocol.DiscoveryPhase) {}
func (nopRecorder) SessionReaped() {}
func (nopRecorder) DispatchFailed(string) {}
func (nopRecorder) ScheduleRegistrationFailed() {}

// SessionSpec is what a session is started from: a stored definition or an
// inline request.
type SessionSpec struct {
	DefinitionID  string                 `json:"definition_id,omitempty"`
	NetworkID     string                 `json:"network_id"`
	DaemonID      string                 `json:"daemon_id"`
	DiscoveryType protocol.DiscoveryType `json:"discovery_type"`
}

// SpecFromDefinition builds a SessionSpec from a stored definition.
func SpecFromDefinition(def definitions.Definition) SessionSpec {
	return SessionSpec{
		DefinitionID:  def.ID,
		NetworkID:     def.NetworkID,
		DaemonID:      def.DaemonID,
		DiscoveryType: def.DiscoveryType,
	}
}

// LastRunStore records when a definition last produced a session.
type LastRunStore interface {
	SetLastRun(ctx context.Context, id string, at time.Time) error
}

// ManagerDeps wires a Manager.
type ManagerDeps struct {
	Registry    *Registry
	Daemons     Directory
	Dispatcher  Dispatcher
	Historian   *Historian
	Definitions LastRunStore
	Bus         *events.Bus
	Metrics     Recorder
	Logger      *zap.Logger
}

// Manager owns session state transitions: start, update, cancel and the pull
// side of dispatch. Dispatch I/O never runs with a registry lock held.
type Manager struct {
	registry   *Registry
	daemons    Directory
	dispatcher Dispatcher
	historian  *Historian
	lastRuns   LastRunStore
	bus        *events.Bus
	metrics    Recorder
	logger     *zap.Logger

	notifyTimeout time.Duration
	now           func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(deps ManagerDeps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus(64)
	}
	return &Manager{
		registry:      registry,
		daemons:       deps.Daemons,
		dispatcher:    deps.Dispatcher,
		historian:     deps.Historian,
		lastRuns:      deps.Definitions,
		bus:           bus,
		metrics:       metrics,
		logger:        logger.Named("discovery"),
		notifyTimeout: 10 * time.Second,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the registry the manager mutates.
func (m *Manager) Registry() *Registry { return m.registry }

// Start creates a Pending session and queues it for the daemon. A push daemon
// with an empty queue gets the request immediately; a failed dispatch leaves the
// session queued.
func (m *Manager) Start(ctx context.Context, spec SessionSpec, actor string) (protocol.DiscoverySession, error) {
	if err := spec.DiscoveryType.Validate(); err != nil {
		return protocol.DiscoverySession{}, err
	}
	if strings.TrimSpace(spec.DaemonID) == "" {
		return protocol.DiscoverySession{}, fmt.Errorf("daemon_id is required")
	}

	d, err := m.daemons.Get(ctx, spec.DaemonID)
	if err != nil {
		if daemons.IsNotFound(err) {
			return protocol.DiscoverySession{}, fmt.Errorf("%w: %s", ErrDaemonNotFound, spec.DaemonID)
		}
		return protocol.DiscoverySession{}, fmt.Errorf("lookup daemon: %w", err)
	}
	networkID := spec.NetworkID
	if networkID == "" {
		networkID = d.NetworkID
	}
	if networkID != d.NetworkID {
		return protocol.DiscoverySession{}, ErrNetworkMismatch
	}

	dt := spec.DiscoveryType
	sess := protocol.DiscoverySession{
		SessionID:     uuid.NewString(),
		DaemonID:      d.ID,
		NetworkID:     networkID,
		DefinitionID:  spec.DefinitionID,
		DiscoveryType: &dt,
		Phase:         protocol.PhasePending,
	}

	ctx, span := telemetry.StartSessionSpan(ctx, "start", sess.SessionID, d.ID)
	defer span.End()

	if err := m.registry.Insert(sess); err != nil {
		return protocol.DiscoverySession{}, err
	}
	wasEmpty := m.registry.Enqueue(d.ID, sess.SessionID)
	m.metrics.SessionStarted()

	m.logger.Info("discovery session queued",
		zap.String("session_id", sess.SessionID),
		zap.String("daemon_id", d.ID),
		zap.String("mode", string(d.Mode)),
		zap.String("discovery_type", dt.String()),
		zap.String("actor", actor),
	)
	m.broadcast(events.SessionUpdated, sess, "session queued")

	if spec.DefinitionID != "" && m.lastRuns != nil {
		if err := m.lastRuns.SetLastRun(ctx, spec.DefinitionID, m.now()); err != nil {
			m.logger.Warn("failed to record definition last run",
				zap.String("definition_id", spec.DefinitionID),
				zap.Error(err),
			)
		}
	}

	if wasEmpty && d.Mode == protocol.ModePush {
		m.dispatchHead(ctx, *d)
	}

	if snap, ok := m.registry.Get(sess.SessionID); ok {
		return snap, nil
	}
	return sess, nil
}

// Update applies a daemon progress update. Unknown sessions are rebuilt from the
// payload and then follow the normal path, including terminal handling.
func (m *Manager) Update(ctx context.Context, upd protocol.DiscoverySession) error {
	if err := upd.Validate(); err != nil {
		return err
	}

	snap, outcome, err := m.registry.Apply(upd)
	if err != nil {
		return err
	}
	if outcome == OutcomeReplayed {
		m.logger.Debug("ignoring update for finished session",
			zap.String("session_id", upd.SessionID),
			zap.String("phase", string(upd.Phase)),
		)
		return nil
	}

	m.registry.Touch(snap.SessionID, m.now())
	if outcome == OutcomeCreated {
		m.logger.Info("discovery session reconstructed from update",
			zap.String("session_id", snap.SessionID),
			zap.String("daemon_id", snap.DaemonID),
			zap.String("phase", string(snap.Phase)),
		)
		if !snap.Phase.IsTerminal() {
			m.registry.EnqueueFront(snap.DaemonID, snap.SessionID)
		}
	}

	m.broadcast(events.SessionUpdated, snap, fmt.Sprintf("session %s (%d%%)", snap.Phase, snap.Progress))

	if snap.Phase.IsTerminal() {
		ctx, span := telemetry.StartSessionSpan(ctx, "finalize", snap.SessionID, snap.DaemonID)
		m.finalize(ctx, snap, true)
		span.End()
	}
	return nil
}

// Cancel stops a session according to its phase.
func (m *Manager) Cancel(ctx context.Context, sessionID, actor string) error {
	snap, ok := m.registry.Get(sessionID)
	if !ok {
		if m.registry.IsTombstoned(sessionID) {
			return nil
		}
		return ErrSessionNotFound
	}

	ctx, span := telemetry.StartSessionSpan(ctx, "cancel", sessionID, snap.DaemonID)
	var spanErr error
	defer func() { telemetry.EndSpan(span, spanErr) }()

	switch {
	case snap.Phase.IsTerminal():
		return nil

	case snap.Phase == protocol.PhasePending:
		cancelled, ok := m.registry.CancelPending(sessionID)
		if !ok {
			spanErr = ErrRetryShortly
			return ErrRetryShortly
		}
		m.metrics.SessionFinished(protocol.PhaseCancelled)
		m.logger.Info("pending discovery session cancelled",
			zap.String("session_id", sessionID),
			zap.String("actor", actor),
		)
		m.broadcast(events.SessionCancelled, cancelled, "session cancelled before dispatch")
		return nil

	case snap.Phase == protocol.PhaseStarting:
		spanErr = ErrRetryShortly
		return ErrRetryShortly
	}

	d, err := m.daemons.Get(ctx, snap.DaemonID)
	if err != nil {
		m.logger.Warn("daemon lookup failed during cancel; failing session locally",
			zap.String("session_id", sessionID),
			zap.String("daemon_id", snap.DaemonID),
			zap.Error(err),
		)
		m.forceTerminal(ctx, sessionID, protocol.PhaseFailed, "daemon unavailable: "+err.Error())
		return nil
	}

	if d.Mode == protocol.ModePull {
		if replaced, overwritten := m.registry.SetCancellation(d.ID, sessionID); overwritten {
			m.logger.Warn("pending cancellation replaced before daemon polled",
				zap.String("daemon_id", d.ID),
				zap.String("replaced_session_id", replaced),
				zap.String("session_id", sessionID),
			)
		}
		m.logger.Info("cancellation queued for pull daemon",
			zap.String("session_id", sessionID),
			zap.String("daemon_id", d.ID),
			zap.String("actor", actor),
		)
		return nil
	}

	if err := m.dispatcher.Cancel(ctx, *d, sessionID); err != nil {
		spanErr = err
		m.metrics.DispatchFailed("cancel")
		m.logger.Warn("daemon unreachable during cancel; failing session locally",
			zap.String("session_id", sessionID),
			zap.String("daemon_id", d.ID),
			zap.Error(err),
		)
		m.forceTerminal(ctx, sessionID, protocol.PhaseFailed, unreachableReason(err))
		return nil
	}
	m.logger.Info("cancellation delivered to push daemon",
		zap.String("session_id", sessionID),
		zap.String("daemon_id", d.ID),
		zap.String("actor", actor),
	)
	return nil
}

// NextWork answers a pull daemon's work poll. The queue head is offered while it
// is Pending or Starting; the cancellation mailbox is drained independently.
func (m *Manager) NextWork(ctx context.Context, daemonID string) protocol.WorkResponse {
	var resp protocol.WorkResponse

	if sid, ok := m.registry.TakeCancellation(daemonID); ok {
		resp.ShouldCancel = true
		resp.CancelSessionID = sid
	}

	head, ok := m.headSession(daemonID)
	if !ok || !head.Phase.IsQueued() {
		return resp
	}
	if head.Phase == protocol.PhasePending {
		starting, ok := m.registry.Transition(head.SessionID, protocol.PhasePending, protocol.PhaseStarting)
		if !ok {
			return resp
		}
		head = starting
		m.registry.Touch(head.SessionID, m.now())
		m.broadcast(events.SessionUpdated, head, "session handed to daemon")
	}
	if head.DiscoveryType == nil {
		return resp
	}
	resp.NextSession = &protocol.DiscoveryRequest{
		SessionID:     head.SessionID,
		DiscoveryType: *head.DiscoveryType,
	}
	return resp
}

// RetryDispatch re-sends the queue head to a push daemon after a failed dispatch.
func (m *Manager) RetryDispatch(ctx context.Context, sessionID string) error {
	snap, ok := m.registry.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if snap.Phase != protocol.PhasePending {
		return fmt.Errorf("session is %s, only pending sessions can be dispatched", snap.Phase)
	}
	if head, ok := m.registry.Head(snap.DaemonID); !ok || head != sessionID {
		return fmt.Errorf("session is not at the head of its daemon queue")
	}
	d, err := m.daemons.Get(ctx, snap.DaemonID)
	if err != nil {
		return fmt.Errorf("lookup daemon: %w", err)
	}
	if d.Mode != protocol.ModePush {
		return fmt.Errorf("daemon %s pulls its work", d.ID)
	}
	if !m.dispatchHead(ctx, *d) {
		return fmt.Errorf("dispatch to daemon %s failed", d.ID)
	}
	return nil
}

// ActiveSessions returns every live session.
func (m *Manager) ActiveSessions() []protocol.DiscoverySession {
	return m.registry.List()
}

// Subscribe streams session and entity events.
func (m *Manager) Subscribe(id string) <-chan events.Event {
	return m.bus.Subscribe(id)
}

// Unsubscribe stops a stream.
func (m *Manager) Unsubscribe(id string) {
	m.bus.Unsubscribe(id)
}

// stallNotice resolves a stall candidate's daemon. A pull daemon gets the
// cancellation in its mailbox right away and mailbox reports whether this call
// put it there; a push daemon is returned so the cancel is sent once the session
// is actually failed.
func (m *Manager) stallNotice(snap protocol.DiscoverySession) (push *daemons.Daemon, mailbox bool) {
	d, err := m.daemons.Get(context.Background(), snap.DaemonID)
	if err != nil {
		return nil, false
	}
	if d.Mode != protocol.ModePull {
		return d, false
	}
	if sid, ok := m.registry.PendingCancellation(d.ID); ok && sid == snap.SessionID {
		return nil, false
	}
	m.registry.SetCancellation(d.ID, snap.SessionID)
	return nil, true
}

// notifyCancel sends a best-effort cancel to a push daemon without waiting for it.
func (m *Manager) notifyCancel(d daemons.Daemon, sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.notifyTimeout)
		defer cancel()
		if err := m.dispatcher.Cancel(ctx, d, sessionID); err != nil {
			m.metrics.DispatchFailed("cancel")
			m.logger.Debug("stall cancellation not delivered",
				zap.String("session_id", sessionID),
				zap.String("daemon_id", d.ID),
				zap.Error(err),
			)
		}
	}()
}

// reapStalled fails a stall candidate unless it reported progress after it was
// picked, then finalizes it like any forced termination.
func (m *Manager) reapStalled(ctx context.Context, c StalledSession, reason string) (protocol.DiscoverySession, bool) {
	snap, ok := m.registry.MarkStalled(c.Session.SessionID, c.Revision, reason)
	if !ok {
		return protocol.DiscoverySession{}, false
	}
	m.broadcast(events.SessionUpdated, snap, reason)
	m.finalize(ctx, snap, false)
	return snap, true
}

// forceTerminal ends a session locally and finalizes it. It reports false when
// another path already finished the session.
func (m *Manager) forceTerminal(ctx context.Context, sessionID string, phase protocol.DiscoveryPhase, reason string) (protocol.DiscoverySession, bool) {
	snap, ok := m.registry.MarkTerminal(sessionID, phase, reason)
	if !ok {
		return protocol.DiscoverySession{}, false
	}
	m.broadcast(events.SessionUpdated, snap, reason)
	m.finalize(ctx, snap, false)
	return snap, true
}

// finalize runs terminal handling once per session: historize, dequeue, promote
// the next session and drop the entry. A daemon that reported the terminal phase
// itself has no use for a pending cancellation, so its mailbox is cleared; a
// forced termination keeps it so a pull daemon still learns to stop.
func (m *Manager) finalize(ctx context.Context, snap protocol.DiscoverySession, reported bool) {
	historized := true
	if m.historian != nil {
		if err := m.historian.Record(ctx, snap); err != nil {
			historized = false
			m.logger.Error("historical record not written; keeping session until eviction",
				zap.String("session_id", snap.SessionID),
				zap.Error(err),
			)
		}
	}

	if reported {
		m.registry.ClearCancellation(snap.DaemonID)
	}
	m.registry.Dequeue(snap.DaemonID, snap.SessionID)
	if historized {
		m.registry.Remove(snap.SessionID)
	}
	m.metrics.SessionFinished(snap.Phase)

	fields := []zap.Field{
		zap.String("session_id", snap.SessionID),
		zap.String("daemon_id", snap.DaemonID),
		zap.String("phase", string(snap.Phase)),
	}
	if snap.Error != "" {
		fields = append(fields, zap.String("error", snap.Error))
	}
	m.logger.Info("discovery session finished", fields...)
	m.broadcast(events.SessionFinished, snap, "session "+string(snap.Phase))

	m.promote(ctx, snap.DaemonID)
}

// promote dispatches the next queued session to a push daemon. Pull daemons
// pick it up on their next poll.
func (m *Manager) promote(ctx context.Context, daemonID string) {
	if _, ok := m.headSession(daemonID); !ok {
		return
	}
	d, err := m.daemons.Get(ctx, daemonID)
	if err != nil {
		m.logger.Warn("cannot promote next session; daemon lookup failed",
			zap.String("daemon_id", daemonID),
			zap.Error(err),
		)
		return
	}
	if d.Mode == protocol.ModePush {
		m.dispatchHead(ctx, *d)
	}
}

// dispatchHead moves a Pending queue head to Starting and pushes it. On failure
// the session goes back to Pending and stays queued.
func (m *Manager) dispatchHead(ctx context.Context, d daemons.Daemon) bool {
	head, ok := m.headSession(d.ID)
	if !ok || head.DiscoveryType == nil {
		return false
	}
	starting, ok := m.registry.Transition(head.SessionID, protocol.PhasePending, protocol.PhaseStarting)
	if !ok {
		return false
	}
	m.registry.Touch(starting.SessionID, m.now())
	m.broadcast(events.SessionUpdated, starting, "session dispatched")

	req := protocol.DiscoveryRequest{SessionID: starting.SessionID, DiscoveryType: *starting.DiscoveryType}
	if err := m.dispatcher.Initiate(ctx, d, req); err != nil {
		m.metrics.DispatchFailed("initiate")
		m.logger.Warn("dispatch to push daemon failed; session stays queued",
			zap.String("session_id", starting.SessionID),
			zap.String("daemon_id", d.ID),
			zap.Error(err),
		)
		if reverted, ok := m.registry.Transition(starting.SessionID, protocol.PhaseStarting, protocol.PhasePending); ok {
			m.broadcast(events.SessionUpdated, reverted, "dispatch failed; session queued")
		}
		return false
	}
	return true
}

// headSession returns the live session at the head of a daemon's queue,
// dropping ids whose sessions are already gone.
func (m *Manager) headSession(daemonID string) (protocol.DiscoverySession, bool) {
	for {
		id, ok := m.registry.Head(daemonID)
		if !ok {
			return protocol.DiscoverySession{}, false
		}
		if snap, ok := m.registry.Get(id); ok {
			return snap, true
		}
		m.registry.Dequeue(daemonID, id)
	}
}

func (m *Manager) broadcast(typ events.EventType, snap protocol.DiscoverySession, summary string) {
	cp := snap.Clone()
	m.bus.Publish(events.Event{
		Type:         typ,
		DaemonID:     snap.DaemonID,
		SessionID:    snap.SessionID,
		DefinitionID: snap.DefinitionID,
		Summary:      summary,
		Session:      &cp,
	})
}
