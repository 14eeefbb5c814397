// Package discovery orchestrates discovery sessions between the server and its daemons:
// the in-memory session registry, the lifecycle manager, push dispatch, the cron
// scheduler and the stale/stalled reaper.
package discovery

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

var (
	ErrSessionNotFound  = errors.New("discovery session not found")
	ErrDuplicateSession = errors.New("discovery session already exists")
	ErrDaemonMismatch   = errors.New("update daemon_id does not match session")
)

// ApplyOutcome says what an update did to the registry.
type ApplyOutcome int

const (
	// OutcomeUpdated replaced an existing session.
	OutcomeUpdated ApplyOutcome = iota
	// OutcomeCreated reconstructed a session the registry did not know.
	OutcomeCreated
	// OutcomeReplayed ignored an update for a finished or historized session.
	OutcomeReplayed
)

type cancellation struct {
	sessionID string
}

// StalledSession is a stall candidate together with the revision it was seen at.
type StalledSession struct {
	Session  protocol.DiscoverySession
	Revision uint64
	Idle     time.Duration
}

// Registry holds live sessions, per-daemon queues, per-daemon cancellation
// mailboxes and per-session last-update times. Each concern has its own lock.
// Apply and Stalled take touchMu while holding sessMu; no other nesting exists.
type Registry struct {
	sessMu     sync.RWMutex
	sessions   map[string]*protocol.DiscoverySession
	revisions  map[string]uint64
	tombstones map[string]time.Time

	queueMu sync.Mutex
	queues  map[string][]string

	cancelMu sync.Mutex
	cancels  map[string]cancellation

	touchMu    sync.Mutex
	lastUpdate map[string]time.Time

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*protocol.DiscoverySession),
		revisions:  make(map[string]uint64),
		tombstones: make(map[string]time.Time),
		queues:     make(map[string][]string),
		cancels:    make(map[string]cancellation),
		lastUpdate: make(map[string]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// --- sessions ---

// Insert adds a new session.
func (r *Registry) Insert(s protocol.DiscoverySession) error {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()

	if _, ok := r.sessions[s.SessionID]; ok {
		return ErrDuplicateSession
	}
	cp := s.Clone()
	r.sessions[s.SessionID] = &cp
	return nil
}

// Get returns a copy of one session.
func (r *Registry) Get(id string) (protocol.DiscoverySession, bool) {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return protocol.DiscoverySession{}, false
	}
	return s.Clone(), true
}

// List returns copies of all sessions, oldest first.
func (r *Registry) List() []protocol.DiscoverySession {
	r.sessMu.RLock()
	out := make([]protocol.DiscoverySession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	r.sessMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		switch {
		case a == nil && b == nil:
			return out[i].SessionID < out[j].SessionID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].SessionID < out[j].SessionID
		default:
			return a.Before(*b)
		}
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	return len(r.sessions)
}

// CountByPhase returns live session counts keyed by phase.
func (r *Registry) CountByPhase() map[protocol.DiscoveryPhase]int {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()

	out := make(map[protocol.DiscoveryPhase]int)
	for _, s := range r.sessions {
		out[s.Phase]++
	}
	return out
}

// IsTombstoned reports whether a session was historized and removed recently.
func (r *Registry) IsTombstoned(id string) bool {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	_, ok := r.tombstones[id]
	return ok
}

// Apply upserts a daemon update. Unknown ids are reconstructed from the payload,
// updates for finished or historized sessions are replays and change nothing.
func (r *Registry) Apply(upd protocol.DiscoverySession) (protocol.DiscoverySession, ApplyOutcome, error) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()

	if _, ok := r.tombstones[upd.SessionID]; ok {
		return protocol.DiscoverySession{}, OutcomeReplayed, nil
	}

	next := upd.Clone()
	outcome := OutcomeCreated
	if existing, ok := r.sessions[upd.SessionID]; ok {
		if existing.DaemonID != upd.DaemonID {
			return protocol.DiscoverySession{}, OutcomeReplayed, ErrDaemonMismatch
		}
		if existing.Phase.IsTerminal() {
			return existing.Clone(), OutcomeReplayed, nil
		}
		outcome = OutcomeUpdated
		if next.DefinitionID == "" {
			next.DefinitionID = existing.DefinitionID
		}
		if next.DiscoveryType == nil && existing.DiscoveryType != nil {
			dt := *existing.DiscoveryType
			dt.Subnets = append([]string(nil), existing.DiscoveryType.Subnets...)
			next.DiscoveryType = &dt
		}
		if next.StartedAt == nil && existing.StartedAt != nil {
			ts := *existing.StartedAt
			next.StartedAt = &ts
		}
		next.NetworkID = existing.NetworkID
	}

	now := r.now()
	if next.Phase.IsTerminal() {
		if next.FinishedAt == nil {
			next.FinishedAt = &now
		}
	} else {
		next.FinishedAt = nil
	}
	if next.StartedAt == nil && !next.Phase.IsQueued() {
		next.StartedAt = &now
	}

	r.sessions[upd.SessionID] = &next
	r.revisions[upd.SessionID]++
	r.Touch(upd.SessionID, now)
	return next.Clone(), outcome, nil
}

// Transition moves a session from one phase to another if it is still in from.
func (r *Registry) Transition(id string, from, to protocol.DiscoveryPhase) (protocol.DiscoverySession, bool) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Phase != from {
		return protocol.DiscoverySession{}, false
	}
	s.Phase = to
	return s.Clone(), true
}

// MarkTerminal forces a live, non-terminal session into a terminal phase. Only
// the first caller for a session wins, so finalization runs exactly once.
func (r *Registry) MarkTerminal(id string, phase protocol.DiscoveryPhase, errMsg string) (protocol.DiscoverySession, bool) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Phase.IsTerminal() {
		return protocol.DiscoverySession{}, false
	}
	now := r.now()
	s.Phase = phase
	s.FinishedAt = &now
	if errMsg != "" {
		s.Error = errMsg
	}
	return s.Clone(), true
}

// MarkStalled fails a session the way MarkTerminal does, but only if no update
// has been applied since Stalled reported it at revision.
func (r *Registry) MarkStalled(id string, revision uint64, errMsg string) (protocol.DiscoverySession, bool) {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Phase.IsTerminal() || r.revisions[id] != revision {
		return protocol.DiscoverySession{}, false
	}
	now := r.now()
	s.Phase = protocol.PhaseFailed
	s.FinishedAt = &now
	s.Error = errMsg
	return s.Clone(), true
}

// CancelPending removes a session that is still Pending and returns its
// Cancelled snapshot. It fails if the session has moved on.
func (r *Registry) CancelPending(id string) (protocol.DiscoverySession, bool) {
	r.sessMu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.Phase != protocol.PhasePending {
		r.sessMu.Unlock()
		return protocol.DiscoverySession{}, false
	}
	now := r.now()
	s.Phase = protocol.PhaseCancelled
	s.FinishedAt = &now
	out := s.Clone()
	delete(r.sessions, id)
	delete(r.revisions, id)
	r.tombstones[id] = now
	r.sessMu.Unlock()

	r.Dequeue(out.DaemonID, id)
	r.forgetTouch(id)
	return out, true
}

// Remove drops a session and remembers its id so late replays are ignored.
func (r *Registry) Remove(id string) {
	r.sessMu.Lock()
	delete(r.sessions, id)
	delete(r.revisions, id)
	r.tombstones[id] = r.now()
	r.sessMu.Unlock()

	r.forgetTouch(id)
}

// RemoveFinishedBefore evicts terminal sessions that finished before cutoff and
// prunes tombstones older than cutoff. It returns the evicted ids.
func (r *Registry) RemoveFinishedBefore(cutoff time.Time) []string {
	type evicted struct{ id, daemonID string }
	var gone []evicted

	r.sessMu.Lock()
	for id, s := range r.sessions {
		if s.Phase.IsTerminal() && s.FinishedAt != nil && s.FinishedAt.Before(cutoff) {
			gone = append(gone, evicted{id: id, daemonID: s.DaemonID})
			delete(r.sessions, id)
			delete(r.revisions, id)
		}
	}
	for id, at := range r.tombstones {
		if at.Before(cutoff) {
			delete(r.tombstones, id)
		}
	}
	r.sessMu.Unlock()

	ids := make([]string, 0, len(gone))
	for _, g := range gone {
		r.Dequeue(g.daemonID, g.id)
		r.forgetTouch(g.id)
		ids = append(ids, g.id)
	}
	sort.Strings(ids)
	return ids
}

// Stalled returns sessions in Starting, Started or Scanning whose last update
// (or start time if never updated) is older than threshold.
func (r *Registry) Stalled(now time.Time, threshold time.Duration) []StalledSession {
	r.sessMu.RLock()
	out := make([]StalledSession, 0)
	for id, s := range r.sessions {
		if s.Phase != protocol.PhaseStarting && !s.Phase.IsActive() {
			continue
		}
		last, ok := r.LastUpdate(id)
		if !ok {
			if s.StartedAt == nil {
				continue
			}
			last = *s.StartedAt
		}
		if idle := now.Sub(last); idle > threshold {
			out = append(out, StalledSession{Session: s.Clone(), Revision: r.revisions[id], Idle: idle})
		}
	}
	r.sessMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Session.SessionID < out[j].Session.SessionID })
	return out
}

// --- queues ---

// Enqueue appends a session to a daemon's queue and reports whether the queue
// was empty beforehand.
func (r *Registry) Enqueue(daemonID, sessionID string) bool {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	q := r.queues[daemonID]
	wasEmpty := len(q) == 0
	r.queues[daemonID] = append(q, sessionID)
	return wasEmpty
}

// EnqueueFront puts a session at the head of a daemon's queue unless it is
// already queued.
func (r *Registry) EnqueueFront(daemonID, sessionID string) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	q := r.queues[daemonID]
	for _, id := range q {
		if id == sessionID {
			return
		}
	}
	r.queues[daemonID] = append([]string{sessionID}, q...)
}

// Dequeue removes a session from a daemon's queue wherever it sits.
func (r *Registry) Dequeue(daemonID, sessionID string) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	q := r.queues[daemonID]
	for i, id := range q {
		if id == sessionID {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(r.queues, daemonID)
		return
	}
	r.queues[daemonID] = q
}

// Head returns the first queued session id for a daemon.
func (r *Registry) Head(daemonID string) (string, bool) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	q := r.queues[daemonID]
	if len(q) == 0 {
		return "", false
	}
	return q[0], true
}

// Queue returns a copy of a daemon's queue.
func (r *Registry) Queue(daemonID string) []string {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return append([]string(nil), r.queues[daemonID]...)
}

// --- cancellation mailbox ---

// SetCancellation records a pending cancellation for a pull daemon. The slot
// holds one session; a second request replaces the first and reports the
// replaced id.
func (r *Registry) SetCancellation(daemonID, sessionID string) (replaced string, overwritten bool) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()

	prev, ok := r.cancels[daemonID]
	r.cancels[daemonID] = cancellation{sessionID: sessionID}
	if ok && prev.sessionID != sessionID {
		return prev.sessionID, true
	}
	return "", false
}

// TakeCancellation drains a daemon's mailbox.
func (r *Registry) TakeCancellation(daemonID string) (string, bool) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()

	c, ok := r.cancels[daemonID]
	if !ok {
		return "", false
	}
	delete(r.cancels, daemonID)
	return c.sessionID, true
}

// PendingCancellation peeks at a daemon's mailbox without draining it.
func (r *Registry) PendingCancellation(daemonID string) (string, bool) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	c, ok := r.cancels[daemonID]
	return c.sessionID, ok
}

// WithdrawCancellation empties a daemon's mailbox only if it still holds sessionID.
func (r *Registry) WithdrawCancellation(daemonID, sessionID string) bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if c, ok := r.cancels[daemonID]; ok && c.sessionID == sessionID {
		delete(r.cancels, daemonID)
		return true
	}
	return false
}

// ClearCancellation empties a daemon's mailbox.
func (r *Registry) ClearCancellation(daemonID string) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	delete(r.cancels, daemonID)
}

// --- last update ---

// Touch records that a session made progress at t.
func (r *Registry) Touch(id string, t time.Time) {
	r.touchMu.Lock()
	defer r.touchMu.Unlock()
	r.lastUpdate[id] = t
}

// LastUpdate returns when a session last made progress.
func (r *Registry) LastUpdate(id string) (time.Time, bool) {
	r.touchMu.Lock()
	defer r.touchMu.Unlock()
	t, ok := r.lastUpdate[id]
	return t, ok
}

func (r *Registry) forgetTouch(id string) {
	r.touchMu.Lock()
	defer r.touchMu.Unlock()
	delete(r.lastUpdate, id)
}
