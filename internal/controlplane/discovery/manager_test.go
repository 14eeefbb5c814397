package discovery

import (
	"context"
	"database/sql"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/marcus-qen/scanfleet/internal/controlplane/daemons"
	"github.com/marcus-qen/scanfleet/internal/controlplane/definitions"
	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

type fakeDirectory struct {
	mu      sync.Mutex
	daemons map[string]daemons.Daemon
	// onGet runs before each lookup, outside the lock.
	onGet func(id string)
}

func (f *fakeDirectory) Get(_ context.Context, id string) (*daemons.Daemon, error) {
	if f.onGet != nil {
		f.onGet(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.daemons[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &d, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	initiateFn func(d daemons.Daemon, req protocol.DiscoveryRequest) error
	cancelFn   func(d daemons.Daemon, sessionID string) error
	initiated  []string
	cancelled  []string
}

func (f *fakeDispatcher) Initiate(_ context.Context, d daemons.Daemon, req protocol.DiscoveryRequest) error {
	f.mu.Lock()
	f.initiated = append(f.initiated, req.SessionID)
	fn := f.initiateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(d, req)
	}
	return nil
}

func (f *fakeDispatcher) Cancel(_ context.Context, d daemons.Daemon, sessionID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, sessionID)
	fn := f.cancelFn
	f.mu.Unlock()
	if fn != nil {
		return fn(d, sessionID)
	}
	return nil
}

func (f *fakeDispatcher) calls() (initiated, cancelled []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.initiated...), append([]string(nil), f.cancelled...)
}

type fakeRecorder struct {
	mu             sync.Mutex
	started        int
	finished       map[protocol.DiscoveryPhase]int
	reaped         int
	dispatchFailed map[string]int
	scheduleFailed int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		finished:       make(map[protocol.DiscoveryPhase]int),
		dispatchFailed: make(map[string]int),
	}
}

func (r *fakeRecorder) SessionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *fakeRecorder) SessionFinished(p protocol.DiscoveryPhase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[p]++
}

func (r *fakeRecorder) SessionReaped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reaped++
}

func (r *fakeRecorder) DispatchFailed(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchFailed[op]++
}

func (r *fakeRecorder) ScheduleRegistrationFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleFailed++
}

type harness struct {
	mgr     *Manager
	reg     *Registry
	dir     *fakeDirectory
	disp    *fakeDispatcher
	defs    *definitions.Store
	bus     *events.Bus
	metrics *fakeRecorder
}

func newHarness(t *testing.T, ds ...daemons.Daemon) *harness {
	t.Helper()
	defs, err := definitions.NewStore(filepath.Join(t.TempDir(), "definitions.db"))
	if err != nil {
		t.Fatalf("new definitions store: %v", err)
	}
	t.Cleanup(func() { _ = defs.Close() })

	dir := &fakeDirectory{daemons: make(map[string]daemons.Daemon)}
	for _, d := range ds {
		dir.daemons[d.ID] = d
	}
	h := &harness{
		reg:     NewRegistry(),
		dir:     dir,
		disp:    &fakeDispatcher{},
		defs:    defs,
		bus:     events.NewBus(256),
		metrics: newFakeRecorder(),
	}
	h.mgr = NewManager(ManagerDeps{
		Registry:    h.reg,
		Daemons:     dir,
		Dispatcher:  h.disp,
		Historian:   NewHistorian(defs, h.bus, nil),
		Definitions: defs,
		Bus:         h.bus,
		Metrics:     h.metrics,
	})
	return h
}

func pullDaemon(id string) daemons.Daemon {
	return daemons.Daemon{ID: id, NetworkID: "net-1", Name: id, Mode: protocol.ModePull}
}

func pushDaemon(id string) daemons.Daemon {
	return daemons.Daemon{ID: id, NetworkID: "net-1", Name: id, Mode: protocol.ModePush, URL: "http://" + id + ":60073"}
}

func networkSpec(daemonID string) SessionSpec {
	return SessionSpec{
		NetworkID:     "net-1",
		DaemonID:      daemonID,
		DiscoveryType: protocol.DiscoveryType{Kind: protocol.KindNetwork, Subnets: []string{"10.0.0.0/24"}},
	}
}

func (h *harness) start(t *testing.T, daemonID string) protocol.DiscoverySession {
	t.Helper()
	sess, err := h.mgr.Start(context.Background(), networkSpec(daemonID), "test")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return sess
}

func (h *harness) update(t *testing.T, sess protocol.DiscoverySession, phase protocol.DiscoveryPhase, progress int) {
	t.Helper()
	err := h.mgr.Update(context.Background(), protocol.DiscoverySession{
		SessionID:     sess.SessionID,
		DaemonID:      sess.DaemonID,
		NetworkID:     sess.NetworkID,
		DiscoveryType: sess.DiscoveryType,
		Phase:         phase,
		Progress:      progress,
	})
	if err != nil {
		t.Fatalf("update %s -> %s: %v", sess.SessionID, phase, err)
	}
}

func (h *harness) historical(t *testing.T) []definitions.Definition {
	t.Helper()
	defs, err := h.defs.List(context.Background(), definitions.ListFilter{Kind: definitions.RunKindHistorical})
	if err != nil {
		t.Fatalf("list historical: %v", err)
	}
	return defs
}

func (h *harness) phase(t *testing.T, id string) protocol.DiscoveryPhase {
	t.Helper()
	s, ok := h.reg.Get(id)
	if !ok {
		t.Fatalf("session %s not in registry", id)
	}
	return s.Phase
}

// assertOneExecuting fails if more than one session of a daemon is past Pending
// and not yet finished.
func (h *harness) assertOneExecuting(t *testing.T, daemonID string) {
	t.Helper()
	n := 0
	for _, s := range h.reg.List() {
		if s.DaemonID == daemonID && s.Phase != protocol.PhasePending && !s.Phase.IsTerminal() {
			n++
		}
	}
	if n > 1 {
		t.Fatalf("daemon %s has %d executing sessions", daemonID, n)
	}
}

func TestStartPullQueuesWithoutDispatch(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))

	sess := h.start(t, "a")
	if sess.Phase != protocol.PhasePending {
		t.Fatalf("phase = %s, want pending", sess.Phase)
	}
	if q := h.reg.Queue("a"); len(q) != 1 || q[0] != sess.SessionID {
		t.Fatalf("queue = %v", q)
	}
	if initiated, _ := h.disp.calls(); len(initiated) != 0 {
		t.Fatalf("pull daemon must not be dispatched to, got %v", initiated)
	}
}

func TestStartRejectsUnknownDaemonAndForeignNetwork(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))

	if _, err := h.mgr.Start(context.Background(), networkSpec("missing"), "test"); !errors.Is(err, ErrDaemonNotFound) {
		t.Fatalf("expected ErrDaemonNotFound, got %v", err)
	}
	spec := networkSpec("a")
	spec.NetworkID = "net-2"
	if _, err := h.mgr.Start(context.Background(), spec, "test"); !errors.Is(err, ErrNetworkMismatch) {
		t.Fatalf("expected ErrNetworkMismatch, got %v", err)
	}
	spec = networkSpec("a")
	spec.DiscoveryType.Subnets = []string{"not-a-cidr"}
	if _, err := h.mgr.Start(context.Background(), spec, "test"); err == nil {
		t.Fatal("expected validation error for bad subnet")
	}
	if h.reg.Len() != 0 {
		t.Fatalf("rejected starts left %d sessions", h.reg.Len())
	}
}

func TestStartPushDispatchesOnlyQueueHead(t *testing.T) {
	h := newHarness(t, pushDaemon("b"))

	first := h.start(t, "b")
	second := h.start(t, "b")

	if first.Phase != protocol.PhaseStarting {
		t.Fatalf("first phase = %s, want starting", first.Phase)
	}
	if second.Phase != protocol.PhasePending {
		t.Fatalf("second phase = %s, want pending", second.Phase)
	}
	initiated, _ := h.disp.calls()
	if len(initiated) != 1 || initiated[0] != first.SessionID {
		t.Fatalf("initiated = %v, want [%s]", initiated, first.SessionID)
	}
	h.assertOneExecuting(t, "b")
}

func TestStartPushDispatchFailureLeavesSessionQueued(t *testing.T) {
	h := newHarness(t, pushDaemon("b"))
	h.disp.initiateFn = func(daemons.Daemon, protocol.DiscoveryRequest) error {
		return errors.New("connection refused")
	}

	sess := h.start(t, "b")
	if sess.Phase != protocol.PhasePending {
		t.Fatalf("phase = %s, want pending after failed dispatch", sess.Phase)
	}
	if q := h.reg.Queue("b"); len(q) != 1 {
		t.Fatalf("session should stay queued, queue = %v", q)
	}
	if h.metrics.dispatchFailed["initiate"] != 1 {
		t.Fatalf("dispatch failure not recorded: %v", h.metrics.dispatchFailed)
	}

	h.disp.initiateFn = nil
	if err := h.mgr.RetryDispatch(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("retry dispatch: %v", err)
	}
	if got := h.phase(t, sess.SessionID); got != protocol.PhaseStarting {
		t.Fatalf("phase after retry = %s, want starting", got)
	}
}

func TestTerminalUpdateIsIdempotent(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))
	sess := h.start(t, "a")
	h.mgr.NextWork(context.Background(), "a")
	h.update(t, sess, protocol.PhaseScanning, 50)

	for i := 0; i < 2; i++ {
		h.update(t, sess, protocol.PhaseComplete, 100)
		if h.reg.Len() != 0 {
			t.Fatalf("replay %d: registry has %d sessions", i, h.reg.Len())
		}
		if got := len(h.historical(t)); got != 1 {
			t.Fatalf("replay %d: %d historical records, want 1", i, got)
		}
	}
	if h.metrics.finished[protocol.PhaseComplete] != 1 {
		t.Fatalf("finish counted %d times", h.metrics.finished[protocol.PhaseComplete])
	}
}

func TestTerminalUpdatePromotesNextPushSession(t *testing.T) {
	h := newHarness(t, pushDaemon("b"))
	first := h.start(t, "b")
	second := h.start(t, "b")
	third := h.start(t, "b")

	h.update(t, first, protocol.PhaseStarted, 0)
	h.assertOneExecuting(t, "b")
	h.update(t, first, protocol.PhaseScanning, 60)
	h.assertOneExecuting(t, "b")
	h.update(t, first, protocol.PhaseFailed, 60)
	h.assertOneExecuting(t, "b")

	if got := h.phase(t, second.SessionID); got != protocol.PhaseStarting {
		t.Fatalf("second phase = %s, want starting", got)
	}
	if got := h.phase(t, third.SessionID); got != protocol.PhasePending {
		t.Fatalf("third phase = %s, want pending", got)
	}
	initiated, _ := h.disp.calls()
	if len(initiated) != 2 || initiated[1] != second.SessionID {
		t.Fatalf("initiated = %v", initiated)
	}
	if q := h.reg.Queue("b"); len(q) != 2 || q[0] != second.SessionID {
		t.Fatalf("queue = %v", q)
	}
}

func TestTerminalUpdateLeavesNextPullSessionForPoll(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))
	first := h.start(t, "a")
	second := h.start(t, "a")

	work := h.mgr.NextWork(context.Background(), "a")
	if work.NextSession == nil || work.NextSession.SessionID != first.SessionID {
		t.Fatalf("first poll = %+v", work)
	}
	h.update(t, first, protocol.PhaseComplete, 100)

	if got := h.phase(t, second.SessionID); got != protocol.PhasePending {
		t.Fatalf("second phase = %s, want pending until polled", got)
	}
	work = h.mgr.NextWork(context.Background(), "a")
	if work.NextSession == nil || work.NextSession.SessionID != second.SessionID {
		t.Fatalf("second poll = %+v", work)
	}
}

func TestNextWorkReoffersStartingSession(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))
	sess := h.start(t, "a")

	for i := 0; i < 2; i++ {
		work := h.mgr.NextWork(context.Background(), "a")
		if work.NextSession == nil || work.NextSession.SessionID != sess.SessionID {
			t.Fatalf("poll %d: %+v", i, work)
		}
	}
	h.update(t, sess, protocol.PhaseStarted, 0)
	if work := h.mgr.NextWork(context.Background(), "a"); work.NextSession != nil {
		t.Fatalf("active session must not be offered again: %+v", work)
	}
}

func TestCancelPendingSkipsDispatch(t *testing.T) {
	h := newHarness(t, pushDaemon("b"))
	ch := h.bus.Subscribe("test")
	h.start(t, "b")
	queued := h.start(t, "b")

	if err := h.mgr.Cancel(context.Background(), queued.SessionID, "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, cancelled := h.disp.calls(); len(cancelled) != 0 {
		t.Fatalf("pending cancel contacted daemon: %v", cancelled)
	}
	if _, ok := h.reg.Get(queued.SessionID); ok {
		t.Fatal("cancelled session still in registry")
	}
	if q := h.reg.Queue("b"); len(q) != 1 {
		t.Fatalf("queue = %v", q)
	}

	found := false
	for len(ch) > 0 {
		evt := <-ch
		if evt.Type == events.SessionCancelled && evt.SessionID == queued.SessionID {
			if evt.Session == nil || evt.Session.Phase != protocol.PhaseCancelled {
				t.Fatalf("cancel event snapshot = %+v", evt.Session)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("no cancelled snapshot broadcast")
	}

	if err := h.mgr.Cancel(context.Background(), queued.SessionID, "operator"); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
}

func TestCancelStartingAsksToRetry(t *testing.T) {
	h := newHarness(t, pushDaemon("b"))
	sess := h.start(t, "b")

	if err := h.mgr.Cancel(context.Background(), sess.SessionID, "operator"); !errors.Is(err, ErrRetryShortly) {
		t.Fatalf("expected ErrRetryShortly, got %v", err)
	}
	if err := h.mgr.Cancel(context.Background(), "unknown", "operator"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCancelActivePullUsesMailbox(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))
	sess := h.start(t, "a")
	h.mgr.NextWork(context.Background(), "a")
	h.update(t, sess, protocol.PhaseScanning, 20)

	if err := h.mgr.Cancel(context.Background(), sess.SessionID, "operator"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := h.phase(t, sess.SessionID); got != protocol.PhaseScanning {
		t.Fatalf("phase = %s, pull cancel should wait for the daemon", got)
	}

	work := h.mgr.NextWork(context.Background(), "a")
	if !work.ShouldCancel || work.CancelSessionID != sess.SessionID {
		t.Fatalf("work = %+v, want should_cancel for %s", work, sess.SessionID)
	}
	if again := h.mgr.NextWork(context.Background(), "a"); again.ShouldCancel {
		t.Fatal("mailbox should drain after one poll")
	}

	h.update(t, sess, protocol.PhaseCancelled, 20)
	if h.reg.Len() != 0 {
		t.Fatalf("registry len = %d", h.reg.Len())
	}
}

func TestUpdateReconstructsUnknownSession(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))
	ghost := protocol.DiscoverySession{
		SessionID:     "ghost-1",
		DaemonID:      "a",
		NetworkID:     "net-1",
		DiscoveryType: networkType(),
		Phase:         protocol.PhaseScanning,
		Progress:      70,
	}
	if err := h.mgr.Update(context.Background(), ghost); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got, ok := h.reg.Get("ghost-1"); !ok || got.Progress != 70 {
		t.Fatalf("session not reconstructed: %+v", got)
	}
	if head, _ := h.reg.Head("a"); head != "ghost-1" {
		t.Fatalf("reconstructed session should head the queue, head = %q", head)
	}

	ghost.Phase = protocol.PhaseComplete
	ghost.Progress = 100
	if err := h.mgr.Update(context.Background(), ghost); err != nil {
		t.Fatalf("terminal update: %v", err)
	}
	hist := h.historical(t)
	if len(hist) != 1 || hist[0].ID != "ghost-1" {
		t.Fatalf("historical = %+v", hist)
	}
	if h.reg.Len() != 0 || len(h.reg.Queue("a")) != 0 {
		t.Fatal("reconstructed session not cleaned up")
	}
}

func TestUpdateUnknownTerminalSessionIsHistorized(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))
	err := h.mgr.Update(context.Background(), protocol.DiscoverySession{
		SessionID:     "late-1",
		DaemonID:      "a",
		NetworkID:     "net-1",
		DiscoveryType: networkType(),
		Phase:         protocol.PhaseFailed,
		Error:         "scan crashed",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	hist := h.historical(t)
	if len(hist) != 1 || hist[0].RunType.Results == nil || hist[0].RunType.Results.Error != "scan crashed" {
		t.Fatalf("historical = %+v", hist)
	}
}

func TestUpdateRejectsDaemonMismatch(t *testing.T) {
	h := newHarness(t, pullDaemon("a"), pullDaemon("c"))
	sess := h.start(t, "a")
	err := h.mgr.Update(context.Background(), protocol.DiscoverySession{
		SessionID: sess.SessionID,
		DaemonID:  "c",
		NetworkID: "net-1",
		Phase:     protocol.PhaseComplete,
	})
	if !errors.Is(err, ErrDaemonMismatch) {
		t.Fatalf("expected ErrDaemonMismatch, got %v", err)
	}
}

func TestFailedHistorizeKeepsSessionForEviction(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))
	ghost := protocol.DiscoverySession{
		SessionID: "untyped-1",
		DaemonID:  "a",
		NetworkID: "net-1",
		Phase:     protocol.PhaseComplete,
	}
	if err := h.mgr.Update(context.Background(), ghost); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, ok := h.reg.Get("untyped-1")
	if !ok || got.Phase != protocol.PhaseComplete {
		t.Fatalf("session should remain until eviction: %+v ok=%v", got, ok)
	}
	if len(h.reg.Queue("a")) != 0 {
		t.Fatal("finished session must leave the queue")
	}
}

func TestStartRecordsDefinitionLastRun(t *testing.T) {
	h := newHarness(t, pullDaemon("a"))
	def, err := h.defs.Create(context.Background(), definitions.Definition{
		Name:          "office lan",
		NetworkID:     "net-1",
		DaemonID:      "a",
		DiscoveryType: *networkType(),
		RunType:       definitions.RunType{Kind: definitions.RunKindAdHoc},
	})
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}

	sess, err := h.mgr.Start(context.Background(), SpecFromDefinition(*def), "test")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.DefinitionID != def.ID {
		t.Fatalf("definition id = %q", sess.DefinitionID)
	}
	got, err := h.defs.Get(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	if got.RunType.LastRun == nil {
		t.Fatal("last_run not recorded")
	}
}

// Daemon A pulls. The scheduler fires, A polls, reports progress, then completes.
func TestScenarioPullDaemonScheduledRun(t *testing.T) {
	h := newHarness(t, pullDaemon("daemon-a"))
	ctx := context.Background()

	def, err := h.defs.Create(ctx, definitions.Definition{
		Name:          "nightly",
		NetworkID:     "net-1",
		DaemonID:      "daemon-a",
		DiscoveryType: *networkType(),
		RunType:       definitions.RunType{Kind: definitions.RunKindScheduled, Cron: "@every 1h", Enabled: true},
	})
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}
	sched := NewScheduler(nil, h.defs, h.mgr, h.bus, h.metrics, nil)
	sched.fire(def.ID)

	sessions := h.mgr.ActiveSessions()
	if len(sessions) != 1 || sessions[0].Phase != protocol.PhasePending {
		t.Fatalf("sessions after fire = %+v", sessions)
	}
	s1 := sessions[0]
	if s1.DefinitionID != def.ID {
		t.Fatalf("session definition = %q", s1.DefinitionID)
	}

	work := h.mgr.NextWork(ctx, "daemon-a")
	if work.NextSession == nil || work.NextSession.SessionID != s1.SessionID {
		t.Fatalf("request-work = %+v", work)
	}

	h.update(t, s1, protocol.PhaseScanning, 40)
	if got, _ := h.reg.Get(s1.SessionID); got.Progress != 40 || got.Phase != protocol.PhaseScanning {
		t.Fatalf("registry = %+v", got)
	}
	if h.reg.Len() != 1 {
		t.Fatalf("progress update queued new sessions: len=%d", h.reg.Len())
	}

	h.update(t, s1, protocol.PhaseComplete, 100)
	hist := h.historical(t)
	if len(hist) != 1 {
		t.Fatalf("historical = %+v", hist)
	}
	if hist[0].RunType.Kind != definitions.RunKindHistorical || hist[0].RunType.Results.SessionID != s1.SessionID {
		t.Fatalf("historical record = %+v", hist[0])
	}
	if !strings.HasPrefix(hist[0].Name, "nightly") {
		t.Fatalf("historical name = %q", hist[0].Name)
	}
	if len(h.reg.Queue("daemon-a")) != 0 || h.reg.Len() != 0 {
		t.Fatal("session not removed from queue and registry")
	}
}

// Daemon B pushes but is offline when the operator cancels a scanning session.
func TestScenarioPushDaemonOfflineCancel(t *testing.T) {
	h := newHarness(t, pushDaemon("daemon-b"))
	ctx := context.Background()

	s2 := h.start(t, "daemon-b")
	h.update(t, s2, protocol.PhaseScanning, 30)

	offline := httptest.NewServer(nil)
	offlineURL := offline.URL
	offline.Close()
	live := NewHTTPDispatcher(nil)
	h.disp.cancelFn = func(d daemons.Daemon, sessionID string) error {
		d.URL = offlineURL
		return live.Cancel(ctx, d, sessionID)
	}

	if err := h.mgr.Cancel(ctx, s2.SessionID, "operator"); err != nil {
		t.Fatalf("cancel should resolve locally, got %v", err)
	}

	hist := h.historical(t)
	if len(hist) != 1 {
		t.Fatalf("historical = %+v", hist)
	}
	res := hist[0].RunType.Results
	if res.Phase != protocol.PhaseFailed || !strings.Contains(res.Error, "unreachable") {
		t.Fatalf("historical results = %+v", res)
	}
	if h.reg.Len() != 0 {
		t.Fatalf("registry len = %d", h.reg.Len())
	}

	if err := h.mgr.Cancel(ctx, s2.SessionID, "operator"); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
	if _, cancelled := h.disp.calls(); len(cancelled) != 1 {
		t.Fatalf("second cancel contacted daemon: %v", cancelled)
	}
}
