package discovery

import (
	"context"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marcus-qen/scanfleet/internal/controlplane/definitions"
	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) ofType(typ events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, evt := range p.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

type fakeStarter struct {
	mu    sync.Mutex
	specs []SessionSpec
	err   error
}

func (f *fakeStarter) Start(_ context.Context, spec SessionSpec, actor string) (protocol.DiscoverySession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return protocol.DiscoverySession{}, f.err
	}
	f.specs = append(f.specs, spec)
	return protocol.DiscoverySession{SessionID: "s-" + spec.DefinitionID, DaemonID: spec.DaemonID}, nil
}

func scheduledDef(t *testing.T, store *definitions.Store, name, cronExpr string, enabled bool) *definitions.Definition {
	t.Helper()
	def, err := store.Create(context.Background(), definitions.Definition{
		Name:          name,
		NetworkID:     "net-1",
		DaemonID:      "a",
		DiscoveryType: *networkType(),
		RunType:       definitions.RunType{Kind: definitions.RunKindScheduled, Cron: cronExpr, Enabled: enabled},
	})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return def
}

func TestSchedulerValidate(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil, nil, nil)
	for _, expr := range []string{"*/5 * * * *", "0 */5 * * * *", "@hourly", "@every 90s"} {
		if err := s.Validate(expr); err != nil {
			t.Errorf("Validate(%q) = %v", expr, err)
		}
	}
	for _, expr := range []string{"", "bogus", "61 * * * *"} {
		if err := s.Validate(expr); err == nil {
			t.Errorf("Validate(%q) should fail", expr)
		}
	}
}

func TestSchedulerRegistrationFailureDisablesDefinition(t *testing.T) {
	h := newHarness(t)
	pub := &recordingPublisher{}
	s := NewScheduler(nil, h.defs, &fakeStarter{}, pub, h.metrics, nil)

	def := scheduledDef(t, h.defs, "broken", "every tuesday", true)
	if err := s.Schedule(*def); err == nil {
		t.Fatal("expected registration error")
	}
	if s.Scheduled(def.ID) {
		t.Fatal("broken definition should not be scheduled")
	}

	got, err := h.defs.Get(context.Background(), def.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunType.Enabled {
		t.Fatal("definition should be persisted disabled")
	}
	if h.metrics.scheduleFailed != 1 {
		t.Fatalf("schedule failure metric = %d", h.metrics.scheduleFailed)
	}
	if evts := pub.ofType(events.ScheduleRegFailed); len(evts) != 1 || evts[0].DefinitionID != def.ID {
		t.Fatalf("registration failure events = %+v", evts)
	}
}

func TestSchedulerScheduleAndReschedule(t *testing.T) {
	h := newHarness(t)
	s := NewScheduler(nil, h.defs, &fakeStarter{}, nil, nil, nil)

	def := scheduledDef(t, h.defs, "hourly", "@hourly", true)
	if err := s.Schedule(*def); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !s.Scheduled(def.ID) {
		t.Fatal("definition should be scheduled")
	}
	if _, ok := s.Next(def.ID); !ok {
		t.Fatal("expected a next fire time")
	}

	def.RunType.Cron = "*/10 * * * *"
	if err := s.Schedule(*def); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Fatalf("reschedule left %d entries, want 1", n)
	}

	def.RunType.Enabled = false
	if err := s.Schedule(*def); err != nil {
		t.Fatalf("schedule disabled: %v", err)
	}
	if s.Scheduled(def.ID) {
		t.Fatal("disabled definition should be unscheduled")
	}
}

func TestSchedulerLoad(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewScheduler(nil, h.defs, &fakeStarter{}, nil, h.metrics, zap.New(core))

	ok1 := scheduledDef(t, h.defs, "one", "@hourly", true)
	ok2 := scheduledDef(t, h.defs, "two", "0 3 * * *", true)
	off := scheduledDef(t, h.defs, "off", "@daily", false)
	bad := scheduledDef(t, h.defs, "bad", "nope", true)
	bad2 := scheduledDef(t, h.defs, "bad2", "also nope", true)
	if _, err := h.defs.Create(context.Background(), definitions.Definition{
		Name:          "adhoc",
		NetworkID:     "net-1",
		DaemonID:      "a",
		DiscoveryType: *networkType(),
		RunType:       definitions.RunType{Kind: definitions.RunKindAdHoc},
	}); err != nil {
		t.Fatalf("create adhoc: %v", err)
	}

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, def := range []*definitions.Definition{ok1, ok2} {
		if !s.Scheduled(def.ID) {
			t.Errorf("%s should be scheduled", def.Name)
		}
	}
	for _, def := range []*definitions.Definition{off, bad, bad2} {
		if s.Scheduled(def.ID) {
			t.Errorf("%s should not be scheduled", def.Name)
		}
	}
	got, err := h.defs.Get(context.Background(), bad.ID)
	if err != nil {
		t.Fatalf("get bad: %v", err)
	}
	if got.RunType.Enabled {
		t.Fatal("bad definition should be disabled after load")
	}
	if h.metrics.scheduleFailed != 2 {
		t.Fatalf("schedule failure metric = %d, want 2", h.metrics.scheduleFailed)
	}

	if n := logs.FilterMessage("schedule registration failed; disabling definition").Len(); n != 0 {
		t.Fatalf("startup failures logged one line each (%d lines)", n)
	}
	var summaries []observer.LoggedEntry
	for _, entry := range logs.All() {
		if strings.HasPrefix(entry.Message, "scheduled definitions loaded") {
			summaries = append(summaries, entry)
		}
	}
	if len(summaries) != 1 {
		t.Fatalf("expected one summary line, got %d", len(summaries))
	}
	fields := summaries[0].ContextMap()
	if fields["failed"] != int64(2) || fields["registered"] != int64(2) || fields["disabled"] != int64(1) {
		t.Fatalf("summary fields = %v", fields)
	}
}

func TestSchedulerScheduleLogsEachFailure(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewScheduler(nil, h.defs, &fakeStarter{}, nil, h.metrics, zap.New(core))

	bad := scheduledDef(t, h.defs, "bad", "nope", true)
	if err := s.Schedule(*bad); err == nil {
		t.Fatal("expected a registration error")
	}
	if n := logs.FilterMessage("schedule registration failed; disabling definition").Len(); n != 1 {
		t.Fatalf("expected one failure line, got %d", n)
	}
}

func TestSchedulerFireStartsSession(t *testing.T) {
	h := newHarness(t)
	starter := &fakeStarter{}
	s := NewScheduler(nil, h.defs, starter, nil, nil, nil)

	def := scheduledDef(t, h.defs, "nightly", "@daily", true)
	s.fire(def.ID)

	if len(starter.specs) != 1 {
		t.Fatalf("starts = %d, want 1", len(starter.specs))
	}
	spec := starter.specs[0]
	if spec.DefinitionID != def.ID || spec.DaemonID != "a" || spec.DiscoveryType.Kind != protocol.KindNetwork {
		t.Fatalf("spec = %+v", spec)
	}
}

func TestSchedulerFireDropsDeletedDefinition(t *testing.T) {
	h := newHarness(t)
	starter := &fakeStarter{}
	s := NewScheduler(nil, h.defs, starter, nil, nil, nil)

	def := scheduledDef(t, h.defs, "gone", "@daily", true)
	if err := s.Schedule(*def); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := h.defs.Delete(context.Background(), def.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	s.fire(def.ID)
	if len(starter.specs) != 0 {
		t.Fatal("deleted definition should not start a session")
	}
	if s.Scheduled(def.ID) {
		t.Fatal("deleted definition should be unscheduled")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(nil, nil, &fakeStarter{}, nil, nil, nil)
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
