package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/definitions"
	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// cronParser accepts 5-field expressions, an optional leading seconds field and
// descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewCron builds the cron runner the scheduler registers entries on.
func NewCron() *cron.Cron {
	return cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
}

// DefinitionSource is the storage the scheduler reads and disables definitions in.
type DefinitionSource interface {
	Get(ctx context.Context, id string) (*definitions.Definition, error)
	List(ctx context.Context, filter definitions.ListFilter) ([]definitions.Definition, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*definitions.Definition, error)
}

// SessionStarter starts discovery sessions.
type SessionStarter interface {
	Start(ctx context.Context, spec SessionSpec, actor string) (protocol.DiscoverySession, error)
}

// Scheduler fires scheduled definitions on their cron expressions.
type Scheduler struct {
	cron      *cron.Cron
	store     DefinitionSource
	starter   SessionStarter
	publisher Publisher
	metrics   Recorder
	logger    *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	running bool
}

// NewScheduler creates a scheduler on an injected cron runner.
func NewScheduler(c *cron.Cron, store DefinitionSource, starter SessionStarter, publisher Publisher, metrics Recorder, logger *zap.Logger) *Scheduler {
	if c == nil {
		c = NewCron()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:      c,
		store:     store,
		starter:   starter,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.Named("scheduler"),
		entries:   make(map[string]cron.EntryID),
	}
}

// Validate parses a cron expression without registering it.
func (s *Scheduler) Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Schedule registers (or re-registers) a definition's cron entry. Definitions that
// are not enabled-scheduled are unscheduled. A registration failure disables the
// definition in storage.
func (s *Scheduler) Schedule(def definitions.Definition) error {
	return s.schedule(def, true)
}

// schedule registers a cron entry. With logEach unset a registration failure is
// still counted and persisted, but left for the caller to report.
func (s *Scheduler) schedule(def definitions.Definition, logEach bool) error {
	if !def.IsScheduled() {
		s.Unschedule(def.ID)
		return nil
	}

	id := def.ID
	s.mu.Lock()
	if existing, ok := s.entries[id]; ok {
		s.cron.Remove(existing)
		delete(s.entries, id)
	}
	entryID, err := s.cron.AddFunc(strings.TrimSpace(def.RunType.Cron), func() { s.fire(id) })
	if err == nil {
		s.entries[id] = entryID
	}
	s.mu.Unlock()

	if err != nil {
		s.registrationFailed(def, err, logEach)
		return fmt.Errorf("register schedule for %s: %w", id, err)
	}
	s.logger.Debug("definition scheduled",
		zap.String("definition_id", id),
		zap.String("cron", def.RunType.Cron),
	)
	return nil
}

// Unschedule removes a definition's cron entry if it has one.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// Scheduled reports whether a definition has a live cron entry.
func (s *Scheduler) Scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Next returns the next fire time for a scheduled definition.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Load registers every enabled scheduled definition.
func (s *Scheduler) Load(ctx context.Context) error {
	defs, err := s.store.List(ctx, definitions.ListFilter{Kind: definitions.RunKindScheduled})
	if err != nil {
		return fmt.Errorf("list scheduled definitions: %w", err)
	}

	var registered, disabled, failed int
	for _, def := range defs {
		if !def.RunType.Enabled {
			disabled++
			continue
		}
		if err := s.schedule(def, false); err != nil {
			failed++
			continue
		}
		registered++
	}
	fields := []zap.Field{
		zap.Int("registered", registered),
		zap.Int("disabled", disabled),
		zap.Int("failed", failed),
	}
	if failed > 0 {
		s.logger.Warn("scheduled definitions loaded; schedule registration failed for some, now disabled", fields...)
	} else {
		s.logger.Info("scheduled definitions loaded", fields...)
	}
	return nil
}

// Start begins firing entries. It is safe to call Start multiple times.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop halts firing and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// fire starts one session for a definition. The definition is re-read so edits
// made since registration apply; failures are logged and not retried.
func (s *Scheduler) fire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	def, err := s.store.Get(ctx, id)
	if err != nil {
		if definitions.IsNotFound(err) {
			s.logger.Warn("scheduled definition no longer exists; unscheduling", zap.String("definition_id", id))
			s.Unschedule(id)
			return
		}
		s.logger.Error("scheduled definition lookup failed", zap.String("definition_id", id), zap.Error(err))
		return
	}
	if !def.IsScheduled() {
		s.Unschedule(id)
		return
	}

	sess, err := s.starter.Start(ctx, SpecFromDefinition(*def), SystemActor)
	if err != nil {
		s.logger.Error("scheduled discovery failed to start",
			zap.String("definition_id", id),
			zap.String("daemon_id", def.DaemonID),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("scheduled discovery started",
		zap.String("definition_id", id),
		zap.String("session_id", sess.SessionID),
	)
}

func (s *Scheduler) registrationFailed(def definitions.Definition, cause error, logEach bool) {
	s.metrics.ScheduleRegistrationFailed()
	if logEach {
		s.logger.Error("schedule registration failed; disabling definition",
			zap.String("definition_id", def.ID),
			zap.String("cron", def.RunType.Cron),
			zap.Error(cause),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.store.SetEnabled(ctx, def.ID, false); err != nil {
		s.logger.Error("failed to disable definition after schedule registration failure",
			zap.String("definition_id", def.ID),
			zap.Error(err),
		)
	}

	if s.publisher != nil {
		s.publisher.Publish(events.Event{
			Type:         events.ScheduleRegFailed,
			DefinitionID: def.ID,
			DaemonID:     def.DaemonID,
			Summary:      "schedule registration failed: " + cause.Error(),
		})
	}
}
