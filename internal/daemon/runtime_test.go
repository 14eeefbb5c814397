package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

type fakeRunner struct {
	mu        sync.Mutex
	running   bool
	started   []protocol.DiscoveryRequest
	cancelled []string
	startErr  error
}

func (f *fakeRunner) Start(req protocol.DiscoveryRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, req)
	f.running = true
	return nil
}

func (f *fakeRunner) Cancel(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	was := f.running
	f.running = false
	return was
}

func (f *fakeRunner) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func testRuntimeConfig(t *testing.T, mode protocol.DaemonMode) *Config {
	return &Config{
		ServerURL:         "http://cp.test",
		DaemonID:          "d1",
		NetworkID:         "n1",
		Mode:              mode,
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		ConfigDir:         t.TempDir(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRuntimeRevokedKeyIsFatal(t *testing.T) {
	api := &fakeAPI{heartbeat: func(n int) error {
		if n >= 3 {
			return &APIError{Status: 401, Code: protocol.ErrCodeKeyRevoked}
		}
		return nil
	}}
	rt := NewRuntime(testRuntimeConfig(t, protocol.ModePull), api, &fakeRunner{}, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrKeyRevoked) {
			t.Fatalf("expected ErrKeyRevoked, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runtime did not stop on a revoked key")
	}
}

func TestRuntimeUnknownKeyIsFatal(t *testing.T) {
	api := &fakeAPI{requestWork: func(n int) (protocol.WorkResponse, error) {
		return protocol.WorkResponse{}, &APIError{Status: 401, Code: protocol.ErrCodeInvalidKey}
	}}
	rt := NewRuntime(testRuntimeConfig(t, protocol.ModePull), api, &fakeRunner{}, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runtime kept retrying with a key the server does not know")
	}
}

func TestRuntimeReregistrationWithRevokedKeyIsFatal(t *testing.T) {
	api := &fakeAPI{
		heartbeat: func(int) error {
			return &APIError{Status: 404, Code: protocol.ErrCodeDaemonNotFound}
		},
		startup: func(int) error {
			return &APIError{Status: 401, Code: protocol.ErrCodeKeyRevoked}
		},
	}
	cfg := testRuntimeConfig(t, protocol.ModePull)
	rt := NewRuntime(cfg, api, &fakeRunner{}, NewRegistrar(api, cfg, "dev", nil), nil, nil)

	if err := rt.heartbeat(context.Background()); !errors.Is(err, ErrKeyRevoked) {
		t.Fatalf("expected ErrKeyRevoked, got %v", err)
	}
}

func TestRuntimeStopsCleanlyOnCancel(t *testing.T) {
	api := &fakeAPI{}
	cfg := testRuntimeConfig(t, protocol.ModePull)
	rt := NewRuntime(cfg, api, &fakeRunner{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitFor(t, func() bool {
		_, _, hb, work := api.counts()
		return hb >= 2 && work >= 2
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}

	saved, err := LoadConfig(cfg.ConfigDir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if saved.LastHeartbeat == nil {
		t.Fatal("successful heartbeat should persist last_heartbeat")
	}
}

func TestRuntimePushModeDoesNotPoll(t *testing.T) {
	api := &fakeAPI{}
	rt := NewRuntime(testRuntimeConfig(t, protocol.ModePush), api, &fakeRunner{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitFor(t, func() bool {
		_, _, hb, _ := api.counts()
		return hb >= 3
	})
	cancel()
	<-done
	if _, _, _, work := api.counts(); work != 0 {
		t.Fatalf("push daemons must not poll, got %d polls", work)
	}
}

func TestRequestWorkStartsAndCancels(t *testing.T) {
	offer := &protocol.DiscoveryRequest{SessionID: "s1", DiscoveryType: protocol.DiscoveryType{Kind: protocol.KindNetwork}}
	api := &fakeAPI{requestWork: func(n int) (protocol.WorkResponse, error) {
		switch n {
		case 1:
			return protocol.WorkResponse{NextSession: offer}, nil
		case 2:
			// Offered again while running: ignored.
			return protocol.WorkResponse{NextSession: &protocol.DiscoveryRequest{SessionID: "s2"}}, nil
		default:
			return protocol.WorkResponse{ShouldCancel: true, CancelSessionID: "s1"}, nil
		}
	}}
	runner := &fakeRunner{}
	rt := NewRuntime(testRuntimeConfig(t, protocol.ModePull), api, runner, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rt.requestWork(ctx); err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
	}
	if len(runner.started) != 1 || runner.started[0].SessionID != "s1" {
		t.Fatalf("expected only s1 started, got %+v", runner.started)
	}
	if len(runner.cancelled) != 1 || runner.cancelled[0] != "s1" {
		t.Fatalf("expected s1 cancelled, got %v", runner.cancelled)
	}
}

func TestRuntimeReregistersUnknownDaemon(t *testing.T) {
	api := &fakeAPI{
		heartbeat: func(n int) error {
			if n == 1 {
				return &APIError{Status: 404, Code: protocol.ErrCodeDaemonNotFound}
			}
			return nil
		},
		startup: func(n int) error {
			return &APIError{Status: 404, Code: protocol.ErrCodeDaemonNotFound}
		},
	}
	cfg := testRuntimeConfig(t, protocol.ModePull)
	rt := NewRuntime(cfg, api, &fakeRunner{}, NewRegistrar(api, cfg, "dev", nil), nil, nil)

	if err := rt.heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, register, _, _ := api.counts(); register != 1 {
		t.Fatalf("expected a re-registration, got %d", register)
	}
	if rt.heartbeats.consecutive != 0 {
		t.Fatal("a successful re-registration is not a failure")
	}
}

func TestFailureTrackerEscalates(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newFailureTracker("heartbeat", zap.New(core))

	for i := 0; i < escalateAfter; i++ {
		f.failure(errors.New("connection refused"))
	}

	var warns, errs int
	for _, entry := range logs.All() {
		switch entry.Level {
		case zapcore.WarnLevel:
			warns++
		case zapcore.ErrorLevel:
			errs++
		}
	}
	// First failure, then summaries at 5, 10, 15 (warn) and 20 (error).
	if warns != 4 || errs != 1 {
		t.Fatalf("expected 4 warns and 1 error, got %d/%d", warns, errs)
	}

	f.success()
	if f.consecutive != 0 {
		t.Fatal("success should reset the run")
	}
	if got := logs.FilterMessage("heartbeat recovered").Len(); got != 1 {
		t.Fatalf("expected one recovery log, got %d", got)
	}
}
