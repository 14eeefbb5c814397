package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// fakeAPI is a ServerAPI whose behaviour is set per test through function
// fields. Unset fields succeed.
type fakeAPI struct {
	mu sync.Mutex

	startup     func(n int) error
	register    func(req protocol.RegisterRequest) error
	heartbeat   func(n int) error
	requestWork func(n int) (protocol.WorkResponse, error)

	startupCalls   int
	registerCalls  int
	heartbeatCalls int
	workCalls      int
	registered     []protocol.RegisterRequest
	updates        []protocol.DiscoverySession
}

func (f *fakeAPI) AnnounceStartup(context.Context, string, string) error {
	f.mu.Lock()
	f.startupCalls++
	n := f.startupCalls
	f.mu.Unlock()
	if f.startup == nil {
		return nil
	}
	return f.startup(n)
}

func (f *fakeAPI) Register(_ context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	f.mu.Lock()
	f.registerCalls++
	f.registered = append(f.registered, req)
	f.mu.Unlock()
	if f.register != nil {
		if err := f.register(req); err != nil {
			return protocol.RegisterResponse{}, err
		}
	}
	return protocol.RegisterResponse{DaemonID: req.DaemonID}, nil
}

func (f *fakeAPI) Heartbeat(context.Context, string, protocol.DaemonPresence) error {
	f.mu.Lock()
	f.heartbeatCalls++
	n := f.heartbeatCalls
	f.mu.Unlock()
	if f.heartbeat == nil {
		return nil
	}
	return f.heartbeat(n)
}

func (f *fakeAPI) RequestWork(context.Context, string, protocol.DaemonPresence) (protocol.WorkResponse, error) {
	f.mu.Lock()
	f.workCalls++
	n := f.workCalls
	f.mu.Unlock()
	if f.requestWork == nil {
		return protocol.WorkResponse{}, nil
	}
	return f.requestWork(n)
}

func (f *fakeAPI) SendUpdate(_ context.Context, s protocol.DiscoverySession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, s)
	return nil
}

func (f *fakeAPI) counts() (startup, register, heartbeat, work int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startupCalls, f.registerCalls, f.heartbeatCalls, f.workCalls
}

func inactive() error {
	return &APIError{Status: 403, Code: protocol.ErrCodeKeyInactive, Message: "api key is not active"}
}

// fakeClock advances only when the registrar sleeps.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestRegistrar(api ServerAPI, clock *fakeClock) *Registrar {
	cfg := &Config{
		ServerURL:         "http://cp.test",
		DaemonID:          "d1",
		NetworkID:         "n1",
		Name:              "edge",
		Mode:              protocol.ModePull,
		HeartbeatInterval: 30 * time.Second,
	}
	r := NewRegistrar(api, cfg, "1.2.3", nil)
	r.now = clock.Now
	r.sleep = clock.Sleep
	return r
}

func TestRegistrarKnownDaemonAnnouncesOnly(t *testing.T) {
	api := &fakeAPI{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	if err := newTestRegistrar(api, clock).Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if startup, register, _, _ := api.counts(); startup != 1 || register != 0 {
		t.Fatalf("expected one startup and no register, got %d/%d", startup, register)
	}
}

func TestRegistrarRegistersUnknownDaemon(t *testing.T) {
	api := &fakeAPI{startup: func(int) error {
		return &APIError{Status: 404, Code: protocol.ErrCodeDaemonNotFound}
	}}
	clock := &fakeClock{now: time.Unix(0, 0)}
	if err := newTestRegistrar(api, clock).Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(api.registered) != 1 {
		t.Fatalf("expected one register call, got %d", len(api.registered))
	}
	req := api.registered[0]
	if req.DaemonID != "d1" || req.NetworkID != "n1" || req.Mode != protocol.ModePull || req.Version != "1.2.3" {
		t.Fatalf("unexpected register request: %+v", req)
	}
}

func TestRegistrarRetryScheduleForInactiveKey(t *testing.T) {
	api := &fakeAPI{startup: func(n int) error {
		if n < 6 {
			return inactive()
		}
		return nil
	}}
	clock := &fakeClock{now: time.Unix(0, 0)}
	if err := newTestRegistrar(api, clock).Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	want := []time.Duration{30 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second}
	if len(clock.slept) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, clock.slept)
	}
	for i := range want {
		if clock.slept[i] != want[i] {
			t.Fatalf("wait %d: expected %s, got %s", i, want[i], clock.slept[i])
		}
	}
}

func TestRegistrarGivesUpAtCeiling(t *testing.T) {
	api := &fakeAPI{startup: func(int) error { return inactive() }}
	clock := &fakeClock{now: time.Unix(0, 0)}
	r := newTestRegistrar(api, clock)

	err := r.Ensure(context.Background())
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if elapsed := clock.now.Sub(time.Unix(0, 0)); elapsed > r.Ceiling {
		t.Fatalf("slept past the ceiling: %s", elapsed)
	}
}

func TestRegistrarFailsFastOnTerminalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"revoked", &APIError{Status: 401, Code: protocol.ErrCodeKeyRevoked}, ErrKeyRevoked},
		{"demo", &APIError{Status: 403, Code: protocol.ErrCodeDemoMode}, ErrDemoMode},
		{"unreachable", fmt.Errorf("%w: connection refused", ErrServerUnreachable), ErrServerUnreachable},
		{"connect timeout", fmt.Errorf("%w: dial", ErrConnectTimeout), ErrConnectTimeout},
		{"response timeout", fmt.Errorf("%w: headers", ErrResponseTimeout), ErrResponseTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{startup: func(int) error { return tt.err }}
			clock := &fakeClock{now: time.Unix(0, 0)}
			err := newTestRegistrar(api, clock).Ensure(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(clock.slept) != 0 {
				t.Fatalf("terminal errors must not retry, slept %v", clock.slept)
			}
		})
	}
}
