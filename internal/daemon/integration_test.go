package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/config"
	"github.com/marcus-qen/scanfleet/internal/controlplane/server"
	"github.com/marcus-qen/scanfleet/internal/daemon"
	"github.com/marcus-qen/scanfleet/internal/daemon/scan"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

type stubScanner struct{}

func (stubScanner) Scan(_ context.Context, _ protocol.DiscoveryType, progress func(int)) (scan.Result, error) {
	progress(50)
	return scan.Result{Entities: []scan.Entity{{Kind: "host", ID: "10.0.0.7"}}}, nil
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	srv, err := server.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func createKey(t *testing.T, base, networkID string, active bool) (id, plain string) {
	t.Helper()
	var out struct {
		Key    struct{ ID string } `json:"key"`
		APIKey string              `json:"api_key"`
	}
	if code := postJSON(t, base+"/api/daemon-keys", map[string]any{"name": "edge", "network_id": networkID, "active": active}, &out); code != http.StatusCreated {
		t.Fatalf("create key: %d", code)
	}
	return out.Key.ID, out.APIKey
}

func TestPullDaemonRunsSessionAgainstServer(t *testing.T) {
	ts := startServer(t)
	_, apiKey := createKey(t, ts.URL, "net-1", true)

	cfg := &daemon.Config{
		ServerURL:         ts.URL,
		APIKey:            apiKey,
		DaemonID:          "d1",
		NetworkID:         "net-1",
		Name:              "edge",
		Mode:              protocol.ModePull,
		HeartbeatInterval: 100 * time.Millisecond,
		PollInterval:      50 * time.Millisecond,
		ConfigDir:         t.TempDir(),
	}
	client := daemon.NewClient(cfg.ServerURL, cfg.APIKey)
	registrar := daemon.NewRegistrar(client, cfg, "test", nil)
	if err := registrar.Ensure(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}

	var started protocol.DiscoverySession
	code := postJSON(t, ts.URL+"/api/discovery/start-session", map[string]any{
		"network_id":     "net-1",
		"daemon_id":      "d1",
		"discovery_type": protocol.DiscoveryType{Kind: protocol.KindNetwork, Subnets: []string{"10.0.0.0/24"}},
	}, &started)
	if code != http.StatusCreated {
		t.Fatalf("start session: %d", code)
	}

	executor := scan.NewExecutor(cfg.DaemonID, cfg.NetworkID, client,
		map[protocol.DiscoveryKind]scan.Scanner{protocol.KindNetwork: stubScanner{}}, nil)
	defer executor.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- daemon.NewRuntime(cfg, client, executor, registrar, nil, nil).Run(ctx) }()

	deadline := time.Now().Add(30 * time.Second)
	for {
		if res := executor.LastResult(); res != nil && !executor.Running() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	executor.Wait()

	resp, err := http.Get(ts.URL + "/api/discovery/active-sessions")
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	var active []protocol.DiscoverySession
	_ = json.NewDecoder(resp.Body).Decode(&active)
	resp.Body.Close()
	if len(active) != 0 {
		t.Fatalf("expected no active sessions after completion, got %+v", active)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runtime: %v", err)
	}
}

func TestDaemonStopsWhenKeyRevoked(t *testing.T) {
	ts := startServer(t)
	keyID, apiKey := createKey(t, ts.URL, "net-1", true)

	cfg := &daemon.Config{
		ServerURL:         ts.URL,
		APIKey:            apiKey,
		DaemonID:          "d1",
		NetworkID:         "net-1",
		Mode:              protocol.ModePull,
		HeartbeatInterval: 100 * time.Millisecond,
		PollInterval:      50 * time.Millisecond,
		ConfigDir:         t.TempDir(),
	}
	client := daemon.NewClient(cfg.ServerURL, cfg.APIKey)
	registrar := daemon.NewRegistrar(client, cfg, "test", nil)
	if err := registrar.Ensure(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}

	executor := scan.NewExecutor(cfg.DaemonID, cfg.NetworkID, client, nil, nil)
	done := make(chan error, 1)
	go func() { done <- daemon.NewRuntime(cfg, client, executor, registrar, nil, nil).Run(context.Background()) }()

	if code := postJSON(t, ts.URL+"/api/daemon-keys/"+keyID+"/revoke", nil, nil); code != http.StatusOK {
		t.Fatalf("revoke: %d", code)
	}

	select {
	case err := <-done:
		if !errors.Is(err, daemon.ErrKeyRevoked) {
			t.Fatalf("expected ErrKeyRevoked, got %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("daemon kept running with a revoked key")
	}
}
