package websocket

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

type fakeSource struct {
	*events.Bus
	sessions []protocol.DiscoverySession
}

func (f *fakeSource) ActiveSessions() []protocol.DiscoverySession { return f.sessions }

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

func dialObserver(t *testing.T, baseURL, daemonID string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	u.Scheme = "ws"
	if daemonID != "" {
		q := u.Query()
		q.Set("daemon_id", daemonID)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial observer: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected switching protocols, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func newTestHub(t *testing.T, sessions ...protocol.DiscoverySession) (*Hub, *fakeSource, *httptest.Server) {
	t.Helper()
	src := &fakeSource{Bus: events.NewBus(16), sessions: sessions}
	hub := NewHub(src, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, src, srv
}

func TestObserverReceivesSnapshotThenEvents(t *testing.T) {
	hub, src, srv := newTestHub(t,
		protocol.DiscoverySession{SessionID: "s1", DaemonID: "a", Phase: protocol.PhaseScanning},
		protocol.DiscoverySession{SessionID: "s2", DaemonID: "b", Phase: protocol.PhasePending},
	)

	conn := dialObserver(t, srv.URL, "")
	snap := readMessage(t, conn)
	if snap.Type != MsgSnapshot || len(snap.Sessions) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	waitFor(t, time.Second, func() bool { return hub.Connected() == 1 })

	src.Publish(events.Event{Type: events.DefinitionCreated, DefinitionID: "d1"})
	src.Publish(events.Event{Type: events.SessionUpdated, SessionID: "s1", DaemonID: "a"})

	msg := readMessage(t, conn)
	if msg.Type != MsgEvent || msg.Event == nil || msg.Event.SessionID != "s1" {
		t.Fatalf("expected session event, got %+v", msg)
	}
}

func TestObserverDaemonFilter(t *testing.T) {
	_, src, srv := newTestHub(t,
		protocol.DiscoverySession{SessionID: "s1", DaemonID: "a"},
		protocol.DiscoverySession{SessionID: "s2", DaemonID: "b"},
	)

	conn := dialObserver(t, srv.URL, "b")
	snap := readMessage(t, conn)
	if len(snap.Sessions) != 1 || snap.Sessions[0].SessionID != "s2" {
		t.Fatalf("filtered snapshot = %+v", snap.Sessions)
	}

	waitFor(t, time.Second, func() bool { return src.SubscriberCount() == 1 })
	src.Publish(events.Event{Type: events.SessionUpdated, SessionID: "s1", DaemonID: "a"})
	src.Publish(events.Event{Type: events.SessionFinished, SessionID: "s2", DaemonID: "b"})

	msg := readMessage(t, conn)
	if msg.Event == nil || msg.Event.SessionID != "s2" {
		t.Fatalf("expected only daemon b events, got %+v", msg.Event)
	}
}

func TestObserverDisconnectUnsubscribes(t *testing.T) {
	hub, src, srv := newTestHub(t)

	conn := dialObserver(t, srv.URL, "")
	readMessage(t, conn)
	waitFor(t, time.Second, func() bool { return hub.Connected() == 1 && len(hub.List()) == 1 })

	_ = conn.Close()
	waitFor(t, 2*time.Second, func() bool { return hub.Connected() == 0 && src.SubscriberCount() == 0 })
}
