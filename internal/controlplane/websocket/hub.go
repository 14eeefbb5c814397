// Package websocket mirrors discovery session events to observer WebSocket connections.
package websocket

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marcus-qen/scanfleet/internal/controlplane/events"
	"github.com/marcus-qen/scanfleet/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Source provides the initial snapshot and the live event feed.
type Source interface {
	ActiveSessions() []protocol.DiscoverySession
	Subscribe(id string) <-chan events.Event
	Unsubscribe(id string)
}

// MessageType tags frames sent to observers.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEvent    MessageType = "event"
)

// Message is one frame on the observer connection.
type Message struct {
	Type      MessageType                 `json:"type"`
	Timestamp time.Time                   `json:"timestamp"`
	Sessions  []protocol.DiscoverySession `json:"sessions,omitempty"`
	Event     *events.Event               `json:"event,omitempty"`
}

// ObserverConn represents a connected observer.
type ObserverConn struct {
	ID        string
	DaemonID  string
	Conn      *websocket.Conn
	Connected time.Time
	mu        sync.Mutex
}

func (oc *ObserverConn) write(msg Message) error {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	_ = oc.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return oc.Conn.WriteJSON(msg)
}

// Hub tracks observer connections.
type Hub struct {
	source    Source
	observers map[string]*ObserverConn
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(source Source, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		source:    source,
		observers: make(map[string]*ObserverConn),
		logger:    logger,
	}
}

// HandleWS serves GET /api/discovery/ws. An optional daemon_id query
// parameter narrows the mirror to one daemon.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	daemonID := strings.TrimSpace(r.URL.Query().Get("daemon_id"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	oc := &ObserverConn{
		ID:        "ws-" + uuid.NewString(),
		DaemonID:  daemonID,
		Conn:      conn,
		Connected: time.Now().UTC(),
	}

	// Subscribe before the snapshot so nothing between the two is lost.
	feed := h.source.Subscribe(oc.ID)

	h.mu.Lock()
	h.observers[oc.ID] = oc
	h.mu.Unlock()
	h.logger.Debug("observer connected", zap.String("observer", oc.ID), zap.String("daemon_id", daemonID))

	defer func() {
		h.source.Unsubscribe(oc.ID)
		conn.Close()
		h.mu.Lock()
		delete(h.observers, oc.ID)
		h.mu.Unlock()
		h.logger.Debug("observer disconnected", zap.String("observer", oc.ID))
	}()

	snapshot := Message{Type: MsgSnapshot, Timestamp: time.Now().UTC(), Sessions: filterSessions(h.source.ActiveSessions(), daemonID)}
	if err := oc.write(snapshot); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
			oc.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			oc.mu.Unlock()
			if err != nil {
				return
			}
		case evt, ok := <-feed:
			if !ok {
				return
			}
			if !sessionEvent(evt.Type) || (daemonID != "" && evt.DaemonID != daemonID) {
				continue
			}
			if err := oc.write(Message{Type: MsgEvent, Timestamp: evt.Timestamp, Event: &evt}); err != nil {
				h.logger.Debug("observer write failed", zap.String("observer", oc.ID), zap.Error(err))
				return
			}
		}
	}
}

// Connected returns the number of connected observers.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// ObserverInfo returns basic info about a connected observer.
type ObserverInfo struct {
	ID        string    `json:"id"`
	DaemonID  string    `json:"daemon_id,omitempty"`
	Connected time.Time `json:"connected"`
}

// List returns info about all connected observers.
func (h *Hub) List() []ObserverInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]ObserverInfo, 0, len(h.observers))
	for _, oc := range h.observers {
		result = append(result, ObserverInfo{ID: oc.ID, DaemonID: oc.DaemonID, Connected: oc.Connected})
	}
	return result
}

func sessionEvent(t events.EventType) bool {
	switch t {
	case events.SessionUpdated, events.SessionFinished, events.SessionCancelled, events.SessionReaped:
		return true
	default:
		return false
	}
}

func filterSessions(sessions []protocol.DiscoverySession, daemonID string) []protocol.DiscoverySession {
	if daemonID == "" {
		return sessions
	}
	out := make([]protocol.DiscoverySession, 0, len(sessions))
	for _, s := range sessions {
		if s.DaemonID == daemonID {
			out = append(out, s)
		}
	}
	return out
}
