// Package events provides a pub/sub bus for discovery session and entity events.
// Used by the SSE/WebSocket streams for real-time updates and by the Kafka forwarder.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

// EventType classifies events.
type EventType string

const (
	SessionUpdated    EventType = "session.updated"
	SessionFinished   EventType = "session.finished"
	SessionCancelled  EventType = "session.cancelled"
	SessionReaped     EventType = "session.reaped"
	DefinitionCreated EventType = "definition.created"
	DefinitionUpdated EventType = "definition.updated"
	DefinitionDeleted EventType = "definition.deleted"
	DaemonRegistered  EventType = "daemon.registered"
	DaemonStartup     EventType = "daemon.startup"
	ScheduleRegFailed EventType = "schedule.registration_failed"
)

// Event is one broadcast message.
type Event struct {
	Type         EventType                  `json:"type"`
	DaemonID     string                     `json:"daemon_id,omitempty"`
	SessionID    string                     `json:"session_id,omitempty"`
	DefinitionID string                     `json:"definition_id,omitempty"`
	Summary      string                     `json:"summary"`
	Session      *protocol.DiscoverySession `json:"session,omitempty"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Key is the partitioning key used by forwarders.
func (e Event) Key() string {
	switch {
	case e.SessionID != "":
		return e.SessionID
	case e.DefinitionID != "":
		return e.DefinitionID
	default:
		return e.DaemonID
	}
}

// Bus is a bounded pub/sub bus. A subscriber that falls behind loses its
// oldest buffered events, never the newest, and never blocks the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	bufferSize  int
}

type subscriber struct {
	mu      sync.Mutex
	ch      chan Event
	dropped uint64
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		sub.offer(evt)
	}
}

func (s *subscriber) offer(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[id]; ok {
		close(old.ch)
	}
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	b.subscribers[id] = sub
	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Dropped returns how many events a subscriber has lost to overflow.
func (b *Bus) Dropped(id string) uint64 {
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
