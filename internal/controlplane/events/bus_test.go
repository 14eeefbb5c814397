package events

import (
	"testing"
	"time"

	"github.com/marcus-qen/scanfleet/internal/protocol"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe("test-1")

	bus.Publish(Event{
		Type:      SessionUpdated,
		SessionID: "sess-1",
		Summary:   "session scanning",
	})

	select {
	case evt := <-ch:
		if evt.Type != SessionUpdated {
			t.Fatalf("expected SessionUpdated, got %s", evt.Type)
		}
		if evt.SessionID != "sess-1" {
			t.Fatalf("expected sess-1, got %s", evt.SessionID)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	bus.Unsubscribe("test-1")
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(16)
	ch1 := bus.Subscribe("s1")
	ch2 := bus.Subscribe("s2")

	bus.Publish(Event{Type: SessionReaped, Summary: "test"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != SessionReaped {
				t.Fatalf("wrong type: %s", evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}

	if bus.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}

	bus.Unsubscribe("s1")
	bus.Unsubscribe("s2")

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestSlowSubscriberKeepsNewestEvents(t *testing.T) {
	bus := NewBus(2)
	ch := bus.Subscribe("slow")

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: SessionUpdated, Session: &protocol.DiscoverySession{Progress: i * 10}})
	}

	first := <-ch
	second := <-ch
	if first.Session.Progress != 30 || second.Session.Progress != 40 {
		t.Fatalf("expected the two newest events, got progress %d and %d", first.Session.Progress, second.Session.Progress)
	}
	if got := bus.Dropped("slow"); got != 3 {
		t.Fatalf("expected 3 dropped, got %d", got)
	}
}

func TestResubscribeClosesPreviousChannel(t *testing.T) {
	bus := NewBus(4)
	old := bus.Subscribe("dup")
	_ = bus.Subscribe("dup")

	if _, ok := <-old; ok {
		t.Fatal("expected previous channel to be closed")
	}
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}
}

func TestEventKeyPrefersSession(t *testing.T) {
	evt := Event{SessionID: "s", DefinitionID: "d", DaemonID: "x"}
	if evt.Key() != "s" {
		t.Fatalf("expected session key, got %q", evt.Key())
	}
	evt.SessionID = ""
	if evt.Key() != "d" {
		t.Fatalf("expected definition key, got %q", evt.Key())
	}
	if len(evt.JSON()) == 0 {
		t.Fatal("empty JSON")
	}
}
