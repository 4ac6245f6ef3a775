package bus

import (
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/events"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	all := b.Subscribe(Filter{})
	msgOnly := b.Subscribe(Filter{Kinds: []events.Kind{events.KindMessage}})
	sessA := b.Subscribe(Filter{SessionID: "a"})

	b.Publish(New(events.KindMessage, "a", nil))
	b.Publish(New(events.KindModeChange, "b", nil))

	if ev := recv(t, all); ev.Kind != events.KindMessage {
		t.Fatalf("all: first kind = %q, want message", ev.Kind)
	}
	if ev := recv(t, all); ev.Kind != events.KindModeChange {
		t.Fatalf("all: second kind = %q, want mode-change", ev.Kind)
	}

	if ev := recv(t, msgOnly); ev.SessionID != "a" {
		t.Fatalf("msgOnly: session = %q, want a", ev.SessionID)
	}
	select {
	case ev := <-msgOnly.C():
		t.Fatalf("msgOnly received unexpected event %q", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}

	if ev := recv(t, sessA); ev.SessionID != "a" {
		t.Fatalf("sessA: session = %q, want a", ev.SessionID)
	}
}

func TestSessionlessEventsPassSessionFilter(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe(Filter{SessionID: "a"})
	b.Publish(New(events.KindHeartbeat, "", events.Heartbeat{Seq: 1}))

	if ev := recv(t, sub); ev.Kind != events.KindHeartbeat {
		t.Fatalf("kind = %q, want heartbeat", ev.Kind)
	}
}

func TestOverflowDropsOldestAndCounts(t *testing.T) {
	b := NewBusWithQueueSize(4)
	defer b.Close()

	sub := b.Subscribe(Filter{})
	for i := 0; i < 10; i++ {
		b.Publish(Event{ID: "e", Kind: events.KindMessage, Payload: i, Timestamp: time.Now()})
	}

	if got := sub.Dropped(); got != 6 {
		t.Fatalf("Dropped() = %d, want 6", got)
	}

	// The survivors are the newest four, in order.
	want := []int{6, 7, 8, 9}
	for _, w := range want {
		ev := recv(t, sub)
		if ev.Payload.(int) != w {
			t.Fatalf("payload = %v, want %d", ev.Payload, w)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe(Filter{})
	sub.Unsubscribe()

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel not closed after Unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want 0", b.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(New(events.KindMessage, "", nil))
}

func TestCloseClosesAllSubscriptions(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe(Filter{})
	s2 := b.Subscribe(Filter{})
	b.Close()

	if _, ok := <-s1.C(); ok {
		t.Fatal("s1 not closed")
	}
	if _, ok := <-s2.C(); ok {
		t.Fatal("s2 not closed")
	}
}
