// Package bus provides the in-process event broker.
//
// Each subscriber owns a bounded queue. Publish never blocks: when a
// subscriber's queue is full the oldest queued event is dropped and the
// subscription's dropped counter is incremented, so a slow consumer can
// detect the gap and resync.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/events"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 256

// Event is one message on the bus.
type Event struct {
	ID        string       `json:"id"`
	Kind      events.Kind  `json:"kind"`
	SessionID string       `json:"sessionId,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   any          `json:"payload,omitempty"`
}

// New creates an event with a fresh id and the current timestamp.
func New(kind events.Kind, sessionID string, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Filter selects which events a subscription receives. Zero-value fields
// match everything.
type Filter struct {
	// Kinds limits the subscription to the listed kinds.
	Kinds []events.Kind
	// SessionID limits the subscription to one session's events. Events
	// without a session id (heartbeat, backend-reloaded, worker-activity)
	// always pass this check.
	SessionID string
}

// Matches reports whether the filter accepts the event.
func (f Filter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SessionID != "" && ev.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	return true
}

// Subscription is one subscriber's bounded queue on the bus.
type Subscription struct {
	bus     *Bus
	filter  Filter
	ch      chan Event
	dropped atomic.Uint64

	// sendMu serializes enqueue so that drop-oldest cannot race between
	// two publishers and reorder a single publisher's events.
	sendMu sync.Mutex

	closeOnce sync.Once
}

// C returns the receive channel. It is closed on Unsubscribe and on bus
// shutdown.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns the number of events dropped from this subscription's
// queue because the consumer did not drain it.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// enqueue adds the event, evicting the oldest queued event when full.
func (s *Subscription) enqueue(ev Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Queue full: evict the oldest, then retry once. If the consumer
	// raced us and drained, the retry succeeds without a drop.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Bus is the process-wide broker. There is exactly one per server,
// constructed explicitly and passed by reference.
type Bus struct {
	queueSize int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates a bus with the default per-subscriber queue bound.
func NewBus() *Bus {
	return NewBusWithQueueSize(DefaultQueueSize)
}

// NewBusWithQueueSize creates a bus with a custom queue bound.
func NewBusWithQueueSize(n int) *Bus {
	if n < 1 {
		n = 1
	}
	return &Bus{
		queueSize: n,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Publish copies the event to every matching subscriber's queue and
// returns without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.filter.Matches(ev) {
			sub.enqueue(ev)
		}
	}
}

// Subscribe registers a new subscription.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan Event, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
