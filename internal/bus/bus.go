package bus

import (
	"sync"
	"time"
)

// Kind names what happened.
type Kind string

const (
	KindStateChanged     Kind = "state_changed"
	KindExclusiveChanged Kind = "exclusive_changed"
	KindSessionStarted   Kind = "session_started"
	KindSessionUpdated   Kind = "session_updated"
	KindSessionEnded     Kind = "session_ended"
	KindIncentiveEarned  Kind = "incentive_earned"
	KindIncentiveCleared Kind = "incentive_cleared"
	KindCountdown        Kind = "countdown"
)

// Event is a single notification. Payload is owned by the publisher and must
// be treated as read-only by subscribers.
type Event struct {
	Kind    Kind
	At      time.Time
	Payload any
}

// Bus provides fan-out pub/sub semantics for driver events.
// Each Subscribe call gets its own channel that receives every future
// publication. Past messages are not replayed. The implementation is safe for
// concurrent publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a read-only channel that will receive all future events.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers the event to all subscribers in a best-effort, non-blocking
// way. A subscriber whose buffer is full misses this event; the view it
// derives is refreshed by the next one.
func (b *Bus) Publish(kind Kind, payload any) {
	ev := Event{Kind: kind, At: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
