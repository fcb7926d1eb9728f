// Package events implements the management WebSocket broadcast channel: a
// small pub/sub bus that Registry backend updates, Dispatcher task
// transitions and the admin stats broadcaster publish onto, and that the
// admin WS handler subscribes to.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies one of the tagged message kinds in spec.md §6.
type Type string

const (
	StatsUpdate   Type = "stats_update"
	BackendUpdate Type = "backend_update"
	QueueUpdate   Type = "queue_update"
	TaskUpdate    Type = "task_update"
)

// Event is the {type, data} envelope broadcast to every management
// WebSocket subscriber.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// subscriberBuffer bounds how far a slow management-WS writer may lag
// before being dropped; the admin channel is low-volume so this is generous
// compared to the Event Hub's per-client policy.
const subscriberBuffer = 64

// Bus fans Events out to every current subscriber. The zero value is not
// usable; construct with NewBus.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}

	statsMu       sync.Mutex
	lastStatsSend time.Time
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener and returns a channel of events along
// with an unsubscribe function the caller must invoke on disconnect.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish fans ev out to every subscriber. A subscriber whose buffer is full
// is skipped for this event rather than blocking the publisher — management
// WS clients are best-effort observers, never a dispatch dependency.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("events: dropping event for slow management subscriber", "type", ev.Type)
		}
	}
}

// PublishStats publishes a stats_update event, coalesced to at most one per
// 200ms per spec.md §6. Callers should invoke this liberally; the bus itself
// enforces the rate.
func (b *Bus) PublishStats(data any) {
	b.statsMu.Lock()
	since := time.Since(b.lastStatsSend)
	if since < 200*time.Millisecond {
		b.statsMu.Unlock()
		return
	}
	b.lastStatsSend = time.Now()
	b.statsMu.Unlock()

	b.Publish(Event{Type: StatsUpdate, Data: data})
}
