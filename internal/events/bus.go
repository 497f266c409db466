// Package events carries operational events from the conversation
// pipeline and the heartbeat poller to whoever is listening: the MQTT
// publisher, the API's recent-events endpoint, tests. A nil *Bus
// accepts and discards everything, so publishers never need guards.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceConversation = "conversation"
	SourceHeartbeat    = "heartbeat"
	SourceConfig       = "config"
)

// Kinds describe the event within a source.
const (
	// KindTurnStart opens a turn.
	// Data: conversation_id (as supplied), language.
	KindTurnStart = "turn_start"
	// KindFallbackHandled means the built-in recognizer answered.
	// Data: conversation_id, response_type.
	KindFallbackHandled = "fallback_handled"
	// KindSessionCreated means a new conversation id was minted.
	// Data: conversation_id, mode.
	KindSessionCreated = "session_created"
	// KindModelCall precedes the inference request.
	// Data: conversation_id, model, mode, history_len.
	KindModelCall = "model_call"
	// KindTurnComplete closes a successful turn.
	// Data: conversation_id, path, model, tokens_in, tokens_out,
	// elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed closes a failed turn.
	// Data: conversation_id, failure, elapsed_ms.
	KindTurnFailed = "turn_failed"

	// KindServerUp and KindServerDown report heartbeat transitions.
	// Data: server, error (down only).
	KindServerUp   = "server_up"
	KindServerDown = "server_down"

	// KindReloaded reports an applied configuration change.
	// Data: path, mode_changed.
	KindReloaded = "reloaded"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultHistory is how many events New retains for Recent.
const DefaultHistory = 100

// Bus broadcasts events without blocking. A subscriber whose buffer is
// full misses events rather than stalling publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	history []Event
	next    int
	full    bool
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C   <-chan Event
	ch  chan Event
	bus *Bus
}

// New creates a bus that remembers the last DefaultHistory events.
func New() *Bus {
	return NewWithHistory(DefaultHistory)
}

// NewWithHistory creates a bus that remembers the last n events.
func NewWithHistory(n int) *Bus {
	if n < 0 {
		n = 0
	}
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		history: make([]Event, n),
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish delivers e to every subscriber that has room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) > 0 {
		b.history[b.next] = e
		b.next = (b.next + 1) % len(b.history)
		if b.next == 0 {
			b.full = true
		}
	}

	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unregisters the subscription and closes C. Closing twice is a
// no-op.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Recent returns up to n of the most recently published events, oldest
// first.
func (b *Bus) Recent(n int) []Event {
	if b == nil || n <= 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := b.next
	if b.full {
		size = len(b.history)
	}
	n = min(n, size)

	out := make([]Event, 0, n)
	start := b.next - n
	for i := range n {
		idx := (start + i + len(b.history)) % len(b.history)
		out = append(out, b.history[idx])
	}
	return out
}
