// Package events carries operational events from the turn executor and
// tool router to any number of observers (the CLI's trace printer, test
// harnesses). Publishing on a nil *Bus is a no-op so producers never
// need to check whether anyone is listening.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceTurn identifies events from turn execution.
	SourceTurn = "turn"
	// SourceRouter identifies events from tool dispatch.
	SourceRouter = "router"
	// SourceMemory identifies events from the memory store.
	SourceMemory = "memory"
)

// Kinds.
const (
	// KindTurnStart marks the beginning of a turn.
	// Data: session_id, message_id.
	KindTurnStart = "turn_start"
	// KindToolCall marks a tool invocation about to be dispatched.
	// Data: session_id, tool, step.
	KindToolCall = "tool_call"
	// KindToolDone marks a finished tool invocation.
	// Data: session_id, tool, step, ok, duration_ms, error (when !ok).
	KindToolDone = "tool_done"
	// KindTurnComplete marks the end of a turn, whatever its outcome.
	// Data: session_id, message_id, steps, outcome, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindProviderAttempt marks one provider attempt inside a dispatch.
	// Data: tool, provider, ok, duration_ms.
	KindProviderAttempt = "provider_attempt"

	// KindMigrated marks a legacy memory import.
	// Data: session_id, imported, skipped.
	KindMigrated = "migrated"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A subscriber
// whose buffer is full misses the event; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// byRecv maps the receive-only view handed to subscribers back to
	// the channel the bus sends on.
	byRecv map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		byRecv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with buffer space. A zero
// Timestamp is set to the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with the given buffer size. Call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.byRecv[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.byRecv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.byRecv, ch)
	close(send)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
