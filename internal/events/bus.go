// Package events is a small broadcast bus for session activity: requests
// published, responses found, poll failures, memory writes, worker runs.
// The CLI subscribes to render progress; tests subscribe to assert on
// behavior. A nil *Bus accepts every call and does nothing.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceSession = "session"
	SourceWatcher = "watcher"
	SourceMemory  = "memory"
	SourceWorker  = "worker"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// KindRequestPublished: request_id, session_id, model, tokens, budget.
	KindRequestPublished = "request_published"
	// KindResponseFound: request_id, sequence, bytes, fallback.
	KindResponseFound = "response_found"
	// KindPollError: sequence, error.
	KindPollError = "poll_error"
	// KindWatchStarted: last_seen. KindWatchStopped: none.
	KindWatchStarted = "watch_started"
	KindWatchStopped = "watch_stopped"
	// KindMemorySaved: exchanges, tokens, budget.
	KindMemorySaved = "memory_saved"
	// KindMemoryCleared: none.
	KindMemoryCleared = "memory_cleared"
	// KindRequestProcessed: sequence, model, ok, elapsed_ms, prompt_tokens,
	// response_tokens.
	KindRequestProcessed = "request_processed"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus delivers events to buffered subscriber channels. A full subscriber
// misses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped now.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of future events buffered to bufSize. Call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
