// Package bus provides the in-process pub/sub channel that connects the
// detection pipeline to the control plane: analyzers and managers publish
// events, WebSocket streams and the analytics service subscribe.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type identifies a class of event flowing through the bus.
type Type string

const (
	TypeDetection       Type = "detectionEvent"
	TypeEntryAdded      Type = "entryAdded"
	TypeEntryRemoved    Type = "entryRemoved"
	TypeEntriesExpired  Type = "entriesExpired"
	TypeError           Type = "errorEvent"
	TypeReportGenerated Type = "reportGenerated"
	TypeBreakerState    Type = "breakerStateChanged"
	TypeSessionExpired  Type = "sessionExpired"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID   string                 `json:"id"`
	Type Type                   `json:"type"`
	Time time.Time              `json:"time"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Bus is an in-process pub/sub fan-out. Publish never blocks: events for
// slow subscribers are dropped and counted rather than stalling the
// detection path.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Type][]chan Event
	allSubs []chan Event
	buffer  int
	closed  bool

	dropped atomic.Uint64
}

// New creates a bus. Each subscriber channel buffers up to buffer events;
// values below 1 fall back to 64.
func New(buffer int) *Bus {
	if buffer < 1 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[Type][]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers interest in the given event types, or in all events
// when none are named. The returned cancel func removes the subscription
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subs[t] = append(b.subs[t], ch)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.unsubscribe(ch) })
	}
	return ch, cancel
}

func (b *Bus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subs {
		b.subs[t] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)

	if !b.closed {
		close(ch)
	}
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	filtered := subs[:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish builds an event and fans it out to matching subscribers without
// blocking. Full subscriber channels are skipped.
func (b *Bus) Publish(t Type, data map[string]interface{}) {
	ev := Event{
		ID:   uuid.NewString(),
		Type: t,
		Time: time.Now().UTC(),
		Data: data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[t] {
		b.deliver(ch, ev)
	}
	for _, ch := range b.allSubs {
		b.deliver(ch, ev)
	}
}

func (b *Bus) deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because a subscriber
// channel was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}

// Close shuts the bus down and closes every subscriber channel. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for _, subs := range b.subs {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	for _, ch := range b.allSubs {
		if !seen[ch] {
			seen[ch] = true
			close(ch)
		}
	}
	b.subs = make(map[Type][]chan Event)
	b.allSubs = nil
}
