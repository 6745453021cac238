package engine

import (
	"sync"
	"time"
)

type subscription struct {
	fn    func(Event)
	types map[EventType]bool // nil = all
}

// EventBus fans events out to subscribers. Emit calls subscribers
// synchronously on the emitting goroutine, so handlers must be quick.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]subscription)}
}

// Subscribe registers fn for every event and returns its id.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.add(subscription{fn: fn})
}

// SubscribeTypes registers fn for the given event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.add(subscription{fn: fn, types: set})
}

func (b *EventBus) add(s subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = s
	return b.nextID
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Emit stamps the event and delivers it.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]func(Event), 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[e.Type] {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(e)
	}
}
