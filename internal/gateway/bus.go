package gateway

import (
	"encoding/json"
	"sync"

	"github.com/venn-chat/venn/internal/util"
)

// bus is the subscription registry mapping event names to handler sets.
// Handlers are invoked synchronously, outside the registry lock, so a handler
// may subscribe, unsubscribe, or send frames while an event for a different
// name is being dispatched. Mutation during dispatch of the same event name
// has undefined ordering but never corrupts the registry.
type bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]func(json.RawMessage)
}

func newBus() *bus {
	return &bus{handlers: make(map[string]map[int]func(json.RawMessage))}
}

// subscribe registers fn for the named event and returns an unsubscribe
// capability that removes exactly that registration. Calling it more than
// once is a no-op.
func (b *bus) subscribe(event string, fn func(json.RawMessage)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	set, ok := b.handlers[event]
	if !ok {
		set = make(map[int]func(json.RawMessage))
		b.handlers[event] = set
	}
	set[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if set, ok := b.handlers[event]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.handlers, event)
			}
		}
		b.mu.Unlock()
	}
}

// emit delivers d to every handler subscribed to event. The handler set is
// snapshotted first, then invoked without the lock. A panicking handler is
// caught and logged so it cannot block delivery to the others.
func (b *bus) emit(event string, d json.RawMessage) {
	b.mu.Lock()
	set := b.handlers[event]
	snapshot := make([]func(json.RawMessage), 0, len(set))
	for _, fn := range set {
		snapshot = append(snapshot, fn)
	}
	b.mu.Unlock()

	for _, fn := range snapshot {
		b.invoke(event, fn, d)
	}
}

func (b *bus) invoke(event string, fn func(json.RawMessage), d json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("handler for %q panicked: %v", event, r)
		}
	}()
	fn(d)
}
