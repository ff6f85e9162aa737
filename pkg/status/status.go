package status

import (
	"sync"

	"github.com/ops-relay/pkg/types"
)

// Handler receives a status transition and an optional error message
type Handler func(status types.Status, errMsg string)

type subscriber struct {
	id      uint64
	handler Handler
}

// Broadcaster fans status transitions out to subscribed handlers.
// Handlers run synchronously on the publishing goroutine, against a snapshot of the
// subscriber list taken at publish time, so they may subscribe or unsubscribe freely.
type Broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers handler and returns its unsubscribe function.
// Unsubscribe is idempotent.
func (b *Broadcaster) Subscribe(handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			// copy-on-write: snapshots held by in-flight publishes stay intact
			next := make([]subscriber, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			next = append(next, b.subs[i+1:]...)
			b.subs = next
			return
		}
	}
}

// Publish calls every handler subscribed at the time of the call
func (b *Broadcaster) Publish(status types.Status, errMsg string) {
	b.mu.Lock()
	snapshot := b.subs
	b.mu.Unlock()

	for _, s := range snapshot {
		s.handler(status, errMsg)
	}
}

// Len returns the number of subscribed handlers
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
