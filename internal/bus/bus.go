// Package bus is the in-process pub/sub fabric. Publishers fan events out
// to every subscriber of a key; ordering is preserved per key. Events are
// not persisted: a key with no subscribers drops its events.
package bus

import (
	"context"
	"sync"

	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/types"
)

const subscriberBuffer = 64

// Bus is a process-wide event bus keyed by stream name
// (e.g. "user:<id>:events").
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

type subscription struct {
	key string
	ch  chan types.StreamEvent
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Publish delivers ev to every current subscriber of key in subscription
// order. It fails only after Close. A subscriber that has fallen
// subscriberBuffer events behind loses this event.
func (b *Bus) Publish(key string, ev types.StreamEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return types.Contractf("bus is shut down")
	}

	for _, sub := range b.subs[key] {
		select {
		case sub.ch <- ev:
		default:
			logging.Warn("bus", "dropping event %s for slow subscriber on %s", ev.Type, key)
		}
	}
	return nil
}

// Subscribe registers for key and returns a channel carrying every event
// published after this call. The channel closes when ctx is cancelled or
// the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, key string) <-chan types.StreamEvent {
	sub := &subscription{key: key, ch: make(chan types.StreamEvent, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(sub)
	}()

	return sub.ch
}

// SubscriberCount reports how many subscribers key currently has.
func (b *Bus) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.key]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.key] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Close shuts the bus down. Subsequent publishes fail; all subscriber
// channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	b.subs = make(map[string][]*subscription)
}
