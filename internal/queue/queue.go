// Package queue provides the named, at-least-once FIFO queues that link the
// pipeline workers. Items are leased on dequeue and must be acked within the
// visibility timeout, otherwise they reappear at the head of the queue.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cora-labs/cora/internal/logging"
)

// Queue names used by the pipeline.
const (
	QueuePrompt         = "prompt"
	QueueMemoryChunker  = "memory_chunker"
	QueueEpisodic       = "episodic"
	QueueSemantic       = "semantic"
	QueueReflection     = "reflection"
	QueuePersistentTask = "persistent_task"
)

// DefaultVisibilityTimeout is how long a leased item stays invisible before
// it is considered abandoned and redelivered.
const DefaultVisibilityTimeout = 30 * time.Second

// Item is one queue entry. ID makes enqueue idempotent: re-enqueueing an
// in-flight or pending ID is a no-op.
type Item struct {
	ID       string
	Payload  []byte
	Enqueued time.Time

	leasedAt time.Time
	attempts int
}

// Attempts returns how many times this item has been delivered.
func (it *Item) Attempts() int { return it.attempts }

// Manager holds all named queues for the process.
type Manager struct {
	mu         sync.Mutex
	queues     map[string]*fifo
	visibility time.Duration
}

type fifo struct {
	pending  []*Item          // FIFO order
	inflight map[string]*Item // leased, keyed by ID
	known    map[string]bool  // pending + inflight IDs, for idempotent enqueue
	notify   chan struct{}
}

// NewManager creates a queue manager. A zero visibility falls back to
// DefaultVisibilityTimeout.
func NewManager(visibility time.Duration) *Manager {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Manager{
		queues:     make(map[string]*fifo),
		visibility: visibility,
	}
}

func (m *Manager) queue(name string) *fifo {
	q, ok := m.queues[name]
	if !ok {
		q = &fifo{
			inflight: make(map[string]*Item),
			known:    make(map[string]bool),
			notify:   make(chan struct{}, 1),
		}
		m.queues[name] = q
	}
	return q
}

// Enqueue appends an item to the named queue. Duplicate IDs (pending or
// in-flight) are dropped, preserving at-least-once without double delivery
// of unacked work.
func (m *Manager) Enqueue(name string, item *Item) {
	m.mu.Lock()
	q := m.queue(name)
	if q.known[item.ID] {
		m.mu.Unlock()
		logging.Debug("queue", "%s: duplicate enqueue of %s ignored", name, item.ID)
		return
	}
	if item.Enqueued.IsZero() {
		item.Enqueued = time.Now()
	}
	q.pending = append(q.pending, item)
	q.known[item.ID] = true
	m.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue leases the next item from the named queue, blocking until one is
// available or ctx is done. The caller must Ack within the visibility
// timeout or the item is redelivered.
func (m *Manager) Dequeue(ctx context.Context, name string) (*Item, error) {
	for {
		m.mu.Lock()
		q := m.queue(name)
		m.requeueExpired(q, name)
		if len(q.pending) > 0 {
			item := q.pending[0]
			q.pending = q.pending[1:]
			item.leasedAt = time.Now()
			item.attempts++
			q.inflight[item.ID] = item
			m.mu.Unlock()
			return item, nil
		}
		notify := q.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-time.After(m.visibility / 2):
			// periodic sweep so expired leases resurface without traffic
		}
	}
}

// TryDequeue leases the next item without blocking, returning nil when the
// named queue has nothing pending.
func (m *Manager) TryDequeue(name string) *Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(name)
	m.requeueExpired(q, name)
	if len(q.pending) == 0 {
		return nil
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	item.leasedAt = time.Now()
	item.attempts++
	q.inflight[item.ID] = item
	return item
}

// Ack removes a leased item, completing its delivery.
func (m *Manager) Ack(name, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(name)
	if _, ok := q.inflight[id]; ok {
		delete(q.inflight, id)
		delete(q.known, id)
	}
}

// Nack returns a leased item to the head of the queue immediately.
func (m *Manager) Nack(name, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(name)
	if item, ok := q.inflight[id]; ok {
		delete(q.inflight, id)
		q.pending = append([]*Item{item}, q.pending...)
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of pending (unleased) items in the named queue.
func (m *Manager) Len(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue(name).pending)
}

// requeueExpired moves items whose lease has lapsed back to the queue head.
// Caller must hold m.mu.
func (m *Manager) requeueExpired(q *fifo, name string) {
	cutoff := time.Now().Add(-m.visibility)
	for id, item := range q.inflight {
		if item.leasedAt.Before(cutoff) {
			delete(q.inflight, id)
			q.pending = append([]*Item{item}, q.pending...)
			logging.Warn("queue", "%s: lease expired for %s, redelivering (attempt %d)", name, id, item.attempts)
		}
	}
}
