package queue

import (
	"context"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	m := NewManager(time.Minute)
	m.Enqueue("q", &Item{ID: "a", Payload: []byte("1")})
	m.Enqueue("q", &Item{ID: "b", Payload: []byte("2")})
	m.Enqueue("q", &Item{ID: "c", Payload: []byte("3")})

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		it, err := m.Dequeue(ctx, "q")
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if it.ID != want {
			t.Errorf("got %s, want %s", it.ID, want)
		}
		m.Ack("q", it.ID)
	}
}

func TestIdempotentEnqueue(t *testing.T) {
	m := NewManager(time.Minute)
	m.Enqueue("q", &Item{ID: "dup"})
	m.Enqueue("q", &Item{ID: "dup"})
	if got := m.Len("q"); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}

	// in-flight items also block re-enqueue
	it, _ := m.Dequeue(context.Background(), "q")
	m.Enqueue("q", &Item{ID: "dup"})
	if got := m.Len("q"); got != 1 {
		t.Errorf("Len with inflight = %d, want 1", got)
	}
	m.Ack("q", it.ID)

	// after ack the ID can come back
	m.Enqueue("q", &Item{ID: "dup"})
	if got := m.Len("q"); got != 1 {
		t.Errorf("Len after ack = %d, want 1", got)
	}
}

func TestNackRedelivers(t *testing.T) {
	m := NewManager(time.Minute)
	m.Enqueue("q", &Item{ID: "x"})

	ctx := context.Background()
	it, err := m.Dequeue(ctx, "q")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if it.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", it.Attempts())
	}
	m.Nack("q", it.ID)

	it2, err := m.Dequeue(ctx, "q")
	if err != nil {
		t.Fatalf("Dequeue after nack: %v", err)
	}
	if it2.ID != "x" {
		t.Errorf("got %s, want x", it2.ID)
	}
	if it2.Attempts() != 2 {
		t.Errorf("Attempts = %d, want 2", it2.Attempts())
	}
}

func TestVisibilityTimeoutRequeues(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	m.Enqueue("q", &Item{ID: "lost"})

	ctx := context.Background()
	if _, err := m.Dequeue(ctx, "q"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	// never acked; lease expires
	time.Sleep(40 * time.Millisecond)

	it, err := m.Dequeue(ctx, "q")
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if it.ID != "lost" {
		t.Errorf("got %s, want lost", it.ID)
	}
}

func TestTryDequeue(t *testing.T) {
	m := NewManager(time.Minute)
	if it := m.TryDequeue("q"); it != nil {
		t.Fatalf("empty queue returned %s", it.ID)
	}

	m.Enqueue("q", &Item{ID: "a"})
	it := m.TryDequeue("q")
	if it == nil || it.ID != "a" {
		t.Fatalf("got %v, want a", it)
	}
	if it.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", it.Attempts())
	}

	// leased, not pending: a second try comes up empty
	if it := m.TryDequeue("q"); it != nil {
		t.Errorf("leased item redelivered as %s", it.ID)
	}
	m.Ack("q", it.ID)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	m := NewManager(time.Minute)
	done := make(chan string, 1)
	go func() {
		it, err := m.Dequeue(context.Background(), "q")
		if err != nil {
			done <- "err:" + err.Error()
			return
		}
		done <- it.ID
	}()

	time.Sleep(10 * time.Millisecond)
	m.Enqueue("q", &Item{ID: "late"})

	select {
	case got := <-done:
		if got != "late" {
			t.Errorf("got %s, want late", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue never returned")
	}
}

func TestDequeueRespectsContext(t *testing.T) {
	m := NewManager(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Dequeue(ctx, "empty"); err == nil {
		t.Fatal("expected context error")
	}
}
