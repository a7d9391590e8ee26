package bus

import (
	"context"
	"testing"
	"time"

	"github.com/cora-labs/cora/internal/types"
)

func TestPublishSubscribeOrdering(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe(context.Background(), "user:alice:events")
	for i, typ := range []string{"status", "message", "done"} {
		if err := b.Publish("user:alice:events", types.StreamEvent{Type: typ, OutputID: string(rune('a' + i))}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for _, want := range []string{"status", "message", "done"} {
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Errorf("got %s, want %s", ev.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatal("event never arrived")
		}
	}
}

func TestKeyIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	alice := b.Subscribe(context.Background(), "user:alice:events")
	b.Publish("user:bob:events", types.StreamEvent{Type: "message"})

	select {
	case ev := <-alice:
		t.Errorf("alice got bob's event %s", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, "k")
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}

	// publish after unsubscribe must not panic or error
	if err := b.Publish("k", types.StreamEvent{Type: "status"}); err != nil {
		t.Errorf("Publish after cancel: %v", err)
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	ch := b.Subscribe(context.Background(), "k")
	b.Close()

	if _, open := <-ch; open {
		t.Error("subscriber channel still open after Close")
	}
	if err := b.Publish("k", types.StreamEvent{Type: "status"}); err == nil {
		t.Error("expected error publishing to closed bus")
	}
}
