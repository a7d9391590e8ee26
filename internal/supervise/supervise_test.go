package supervise

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, within time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPoolStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool()

	var started atomic.Bool
	pool.Go(ctx, "blocker", func(ctx context.Context) error {
		started.Store(true)
		<-ctx.Done()
		return ctx.Err()
	})
	waitFor(t, started.Load, time.Second, "task never started")

	cancel()
	done := make(chan struct{})
	go func() { pool.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}

func TestPoolRestartsAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool()

	var runs atomic.Int32
	pool.Go(ctx, "flaky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("transient failure")
		}
		<-ctx.Done()
		return ctx.Err()
	})

	// first exit restarts after the minimum backoff
	waitFor(t, func() bool { return runs.Load() >= 2 }, 3*time.Second, "task was not restarted")

	health := pool.Health()
	workers := health["workers"].([]taskState)
	if len(workers) != 1 || workers[0].Restarts < 1 {
		t.Errorf("health = %+v, want one worker with restarts >= 1", workers)
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool()

	var runs atomic.Int32
	pool.Go(ctx, "crasher", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	})

	waitFor(t, func() bool { return runs.Load() >= 2 }, 3*time.Second, "task did not survive its own panic")

	workers := pool.Health()["workers"].([]taskState)
	if len(workers) != 1 || !strings.Contains(workers[0].LastError, "panic") {
		t.Errorf("workers = %+v, want recorded panic", workers)
	}
}

func TestPoolRefusesDuplicateNames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool()

	block := func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
	pool.Go(ctx, "worker", block)
	pool.Go(ctx, "worker", block)

	workers := pool.Health()["workers"].([]taskState)
	if len(workers) != 1 {
		t.Errorf("registered %d workers under one name, want 1", len(workers))
	}
}
