// Package supervise runs the long-lived workers: each task gets panic
// recovery and restart with backoff, and the pool exposes a health
// snapshot for the HTTP surface.
package supervise

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cora-labs/cora/internal/logging"
)

const (
	restartBackoffMin = time.Second
	restartBackoffMax = time.Minute

	// backoffResetAfter: a task that ran this long before dying gets a
	// fresh backoff, since it clearly made progress.
	backoffResetAfter = 5 * time.Minute
)

// Task is one supervised worker loop. It should run until ctx ends.
type Task func(ctx context.Context) error

// taskState is one worker's health record.
type taskState struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Pool supervises a set of named tasks.
type Pool struct {
	mu    sync.Mutex
	tasks map[string]*taskState
	wg    sync.WaitGroup
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{tasks: make(map[string]*taskState)}
}

// Go starts a supervised task: panics are recovered, exits before ctx ends
// restart with exponential backoff. Instances of the same worker need
// distinct names.
func (p *Pool) Go(ctx context.Context, name string, task Task) {
	p.mu.Lock()
	if _, exists := p.tasks[name]; exists {
		p.mu.Unlock()
		logging.Warn("supervise", "duplicate task name %q ignored", name)
		return
	}
	st := &taskState{Name: name}
	p.tasks[name] = st
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		backoff := restartBackoffMin
		for {
			started := time.Now()
			p.setRunning(st, true, "")
			err := p.runOnce(ctx, name, task)
			p.setRunning(st, false, errString(err))

			if ctx.Err() != nil {
				return
			}
			if time.Since(started) > backoffResetAfter {
				backoff = restartBackoffMin
			}
			logging.Warn("supervise", "%s exited (%v), restarting in %s", name, err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
			p.bumpRestarts(st)
		}
	}()
}

// runOnce executes the task with panic recovery.
func (p *Pool) runOnce(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logging.Warn("supervise", "%s panicked: %v", name, r)
		}
	}()
	return task(ctx)
}

// Wait blocks until every task has stopped.
func (p *Pool) Wait() { p.wg.Wait() }

// Health returns a snapshot of every task's state.
func (p *Pool) Health() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := "ok"
	workers := make([]taskState, 0, len(p.tasks))
	for _, st := range p.tasks {
		workers = append(workers, *st)
		if !st.Running {
			status = "degraded"
		}
	}
	return map[string]any{"status": status, "workers": workers}
}

func (p *Pool) setRunning(st *taskState, running bool, lastErr string) {
	p.mu.Lock()
	st.Running = running
	if running {
		st.StartedAt = time.Now()
	} else if lastErr != "" {
		st.LastError = lastErr
	}
	p.mu.Unlock()
}

func (p *Pool) bumpRestarts(st *taskState) {
	p.mu.Lock()
	st.Restarts++
	p.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
