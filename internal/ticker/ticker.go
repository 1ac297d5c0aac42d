// Package ticker runs a function periodically until stopped.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrAlreadyRunning = errors.New("task already running")

// Task calls fn, waits interval, and repeats until its context is cancelled
// or Stop is called
type Task struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func(context.Context)
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped task
func New(interval time.Duration, fn func(context.Context)) (*Task, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	if fn == nil {
		return nil, errors.New("task function required")
	}
	return &Task{interval: interval, fn: fn}, nil
}

// Start launches the loop. The first call to fn happens immediately.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runningLocked() {
		return ErrAlreadyRunning
	}
	if t.cancel != nil {
		// The parent context ended the previous run.
		t.cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done

	go t.loop(ctx, done)
	return nil
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		t.fn(ctx)

		timer := time.NewTimer(t.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop cancels the loop and waits for the current call to fn to return.
// It must not be called from inside fn.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is started
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningLocked()
}

// Done returns a channel closed when the current run ends, whether by Stop
// or by its context. It is nil when the task was never started or stopped.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Task) runningLocked() bool {
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Interval returns the wait between calls
func (t *Task) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// SetInterval changes the wait; it applies from the next wait on
func (t *Task) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("interval must be positive, got %s", d)
	}
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
	return nil
}
