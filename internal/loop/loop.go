// Package loop is the single-threaded runtime every protocol object runs
// on. Tasks run one at a time in post order. A turn runs only the tasks
// queued before it started, so work posted from inside a task always
// lands on a later turn.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("loop: runtime closed")

// Runtime owns the task queue.
type Runtime struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func New() *Runtime {
	return &Runtime{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn from any goroutine. It returns false once the runtime
// is closed.
func (r *Runtime) Post(fn func()) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Defer schedules fn for the next turn. Callers on the loop use it to
// step out of the current callback before mutating shared state.
func (r *Runtime) Defer(fn func()) {
	r.Post(fn)
}

// AfterFunc posts fn to the loop once d has elapsed. The returned stop
// function cancels a timer that has not fired yet.
func (r *Runtime) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	t := time.AfterFunc(d, func() { r.Post(fn) })
	return t.Stop
}

// Turn runs the tasks queued before the call and reports how many ran.
func (r *Runtime) Turn() int {
	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
	return len(batch)
}

// Pending reports the number of queued tasks.
func (r *Runtime) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// RunUntilIdle turns the loop until no task is queued. Tests use it to
// drive deterministic scenarios. maxTurns bounds runaway task chains.
func (r *Runtime) RunUntilIdle(maxTurns int) int {
	total := 0
	for i := 0; i < maxTurns; i++ {
		n := r.Turn()
		if n == 0 {
			return total
		}
		total += n
	}
	return total
}

// Run turns the loop until ctx ends or Close is called.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		r.Turn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			r.Turn()
			return nil
		case <-r.wake:
		}
	}
}

// Invoke runs fn on the loop and waits for its result. It must not be
// called from a loop task.
func (r *Runtime) Invoke(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !r.Post(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting tasks. Run drains what is already queued.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.done)
}

// Closed reports whether Close was called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
