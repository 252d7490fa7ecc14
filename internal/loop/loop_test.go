package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/scope/internal/testutil/testlog"
)

func TestTurnRunsOnlyTasksQueuedBeforeIt(t *testing.T) {
	testlog.Start(t)
	rt := New()
	var order []string
	rt.Post(func() {
		order = append(order, "a")
		rt.Defer(func() { order = append(order, "deferred") })
	})
	rt.Post(func() { order = append(order, "b") })

	if n := rt.Turn(); n != 2 {
		t.Fatalf("first turn ran %d tasks", n)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("first turn order: %v", order)
	}
	if rt.Pending() != 1 {
		t.Fatalf("deferred task must wait for next turn")
	}
	rt.Turn()
	if order[2] != "deferred" {
		t.Fatalf("deferred task did not run: %v", order)
	}
}

func TestRunUntilIdleDrainsChains(t *testing.T) {
	testlog.Start(t)
	rt := New()
	count := 0
	var step func()
	step = func() {
		count++
		if count < 5 {
			rt.Defer(step)
		}
	}
	rt.Post(step)
	if total := rt.RunUntilIdle(100); total != 5 || count != 5 {
		t.Fatalf("run until idle: total=%d count=%d", total, count)
	}
}

func TestInvokeFromForeignGoroutine(t *testing.T) {
	testlog.Start(t)
	rt := New()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = rt.Run(ctx)
	}()

	value := 0
	err := rt.Invoke(context.Background(), func() error {
		value = 42
		return errors.New("done")
	})
	if err == nil || err.Error() != "done" || value != 42 {
		t.Fatalf("invoke: err=%v value=%d", err, value)
	}

	fired := make(chan struct{})
	rt.AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer task never ran")
	}

	cancel()
	wg.Wait()
}

func TestPostAfterCloseIsRejected(t *testing.T) {
	testlog.Start(t)
	rt := New()
	rt.Close()
	if rt.Post(func() {}) {
		t.Fatalf("post after close must fail")
	}
	if err := rt.Invoke(context.Background(), func() error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
