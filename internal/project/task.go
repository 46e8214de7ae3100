package project

import (
	"context"
	"log"
)

// Task is the handle for an in-flight asynchronous request. The caller either
// awaits it or detaches it; a detached task keeps running to completion and
// only logs its failure, never delivering it to a blocked caller.
type Task[T any] struct {
	done   chan struct{}
	result T
	err    error
	cancel context.CancelFunc
}

// Start runs fn in the background and returns its handle. The task owns its
// own resources until it resolves regardless of caller interest.
func Start[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer cancel()
		t.result, t.err = fn(ctx)
		close(t.done)
	}()
	return t
}

// Await suspends until the task resolves or ctx is done. A context
// cancellation abandons the request: the underlying work is cancelled and the
// result, if any, is discarded.
func (t *Task[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		t.cancel()
		var zero T
		return zero, ctx.Err()
	}
}

// Detach converts the task to fire-and-forget. Errors are logged under the
// given label; results are dropped.
func (t *Task[T]) Detach(label string) {
	go func() {
		<-t.done
		if t.err != nil {
			log.Printf("%s: detached request failed: %v", label, t.err)
		}
	}()
}

// Cancel abandons the task, stopping the underlying work.
func (t *Task[T]) Cancel() {
	t.cancel()
}
