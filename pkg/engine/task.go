package engine

import (
	"context"
	"fmt"
)

// Task is the outstanding work of one event. The event may only be
// considered finished once the task is done.
type Task[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed when the task has finished.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func failedTask[T any](err error) *Task[T] {
	t := &Task[T]{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

// spawn runs fn as a tracked task of kind. Panics become errors so no
// failure escapes an event.
func spawn[T any](e *Engine, kind string, fn func() (T, error)) *Task[T] {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		eventsTotal.WithLabelValues(kind, "rejected").Inc()
		return failedTask[T](ErrDraining)
	}
	e.wg.Add(1)
	e.mu.Unlock()

	t := &Task[T]{done: make(chan struct{})}
	go func() {
		defer e.wg.Done()
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("%s event panicked: %v", kind, r)
				e.logger.Error().Str("event", kind).Interface("panic", r).Msg("Event panicked")
				eventsTotal.WithLabelValues(kind, "error").Inc()
			}
		}()

		t.val, t.err = fn()
		if t.err != nil {
			eventsTotal.WithLabelValues(kind, "error").Inc()
			return
		}
		eventsTotal.WithLabelValues(kind, "ok").Inc()
	}()
	return t
}
