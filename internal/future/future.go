// Package future provides a small completion primitive for asynchronous tile work.
//
// Cancellation only detaches: whoever produces the value keeps running, but its
// result is dropped and pending callbacks are never invoked. Subscribe never runs
// a callback on the caller's goroutine, so it is safe to call while holding locks
// that the callback itself would need.
package future

import (
	"context"
	"errors"
	"sync"
)

var ErrCancelled = errors.New("future: cancelled")

type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	finished  bool
	cancelled bool
	value     T
	err       error
	callbacks []func(T, error)
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future that already holds v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future that already holds err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete stores v and runs subscribers on the calling goroutine.
// It returns false if the future was already finished or cancelled.
func (f *Future[T]) Complete(v T) bool {
	return f.finish(v, nil, false)
}

func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.finish(zero, err, false)
}

// Cancel finishes the future with ErrCancelled and drops every subscriber.
// Cancelling a finished future is a no-op.
func (f *Future[T]) Cancel() bool {
	var zero T
	return f.finish(zero, ErrCancelled, true)
}

func (f *Future[T]) finish(v T, err error, cancel bool) bool {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return false
	}
	f.finished = true
	f.cancelled = cancel
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	if cancel {
		return true
	}
	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Subscribe registers cb to run once the future finishes. If the future has
// already finished it returns false without calling cb; the caller is expected
// to read Result itself.
func (f *Future[T]) Subscribe(cb func(T, error)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finished {
		return false
	}
	f.callbacks = append(f.callbacks, cb)
	return true
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

func (f *Future[T]) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Result does not block. Before the future finishes it returns the zero value
// and a nil error, so check IsDone first.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
