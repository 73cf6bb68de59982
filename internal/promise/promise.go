// Package promise provides a single-assignment completion cell.
//
// A Promise is completed at most once: by a value, by an error or by
// cancellation. Every later completion attempt reports false and changes
// nothing, so racing producers (write failure, response arrival, channel
// close) can all try to complete the same promise safely.
package promise

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the error of a promise completed by Cancel.
var ErrCancelled = errors.New("promise cancelled")

// State of a promise.
type State uint8

const (
	// Pending means no completion happened yet.
	Pending State = iota
	// Succeeded means the promise holds a value.
	Succeeded
	// Failed means the promise holds an error.
	Failed
	// Cancelled means the promise was cancelled by a consumer.
	Cancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Promise is a complete-once result of type T.
type Promise[T any] struct {
	done      chan struct{}
	value     T
	err       error
	listeners []func(*Promise[T])
	mu        sync.Mutex
	state     State
}

// New returns a pending promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolved returns a promise already succeeded with v.
func Resolved[T any](v T) *Promise[T] {
	p := New[T]()
	p.TrySucceed(v)
	return p
}

// Rejected returns a promise already failed with err.
func Rejected[T any](err error) *Promise[T] {
	p := New[T]()
	p.TryFail(err)
	return p
}

// TrySucceed completes the promise with v.
// It reports whether this call performed the completion.
func (p *Promise[T]) TrySucceed(v T) bool {
	return p.complete(Succeeded, v, nil)
}

// TryFail completes the promise with err. A nil err is replaced with a generic failure.
// It reports whether this call performed the completion.
func (p *Promise[T]) TryFail(err error) bool {
	if err == nil {
		err = errors.New("promise failed without cause")
	}
	var zero T
	return p.complete(Failed, zero, err)
}

// Cancel completes the promise with ErrCancelled.
// It reports whether this call performed the completion.
func (p *Promise[T]) Cancel() bool {
	var zero T
	return p.complete(Cancelled, zero, ErrCancelled)
}

func (p *Promise[T]) complete(state State, v T, err error) bool {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return false
	}
	p.state = state
	p.value = v
	p.err = err
	listeners := p.listeners
	p.listeners = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(p)
	}

	return true
}

// OnComplete registers fn to run once the promise completes.
// If the promise is already complete fn runs immediately on the calling goroutine,
// otherwise it runs on the goroutine that completes the promise.
func (p *Promise[T]) OnComplete(fn func(*Promise[T])) {
	p.mu.Lock()
	if p.state == Pending {
		p.listeners = append(p.listeners, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn(p)
}

// Done returns a channel closed on completion.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// State returns the current state.
func (p *Promise[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsDone reports whether the promise is complete in any way.
func (p *Promise[T]) IsDone() bool {
	return p.State() != Pending
}

// IsSuccess reports whether the promise holds a value.
func (p *Promise[T]) IsSuccess() bool {
	return p.State() == Succeeded
}

// IsCancelled reports whether the promise was cancelled.
func (p *Promise[T]) IsCancelled() bool {
	return p.State() == Cancelled
}

// Err returns the failure of a completed promise, nil otherwise.
func (p *Promise[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Result returns the value and error without blocking.
// For a pending promise it returns the zero value and a nil error.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Wait blocks until the promise completes or ctx is done.
// Context expiry does not complete the promise.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then returns a promise completed with fn applied to the value of p,
// or with the failure of p. Cancellation of the returned promise cancels p.
func Then[T, U any](p *Promise[T], fn func(T) (U, error)) *Promise[U] {
	next := New[U]()
	next.OnComplete(func(n *Promise[U]) {
		if n.IsCancelled() {
			p.Cancel()
		}
	})
	p.OnComplete(func(p *Promise[T]) {
		if p.IsCancelled() {
			next.Cancel()
			return
		}
		v, err := p.Result()
		if err != nil {
			next.TryFail(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			next.TryFail(err)
			return
		}
		next.TrySucceed(u)
	})
	return next
}

// Cascade completes dst with the outcome of src.
func Cascade[T any](src, dst *Promise[T]) {
	src.OnComplete(func(src *Promise[T]) {
		v, err := src.Result()
		switch src.State() {
		case Succeeded:
			dst.TrySucceed(v)
		case Cancelled:
			dst.Cancel()
		default:
			dst.TryFail(err)
		}
	})
}
