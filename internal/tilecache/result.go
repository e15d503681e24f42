package tilecache

import (
	"context"
	"fmt"
)

// Result is the outcome of one load or get call. It can only be built as a
// success or a failure, never both.
type Result[T any] struct {
	value T
	err   error
}

func succeeded[T any](value T) Result[T] { return Result[T]{value: value} }

func failed[T any](err error) Result[T] { return Result[T]{err: err} }

// Unwrap returns the value on success or the classified error on failure.
func (r Result[T]) Unwrap() (T, error) {
	if r.err != nil {
		var zero T
		return zero, r.err
	}
	return r.value, nil
}

// Err returns the failure, or nil on success.
func (r Result[T]) Err() error { return r.err }

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool { return r.err == nil }

// Pending is a single-shot future. It resolves exactly once.
type Pending[T any] struct {
	done   chan struct{}
	result Result[T]
}

// Done is closed once the result is available.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the result is available or ctx ends. Abandoning the wait
// does not cancel the underlying work.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.result.Unwrap()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false until resolved.
func (p *Pending[T]) Result() (Result[T], bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return Result[T]{}, false
	}
}

// settle runs work off the caller's goroutine and hands its outcome to
// deliver exactly once. Panics become runtime errors so deliver still fires.
func settle[T any](work func() (T, error), deliver func(Result[T])) {
	go func() {
		deliver(capture(work))
	}()
}

func capture[T any](work func() (T, error)) (res Result[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			res = failed[T](newError(KindRuntime, fmt.Sprintf("internal fault: %v", rec), nil))
		}
	}()
	value, err := work()
	if err != nil {
		return failed[T](err)
	}
	return succeeded(value)
}

func async[T any](work func() (T, error)) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{})}
	settle(work, func(r Result[T]) {
		p.result = r
		close(p.done)
	})
	return p
}
