package compute

import (
	"context"
	"sync"
)

// Future is the eventual result of an asynchronous operation. It resolves
// exactly once.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already resolved with v and err.
func Resolved[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v, err)
	return f
}

// Resolve sets the result of the future. Only the first call has effect,
// it returns false on subsequent calls.
func (f *Future[T]) Resolve(v T, err error) (first bool) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		first = true
	})
	return first
}

// Done returns a channel closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the future resolves or ctx is done. Cancellation of ctx
// takes precedence over a result that is ready at the same time.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-f.done:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return f.val, f.err
}
