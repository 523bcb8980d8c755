package detector

import (
	"context"
	"sync"
)

// Future is the handle returned by every asynchronous Service operation.
// It resolves exactly once.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	value T
	err   error
	then  []func(T, error)
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func resolvedFuture[T any](value T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(value, err)
	return f
}

func (f *Future[T]) resolve(value T, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.value = value
		f.err = err
		callbacks := f.then
		f.then = nil
		close(f.done)
		f.mu.Unlock()

		for _, fn := range callbacks {
			fn(value, err)
		}
	})
}

// Done is closed once the value is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx ends. A ctx error does not
// cancel the underlying work.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers fn to run with the resolved value. It runs on the goroutine
// that resolves the future, or on a new goroutine if already resolved.
func (f *Future[T]) Then(fn func(T)) {
	f.ThenErr(func(value T, _ error) { fn(value) })
}

// ThenErr is Then with access to the resolution error.
func (f *Future[T]) ThenErr(fn func(T, error)) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		go fn(f.value, f.err)
		return
	default:
	}
	f.then = append(f.then, fn)
	f.mu.Unlock()
}
