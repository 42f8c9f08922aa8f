package p2p

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is a one-shot result slot. The connection resolves it on the
// dispatch goroutine; callers wait on it from their own.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error

	received atomic.Int64
	total    atomic.Int64

	cancel func(error)
}

func newFuture[T any]() *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.total.Store(-1)
	return f
}

func (f *Future[T]) resolve(value T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Progress reports bytes received so far and the declared total, which is
// -1 until the response header arrives.
func (f *Future[T]) Progress() (received, total int64) {
	return f.received.Load(), f.total.Load()
}

// Cancel abandons the request behind f, resolving it with err unless a
// result already arrived. A partial download is discarded.
func (f *Future[T]) Cancel(err error) {
	if f.cancel != nil {
		f.cancel(err)
	}
}
