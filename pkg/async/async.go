package async

import (
	"context"
	"sync"
)

// Future represents the result of an asynchronous computation.
type Future[U any] struct {
	result U
	err    error
	done   chan struct{}
}

// Await blocks until the computation completes.
func (f *Future[U]) Await() (U, error) {
	<-f.done
	return f.result, f.err
}

// AwaitContext waits for completion or for ctx to end, whichever comes first.
// Abandoning the wait does not stop the computation.
func (f *Future[U]) AwaitContext(ctx context.Context) (U, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero U
		return zero, ctx.Err()
	}
}

// IsComplete reports whether the computation has finished, without blocking.
func (f *Future[U]) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Go runs fn in its own goroutine and returns a Future for its result.
// A context that is already cancelled completes the Future with ctx.Err()
// without calling fn.
func Go[U any](ctx context.Context, fn func(context.Context) (U, error)) *Future[U] {
	f := &Future[U]{done: make(chan struct{})}

	go func() {
		defer close(f.done)

		if err := ctx.Err(); err != nil {
			f.err = err
			return
		}
		f.result, f.err = fn(ctx)
	}()

	return f
}

// Memo shares a single in-flight computation between concurrent callers.
// A successful result is kept for the lifetime of the Memo; a failed one is
// forgotten once it completes so the next caller starts over.
type Memo[U any] struct {
	mu     sync.Mutex
	future *Future[U]
}

// Do returns the Future of the current computation, starting fn when none is
// in flight or settled successfully. fn runs on a context detached from the
// first caller's cancellation, because other callers may still be waiting on it.
func (m *Memo[U]) Do(ctx context.Context, fn func(context.Context) (U, error)) *Future[U] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.future; f != nil {
		if !f.IsComplete() {
			return f
		}
		if _, err := f.Await(); err == nil {
			return f
		}
	}

	f := Go(context.WithoutCancel(ctx), fn)
	m.future = f

	go func() {
		if _, err := f.Await(); err != nil {
			m.mu.Lock()
			if m.future == f {
				m.future = nil
			}
			m.mu.Unlock()
		}
	}()

	return f
}

// Settled reports whether a successful result is held.
func (m *Memo[U]) Settled() bool {
	m.mu.Lock()
	f := m.future
	m.mu.Unlock()

	if f == nil || !f.IsComplete() {
		return false
	}
	_, err := f.Await()
	return err == nil
}

// Reset drops any held result so the next Do starts a new computation.
func (m *Memo[U]) Reset() {
	m.mu.Lock()
	m.future = nil
	m.mu.Unlock()
}
