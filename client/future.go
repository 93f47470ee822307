package client

import (
	"context"
	"sync"
	"time"

	"github.com/dan-strohschein/cql-driver/protocol"
)

// FutureState is the lifecycle of a Future.
type FutureState int

const (
	FuturePending FutureState = iota
	FutureReady
	FutureReleased
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "PENDING"
	case FutureReady:
		return "READY"
	case FutureReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// Future is a single-assignment result cell returned by every network
// operation. It becomes ready exactly once, with either a value or an error.
// The payload can be taken out once with Release; the future is inert
// afterwards.
//
// Any number of goroutines may poll or wait on a Future concurrently.
type Future[T any] struct {
	done chan struct{}
	pool *callbackPool

	mu        sync.Mutex
	state     FutureState
	value     T
	err       error
	callbacks []func(T, error)
}

func newFuture[T any](pool *callbackPool) *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
		pool: pool,
	}
}

// completedFuture returns a future that is already ready.
func completedFuture[T any](pool *callbackPool, v T, err error) *Future[T] {
	f := newFuture[T](pool)
	f.complete(v, err)
	return f
}

// complete fulfills the future. Only the first call has any effect; it
// reports whether this call was the one that fulfilled it.
func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	if f.state != FuturePending {
		f.mu.Unlock()
		return false
	}
	f.value = v
	f.err = err
	f.state = FutureReady
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		f.pool.submit(func() { cb(v, err) })
	}
	return true
}

// Ready reports whether the future has been fulfilled. It never blocks.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// State returns the current state.
func (f *Future[T]) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done returns a channel closed when the future becomes ready.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the future is ready.
func (f *Future[T]) Wait() {
	<-f.done
}

// WaitTimed blocks for at most d and reports whether the future became
// ready. A timeout leaves the underlying request running.
func (f *Future[T]) WaitTimed(d time.Duration) bool {
	if f.Ready() {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return true
	case <-timer.C:
		return false
	}
}

// WaitContext blocks until the future is ready or ctx is done. Like
// WaitTimed, giving up does not cancel the request.
func (f *Future[T]) WaitContext(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return protocol.WrapError(protocol.KindTimeout, "wait abandoned", ctx.Err())
	}
}

// Err returns the error of a future that completed with one. It returns nil
// while pending, on success, and after Release.
func (f *Future[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != FutureReady {
		return nil
	}
	return f.err
}

// ErrorString renders Err into buf using the buffer-copy convention and
// returns the full message length. It returns 0 when there is no error.
func (f *Future[T]) ErrorString(buf []byte) int {
	err := f.Err()
	if err == nil {
		return 0
	}
	return ErrorString(err, buf)
}

// Release waits for the future, then hands its value and error to the
// caller. A second call fails with AlreadyReleased.
func (f *Future[T]) Release() (T, error) {
	<-f.done

	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	if f.state == FutureReleased {
		return zero, protocol.NewError(protocol.KindAlreadyReleased, "future payload already released", nil)
	}
	v, err := f.value, f.err
	f.value = zero
	f.err = nil
	f.state = FutureReleased
	return v, err
}

// Get waits for the future and releases it.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	if err := f.WaitContext(ctx); err != nil {
		var zero T
		return zero, err
	}
	return f.Release()
}

// OnComplete registers cb to run on the callback pool once the future is
// ready. If it is already ready, cb is scheduled immediately; if it has been
// released, cb receives AlreadyReleased.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	if f.state == FuturePending {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	state := f.state
	v, err := f.value, f.err
	f.mu.Unlock()

	if state == FutureReleased {
		err = protocol.NewError(protocol.KindAlreadyReleased, "future payload already released", nil)
	}
	f.pool.submit(func() { cb(v, err) })
}
