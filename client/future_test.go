package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-strohschein/cql-driver/protocol"
)

func TestFutureLifecycle(t *testing.T) {
	f := newFuture[int](nil)
	assert.False(t, f.Ready())
	assert.Equal(t, FuturePending, f.State())
	assert.NoError(t, f.Err())
	assert.False(t, f.WaitTimed(10*time.Millisecond))

	require.True(t, f.complete(42, nil))
	assert.True(t, f.Ready())
	assert.Equal(t, FutureReady, f.State())
	assert.True(t, f.WaitTimed(0))

	v, err := f.Release()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, FutureReleased, f.State())

	v, err = f.Release()
	assert.Zero(t, v)
	assert.Equal(t, protocol.KindAlreadyReleased, ErrorKind(err))
}

func TestFutureCompletesOnce(t *testing.T) {
	f := newFuture[string](nil)
	assert.True(t, f.complete("first", nil))
	assert.False(t, f.complete("second", errors.New("late")))

	v, err := f.Release()
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestFutureError(t *testing.T) {
	cause := protocol.NewError(protocol.KindConnectionClosed, "connection closed with request in flight", nil)
	f := completedFuture[int](nil, 0, cause)

	assert.Equal(t, cause, f.Err())

	buf := make([]byte, 8)
	n := f.ErrorString(buf)
	assert.Equal(t, len(cause.Error()), n)
	assert.Equal(t, cause.Error()[:8], string(buf))

	_, err := f.Release()
	assert.Equal(t, cause, err)
	assert.NoError(t, f.Err(), "released future holds no error")
	assert.Zero(t, f.ErrorString(buf))
}

func TestFutureConcurrentWaiters(t *testing.T) {
	f := newFuture[int](nil)

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]int, waiters)
	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Wait()
			results[i] = 1
		}()
	}

	time.Sleep(10 * time.Millisecond)
	f.complete(1, nil)
	wg.Wait()

	for i, r := range results {
		assert.Equal(t, 1, r, "waiter %d", i)
	}
}

func TestFutureWaitContext(t *testing.T) {
	f := newFuture[int](nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := f.WaitContext(ctx)
	assert.Equal(t, protocol.KindTimeout, ErrorKind(err))
	assert.False(t, f.Ready(), "giving up does not complete the future")

	f.complete(7, nil)
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFutureOnComplete(t *testing.T) {
	pool := newCallbackPool(2)
	defer pool.stop()

	t.Run("registered before completion", func(t *testing.T) {
		f := newFuture[int](pool)
		got := make(chan int, 1)
		f.OnComplete(func(v int, err error) {
			assert.NoError(t, err)
			assert.True(t, f.Ready(), "state is visible before callbacks run")
			got <- v
		})
		f.complete(3, nil)
		assert.Equal(t, 3, <-got)
	})

	t.Run("registered after completion", func(t *testing.T) {
		f := completedFuture(pool, 5, nil)
		got := make(chan int, 1)
		f.OnComplete(func(v int, _ error) { got <- v })
		assert.Equal(t, 5, <-got)
	})

	t.Run("registered after release", func(t *testing.T) {
		f := completedFuture(pool, 5, nil)
		_, _ = f.Release()
		got := make(chan error, 1)
		f.OnComplete(func(_ int, err error) { got <- err })
		assert.Equal(t, protocol.KindAlreadyReleased, ErrorKind(<-got))
	})
}

func TestFutureStateString(t *testing.T) {
	assert.Equal(t, "PENDING", FuturePending.String())
	assert.Equal(t, "READY", FutureReady.String())
	assert.Equal(t, "RELEASED", FutureReleased.String())
	assert.Equal(t, "UNKNOWN", FutureState(9).String())
}
