package atomicop_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/authflow/pkg/atomicop"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestManager_Run(t *testing.T) {
	t.Parallel()

	t.Run("second caller for same key fails fast", func(t *testing.T) {
		t.Parallel()

		m := atomicop.New()
		started := make(chan struct{})
		release := make(chan struct{})

		done := make(chan error, 1)
		go func() {
			_, err := atomicop.Run(context.Background(), m, "k", "test", func(ctx context.Context) (string, error) {
				close(started)
				<-release
				return "first", nil
			})
			done <- err
		}()
		<-started

		var calls atomic.Int32
		_, err := atomicop.Run(context.Background(), m, "k", "other", func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "second", nil
		})
		require.Error(t, err)
		assert.True(t, atomicop.IsConflict(err))

		var conflict *atomicop.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "k", conflict.Key)
		assert.Equal(t, "test", conflict.Category)
		assert.Zero(t, calls.Load())
		assert.True(t, m.IsHeld("k"))

		close(release)
		require.NoError(t, <-done)
		assert.False(t, m.IsHeld("k"))
	})

	t.Run("different keys run concurrently", func(t *testing.T) {
		t.Parallel()

		m := atomicop.New()
		release := make(chan struct{})
		var wg sync.WaitGroup
		var running atomic.Int32

		for _, key := range []string{"a", "b", "c"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = m.Do(context.Background(), key, "test", func(ctx context.Context) error {
					running.Add(1)
					<-release
					return nil
				})
			}()
		}

		require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
		assert.Len(t, m.Active(), 3)
		close(release)
		wg.Wait()
		assert.Empty(t, m.Active())
	})

	t.Run("releases after error", func(t *testing.T) {
		t.Parallel()

		m := atomicop.New()
		boom := errors.New("boom")
		err := m.Do(context.Background(), "k", "test", func(ctx context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, m.IsHeld("k"))
	})

	t.Run("releases after panic", func(t *testing.T) {
		t.Parallel()

		m := atomicop.New()
		assert.Panics(t, func() {
			_ = m.Do(context.Background(), "k", "test", func(ctx context.Context) error { panic("boom") })
		})
		assert.False(t, m.IsHeld("k"))
	})

	t.Run("rejects empty key and cancelled context", func(t *testing.T) {
		t.Parallel()

		m := atomicop.New()
		assert.ErrorIs(t, m.Do(context.Background(), "", "test", func(ctx context.Context) error { return nil }), atomicop.ErrEmptyKey)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, m.Do(ctx, "k", "test", func(ctx context.Context) error { return nil }), context.Canceled)
	})
}

func TestManager_StaleTakeover(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := atomicop.New(atomicop.WithStaleAfter(time.Minute), atomicop.WithClock(clock.Now))

	firstIn := make(chan struct{})
	firstOut := make(chan struct{})
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = m.Do(context.Background(), "k", "slow", func(ctx context.Context) error {
			close(firstIn)
			<-firstOut
			return nil
		})
	}()
	<-firstIn

	err := m.Do(context.Background(), "k", "fast", func(ctx context.Context) error { return nil })
	require.True(t, atomicop.IsConflict(err))

	clock.Advance(time.Minute)
	assert.False(t, m.IsHeld("k"))

	secondIn := make(chan struct{})
	secondOut := make(chan struct{})
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- m.Do(context.Background(), "k", "fast", func(ctx context.Context) error {
			close(secondIn)
			<-secondOut
			return nil
		})
	}()
	<-secondIn

	// the abandoned holder finishing must not free the new holder's lock
	close(firstOut)
	<-firstDone
	assert.True(t, m.IsHeld("k"))

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "fast", active[0].Category)

	close(secondOut)
	require.NoError(t, <-secondDone)
	assert.False(t, m.IsHeld("k"))
}
