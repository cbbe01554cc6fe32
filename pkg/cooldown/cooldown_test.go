package cooldown_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/authflow/pkg/cooldown"
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

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestCanAttempt(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cd := 3 * time.Second

	assert.True(t, cooldown.CanAttempt(time.Time{}, cd, t0))
	for _, offset := range []time.Duration{time.Millisecond, time.Second, 2999 * time.Millisecond} {
		assert.False(t, cooldown.CanAttempt(t0, cd, t0.Add(offset)), offset)
	}
	assert.True(t, cooldown.CanAttempt(t0, cd, t0.Add(cd)))
	assert.True(t, cooldown.CanAttempt(t0, cd, t0.Add(time.Hour)))

	assert.Equal(t, 2*time.Second, cooldown.Remaining(t0, cd, t0.Add(time.Second)))
	assert.Zero(t, cooldown.Remaining(t0, 0, t0))
}

func TestTracker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("success starts the cooldown", func(t *testing.T) {
		t.Parallel()

		clock := &fakeClock{now: t0}
		tr := cooldown.NewTracker(nil, cooldown.WithCooldown("oauth", 3*time.Second), cooldown.WithClock(clock.Now))

		require.NoError(t, tr.Check(ctx, "oauth"))
		require.NoError(t, tr.RecordSuccess(ctx, "oauth"))

		clock.Set(t0.Add(1500 * time.Millisecond))
		err := tr.Check(ctx, "oauth")
		require.Error(t, err)
		assert.True(t, errors.Is(err, cooldown.ErrCoolingDown))

		cerr, ok := cooldown.AsError(fmt.Errorf("wrapped: %w", err))
		require.True(t, ok)
		assert.Equal(t, "oauth", cerr.Flow)
		assert.Equal(t, 2, cerr.Seconds())
		assert.Equal(t, "please wait 2 seconds before trying again", cerr.Error())

		clock.Set(t0.Add(3 * time.Second))
		assert.NoError(t, tr.Check(ctx, "oauth"))
	})

	t.Run("failed attempts do not extend the wait", func(t *testing.T) {
		t.Parallel()

		clock := &fakeClock{now: t0}
		tr := cooldown.NewTracker(cooldown.NewMemoryStore(), cooldown.WithDefaultCooldown(3*time.Second), cooldown.WithClock(clock.Now))

		require.NoError(t, tr.RecordAttempt(ctx, "google"))
		assert.NoError(t, tr.Check(ctx, "google"))

		state, err := tr.State(ctx, "google")
		require.NoError(t, err)
		assert.Equal(t, t0, state.LastAttempt)
		assert.True(t, state.LastSuccess.IsZero())
	})

	t.Run("flows are independent", func(t *testing.T) {
		t.Parallel()

		clock := &fakeClock{now: t0}
		tr := cooldown.NewTracker(nil,
			cooldown.WithCooldown("magic_link", time.Minute),
			cooldown.WithClock(clock.Now),
		)
		require.NoError(t, tr.RecordSuccess(ctx, "magic_link"))
		assert.Error(t, tr.Check(ctx, "magic_link"))
		assert.NoError(t, tr.Check(ctx, "apple"))
		assert.Equal(t, time.Minute, tr.Cooldown("magic_link"))
		assert.Equal(t, 3*time.Second, tr.Cooldown("apple"))

		require.NoError(t, tr.Reset(ctx, "magic_link"))
		assert.NoError(t, tr.Check(ctx, "magic_link"))
	})

	t.Run("empty flow", func(t *testing.T) {
		t.Parallel()

		tr := cooldown.NewTracker(nil)
		assert.ErrorIs(t, tr.Check(ctx, ""), cooldown.ErrEmptyFlow)
		assert.ErrorIs(t, tr.RecordSuccess(ctx, ""), cooldown.ErrEmptyFlow)
	})
}
