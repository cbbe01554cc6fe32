package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newProcessor(sessions SessionSetter, otp OTPConfirmer, clock *fakeClock, opts ...DeepLinkOption) *DeepLinkProcessor {
	opts = append([]DeepLinkOption{WithDeepLinkClock(clock.Now)}, opts...)
	return NewDeepLinkProcessor(sessions, otp, opts...)
}

func TestDeepLinkProcessor_HandleCallback(t *testing.T) {
	t.Parallel()

	t.Run("ready database processes token pair immediately", func(t *testing.T) {
		t.Parallel()

		sessions := &MockSessionSetter{}
		sessions.On("SetSessionFromTokens", mock.Anything, "a1", "r1").Return(testSession("u1"), nil).Once()

		p := newProcessor(sessions, &MockOTPConfirmer{}, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		outcome, err := p.HandleCallback(context.Background(), "app://auth/callback#access_token=a1&refresh_token=r1", true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeProcessed, outcome)
		sessions.AssertExpectations(t)
	})

	t.Run("ready database confirms otp immediately", func(t *testing.T) {
		t.Parallel()

		otp := &MockOTPConfirmer{}
		otp.On("Confirm", mock.Anything, "h1", OTPMagicLink).Return(&Confirmation{User: testUser("u1")}, nil).Once()

		p := newProcessor(&MockSessionSetter{}, otp, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		outcome, err := p.HandleCallback(context.Background(), "app://auth/confirm?token_hash=h1", true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeProcessed, outcome)
	})

	t.Run("immediate failure is returned", func(t *testing.T) {
		t.Parallel()

		otp := &MockOTPConfirmer{}
		otp.On("Confirm", mock.Anything, "h1", OTPMagicLink).Return(nil, errors.New("expired")).Once()

		p := newProcessor(&MockSessionSetter{}, otp, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		outcome, err := p.HandleCallback(context.Background(), "app://auth/confirm?token_hash=h1", true)
		require.Error(t, err)
		assert.Equal(t, OutcomeFailed, outcome)
		assert.Equal(t, 0, p.QueueStatus().OTP)
	})

	t.Run("cold start queues until drained", func(t *testing.T) {
		t.Parallel()

		sessions := &MockSessionSetter{}
		otp := &MockOTPConfirmer{}
		p := newProcessor(sessions, otp, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		outcome, err := p.HandleCallback(context.Background(), "app://auth/callback#access_token=a1&refresh_token=r1", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeQueued, outcome)
		sessions.AssertNotCalled(t, "SetSessionFromTokens", mock.Anything, mock.Anything, mock.Anything)

		status := p.QueueStatus()
		assert.Equal(t, 1, status.OAuth)
		assert.False(t, status.Oldest.IsZero())

		sessions.On("SetSessionFromTokens", mock.Anything, "a1", "r1").Return(testSession("u1"), nil).Once()

		report, err := p.ProcessQueuedTokens(context.Background())
		require.NoError(t, err)
		assert.Equal(t, DrainReport{Processed: 1}, report)
		assert.Equal(t, 0, p.QueueStatus().OAuth)
		sessions.AssertExpectations(t)
	})

	t.Run("provider error is rejected", func(t *testing.T) {
		t.Parallel()

		p := newProcessor(&MockSessionSetter{}, &MockOTPConfirmer{}, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		outcome, err := p.HandleCallback(context.Background(), "app://auth/callback#error=access_denied&error_description=denied", true)
		assert.Equal(t, OutcomeRejected, outcome)
		var cbErr *CallbackError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "access_denied", cbErr.Code)
	})

	t.Run("unrecognized url is invalid", func(t *testing.T) {
		t.Parallel()

		p := newProcessor(&MockSessionSetter{}, &MockOTPConfirmer{}, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		outcome, err := p.HandleCallback(context.Background(), "app://settings", true)
		assert.Equal(t, OutcomeInvalid, outcome)
		assert.True(t, IsInvalidCallback(err))
	})

	t.Run("same url within window is a duplicate", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		otp := &MockOTPConfirmer{}
		otp.On("Confirm", mock.Anything, "h1", OTPMagicLink).Return(&Confirmation{User: testUser("u1")}, nil).Twice()

		p := newProcessor(&MockSessionSetter{}, otp, clock, WithURLCache(30*time.Second, 10))
		t.Cleanup(func() { _ = p.Close() })

		const link = "app://auth/confirm?token_hash=h1"
		outcome, err := p.HandleCallback(context.Background(), link, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeProcessed, outcome)

		outcome, err = p.HandleCallback(context.Background(), link, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
		otp.AssertNumberOfCalls(t, "Confirm", 1)

		clock.Advance(31 * time.Second)
		outcome, err = p.HandleCallback(context.Background(), link, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeProcessed, outcome)
		otp.AssertNumberOfCalls(t, "Confirm", 2)
	})

	t.Run("url in flight is a duplicate", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{})
		release := make(chan struct{})
		otp := &MockOTPConfirmer{}
		otp.On("Confirm", mock.Anything, "h1", OTPMagicLink).
			Run(func(mock.Arguments) {
				close(started)
				<-release
			}).
			Return(&Confirmation{User: testUser("u1")}, nil).Once()

		p := newProcessor(&MockSessionSetter{}, otp, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		const link = "app://auth/confirm?token_hash=h1"
		done := make(chan Outcome, 1)
		go func() {
			outcome, _ := p.HandleCallback(context.Background(), link, true)
			done <- outcome
		}()
		<-started

		outcome, err := p.HandleCallback(context.Background(), link, true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)

		close(release)
		assert.Equal(t, OutcomeProcessed, <-done)
	})
}

func TestDeepLinkProcessor_ProcessQueuedTokens(t *testing.T) {
	t.Parallel()

	t.Run("drains otp before oauth in arrival order", func(t *testing.T) {
		t.Parallel()

		rec := &orderRecorder{}
		sessions := &MockSessionSetter{}
		sessions.On("SetSessionFromTokens", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { rec.add("oauth:" + args.String(1)) }).
			Return(testSession("u1"), nil)
		otp := &MockOTPConfirmer{}
		otp.On("Confirm", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { rec.add("otp:" + args.String(1)) }).
			Return(&Confirmation{User: testUser("u1")}, nil)

		clock := newFakeClock()
		p := newProcessor(sessions, otp, clock)
		t.Cleanup(func() { _ = p.Close() })

		ctx := context.Background()
		for _, link := range []string{
			"app://auth/callback#access_token=a1&refresh_token=r1",
			"app://auth/confirm?token_hash=h1",
			"app://auth/callback#access_token=a2&refresh_token=r2",
			"app://auth/confirm?token_hash=h2",
		} {
			clock.Advance(time.Second)
			outcome, err := p.HandleCallback(ctx, link, false)
			require.NoError(t, err)
			require.Equal(t, OutcomeQueued, outcome)
		}

		report, err := p.ProcessQueuedTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, report.Processed)
		assert.Equal(t, []string{"otp:h1", "otp:h2", "oauth:a1", "oauth:a2"}, rec.list())
	})

	t.Run("expired entries are discarded", func(t *testing.T) {
		t.Parallel()

		sessions := &MockSessionSetter{}
		sessions.On("SetSessionFromTokens", mock.Anything, "fresh", "r").Return(testSession("u1"), nil).Once()

		clock := newFakeClock()
		p := newProcessor(sessions, &MockOTPConfirmer{}, clock, WithTokenQueue(50, 5*time.Minute))
		t.Cleanup(func() { _ = p.Close() })

		ctx := context.Background()
		_, err := p.HandleCallback(ctx, "app://auth/callback#access_token=stale&refresh_token=r", false)
		require.NoError(t, err)
		_, err = p.HandleCallback(ctx, "app://auth/confirm?token_hash=stale", false)
		require.NoError(t, err)

		clock.Advance(4 * time.Minute)
		_, err = p.HandleCallback(ctx, "app://auth/callback#access_token=fresh&refresh_token=r", false)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		report, err := p.ProcessQueuedTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, DrainReport{Processed: 1, Expired: 2}, report)
		sessions.AssertExpectations(t)
	})

	t.Run("failures are counted and do not stop the drain", func(t *testing.T) {
		t.Parallel()

		otp := &MockOTPConfirmer{}
		otp.On("Confirm", mock.Anything, "bad", OTPMagicLink).Return(nil, errors.New("invalid")).Once()
		otp.On("Confirm", mock.Anything, "good", OTPMagicLink).Return(&Confirmation{User: testUser("u1")}, nil).Once()

		p := newProcessor(&MockSessionSetter{}, otp, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		ctx := context.Background()
		_, _ = p.HandleCallback(ctx, "app://auth/confirm?token_hash=bad", false)
		_, _ = p.HandleCallback(ctx, "app://auth/confirm?token_hash=good", false)

		report, err := p.ProcessQueuedTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, DrainReport{Processed: 1, Failed: 1}, report)
	})

	t.Run("concurrent drain is skipped", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{})
		release := make(chan struct{})
		otp := &MockOTPConfirmer{}
		otp.On("Confirm", mock.Anything, "h1", OTPMagicLink).
			Run(func(mock.Arguments) {
				close(started)
				<-release
			}).
			Return(&Confirmation{User: testUser("u1")}, nil).Once()

		p := newProcessor(&MockSessionSetter{}, otp, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		ctx := context.Background()
		_, err := p.HandleCallback(ctx, "app://auth/confirm?token_hash=h1", false)
		require.NoError(t, err)

		done := make(chan DrainReport, 1)
		go func() {
			report, _ := p.ProcessQueuedTokens(ctx)
			done <- report
		}()
		<-started
		assert.True(t, p.QueueStatus().Draining)

		report, err := p.ProcessQueuedTokens(ctx)
		require.NoError(t, err)
		assert.True(t, report.Skipped)

		close(release)
		assert.Equal(t, DrainReport{Processed: 1}, <-done)
		assert.False(t, p.QueueStatus().Draining)
	})
}

func TestDeepLinkProcessor_LateEntries(t *testing.T) {
	t.Parallel()

	t.Run("entry queued during a drain is picked up by it", func(t *testing.T) {
		t.Parallel()

		started := make(chan struct{})
		release := make(chan struct{})
		otp := &MockOTPConfirmer{}
		otp.On("Confirm", mock.Anything, "h1", OTPMagicLink).
			Run(func(mock.Arguments) {
				close(started)
				<-release
			}).
			Return(&Confirmation{User: testUser("u1")}, nil).Once()
		sessions := &MockSessionSetter{}
		sessions.On("SetSessionFromTokens", mock.Anything, "a2", "r2").Return(testSession("u2"), nil).Once()

		p := newProcessor(sessions, otp, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		ctx := context.Background()
		_, err := p.HandleCallback(ctx, "app://auth/confirm?token_hash=h1", false)
		require.NoError(t, err)

		done := make(chan DrainReport, 1)
		go func() {
			report, _ := p.ProcessQueuedTokens(ctx)
			done <- report
		}()
		<-started

		outcome, err := p.HandleCallback(ctx, "app://auth/callback#access_token=a2&refresh_token=r2", false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeQueued, outcome)

		report, err := p.ProcessQueuedTokens(ctx)
		require.NoError(t, err)
		assert.True(t, report.Skipped)

		close(release)
		assert.Equal(t, DrainReport{Processed: 2}, <-done)
		assert.False(t, p.Pending())
		sessions.AssertExpectations(t)
	})

	t.Run("cancelled drain leaves entries pending", func(t *testing.T) {
		t.Parallel()

		sessions := &MockSessionSetter{}
		sessions.On("SetSessionFromTokens", mock.Anything, "a1", "r1").Return(testSession("u1"), nil).Once()

		p := newProcessor(sessions, &MockOTPConfirmer{}, newFakeClock())
		t.Cleanup(func() { _ = p.Close() })

		_, err := p.HandleCallback(context.Background(), "app://auth/callback#access_token=a1&refresh_token=r1", false)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = p.ProcessQueuedTokens(ctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.True(t, p.Pending())
		assert.False(t, p.QueueStatus().Draining)

		report, err := p.ProcessQueuedTokens(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Processed)
		assert.False(t, p.Pending())
	})
}

func TestDeepLinkProcessor_Bounds(t *testing.T) {
	t.Parallel()

	t.Run("queue keeps the newest entries", func(t *testing.T) {
		t.Parallel()

		rec := &orderRecorder{}
		otp := &MockOTPConfirmer{}
		otp.On("Confirm", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { rec.add(args.String(1)) }).
			Return(&Confirmation{User: testUser("u1")}, nil)

		p := newProcessor(&MockSessionSetter{}, otp, newFakeClock(), WithURLCache(time.Second, 200))
		t.Cleanup(func() { _ = p.Close() })

		ctx := context.Background()
		for i := range 60 {
			outcome, err := p.HandleCallback(ctx, fmt.Sprintf("app://auth/confirm?token_hash=h%d", i), false)
			require.NoError(t, err)
			require.Equal(t, OutcomeQueued, outcome)
		}
		assert.Equal(t, 50, p.QueueStatus().OTP)

		report, err := p.ProcessQueuedTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, 50, report.Processed)

		calls := rec.list()
		require.Len(t, calls, 50)
		assert.Equal(t, "h10", calls[0])
		assert.Equal(t, "h59", calls[49])
	})

	t.Run("url cache is bounded", func(t *testing.T) {
		t.Parallel()

		p := newProcessor(&MockSessionSetter{}, &MockOTPConfirmer{}, newFakeClock(), WithURLCache(time.Minute, 5))
		t.Cleanup(func() { _ = p.Close() })

		for i := range 20 {
			_, _ = p.HandleCallback(context.Background(), fmt.Sprintf("app://auth/confirm?token_hash=h%d", i), false)
		}
		assert.Equal(t, 5, p.QueueStatus().URLs)
	})

	t.Run("sweep removes expired tokens and stale urls", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		p := newProcessor(&MockSessionSetter{}, &MockOTPConfirmer{}, clock,
			WithTokenQueue(50, 5*time.Minute),
			WithURLCache(30*time.Second, 100),
		)
		t.Cleanup(func() { _ = p.Close() })

		ctx := context.Background()
		_, _ = p.HandleCallback(ctx, "app://auth/callback#access_token=a&refresh_token=r", false)
		_, _ = p.HandleCallback(ctx, "app://auth/confirm?token_hash=h", false)

		clock.Advance(time.Minute)
		assert.Equal(t, 2, p.Sweep(), "both url records are past the window")
		status := p.QueueStatus()
		assert.Equal(t, 1, status.OAuth)
		assert.Equal(t, 1, status.OTP)
		assert.Equal(t, 0, status.URLs)

		clock.Advance(5 * time.Minute)
		assert.Equal(t, 2, p.Sweep())
		status = p.QueueStatus()
		assert.Equal(t, 0, status.OAuth)
		assert.Equal(t, 0, status.OTP)
	})

	t.Run("scrub zeroes secrets", func(t *testing.T) {
		t.Parallel()

		access := []byte("secret-access")
		refresh := []byte("secret-refresh")
		entry := queuedOAuth{access: access, refresh: refresh}
		entry.scrub()

		assert.Equal(t, make([]byte, len("secret-access")), access)
		assert.Equal(t, make([]byte, len("secret-refresh")), refresh)
		assert.Nil(t, entry.access)
	})

	t.Run("close clears queues", func(t *testing.T) {
		t.Parallel()

		p := newProcessor(&MockSessionSetter{}, &MockOTPConfirmer{}, newFakeClock())
		p.Start(context.Background())
		_, _ = p.HandleCallback(context.Background(), "app://auth/callback#access_token=a&refresh_token=r", false)

		require.NoError(t, p.Close())
		status := p.QueueStatus()
		assert.Equal(t, 0, status.OAuth)
		assert.Equal(t, 0, status.URLs)
		require.NoError(t, p.Close())
	})
}
