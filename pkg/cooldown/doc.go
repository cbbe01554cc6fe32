// Package cooldown rate-limits sign-in flows by the time since their last
// successful attempt.
//
// CanAttempt and Remaining are pure functions of a timestamp and an interval.
// Tracker applies them per flow name over a Store: MemoryStore for a single
// process, RedisStore when several instances must share the same limit.
//
//	tracker := cooldown.NewTracker(nil,
//		cooldown.WithCooldown("magic_link", time.Minute),
//		cooldown.WithDefaultCooldown(3*time.Second),
//	)
//	if err := tracker.Check(ctx, "magic_link"); err != nil {
//		return err // *cooldown.Error, "please wait N seconds ..."
//	}
//	if err := send(); err == nil {
//		_ = tracker.RecordSuccess(ctx, "magic_link")
//	}
package cooldown
