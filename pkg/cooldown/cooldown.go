package cooldown

import "time"

// CanAttempt reports whether cooldown has elapsed since last. A zero last
// always allows the attempt.
func CanAttempt(last time.Time, cooldown time.Duration, now time.Time) bool {
	return Remaining(last, cooldown, now) == 0
}

// Remaining returns how long the caller must still wait, or zero.
func Remaining(last time.Time, cooldown time.Duration, now time.Time) time.Duration {
	if last.IsZero() || cooldown <= 0 {
		return 0
	}
	if left := cooldown - now.Sub(last); left > 0 {
		return left
	}
	return 0
}
