// Package atomicop provides keyed mutual exclusion for asynchronous operations.
//
// A Manager allows at most one in-flight operation per key. Concurrent callers
// for a held key are rejected at once with *ConflictError (matching
// ErrOperationInProgress) instead of queueing, so duplicate taps on the same
// action never stack. Different keys run independently.
//
//	session, err := atomicop.Run(ctx, ops, "auth:set-session:"+suffix, "session",
//		func(ctx context.Context) (*Session, error) {
//			return remote.SetSession(ctx, access, refresh)
//		})
//	if atomicop.IsConflict(err) {
//		return nil // already being handled
//	}
//
// A lock held longer than the stale timeout (WithStaleAfter, two minutes by
// default) is considered abandoned and the next caller takes it over.
package atomicop
