package auth

// ResultKind is the terminal shape of a user-initiated sign-in action.
// Failures are reported through the returned error instead.
type ResultKind int

const (
	KindSuccess ResultKind = iota
	// KindPendingCallback means the flow continues in a deep link; callers
	// keep showing a loading state until the store changes.
	KindPendingCallback
	// KindCancelled means the user dismissed the flow. It is not an error.
	KindCancelled
)

func (k ResultKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindPendingCallback:
		return "pending_callback"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is returned by sign-in flows.
type Result struct {
	Kind     ResultKind
	Provider Provider
	Session  *Session
	// Notice is a message catalog key for an optional user notice.
	Notice string
	// Message is Notice rendered in English; callers may localize it.
	Message string
}

func (r Result) Cancelled() bool { return r.Kind == KindCancelled }

// Done reports whether the flow finished without waiting for a callback.
func (r Result) Done() bool { return r.Kind != KindPendingCallback }
