// Package auth implements passwordless sign-in for a client application
// backed by a remote authentication service.
//
// It provides a magic link service, OAuth services for Google and Apple, a
// deep link processor for callback URLs and a Store that is the single
// source of truth for whether a user is signed in.
//
// # Guards
//
// Every user-initiated operation runs through a shared atomicop.Manager. A
// second call with the same key fails fast with a *ConflictError instead of
// waiting. Flows that contact the remote also pass a cooldown.Tracker, which
// starts the cooldown only after a successful attempt:
//
//	ops := atomicop.New()
//	limiter := cooldown.NewTracker(nil, cooldown.WithCooldown(auth.FlowMagicLink, 3*time.Second))
//	magic := auth.NewMagicLinkService(remote, ops, limiter)
//
// # Store
//
// Once the remote listener is attached the Store is written only by auth
// events. Flows never write to it; SetSessionFromTokens and Refresh write
// directly only while no listener is attached.
//
//	store := auth.NewStore(remote, ops, auth.WithPushTokens(push))
//	if err := store.Initialize(ctx); err != nil {
//		log.Println(auth.UserMessage(err, "en"))
//	}
//
// # Deep links
//
// DeepLinkProcessor parses callback URLs (fragment before query), drops
// duplicates and queues credentials that arrive before the database is ready:
//
//	outcome, err := links.HandleCallback(ctx, rawURL, dbReady)
//	// later
//	report, err := links.ProcessQueuedTokens(ctx)
//
// # Errors
//
// Classify maps any error to an ErrorCategory. Messages renders the category
// in English, Spanish or German. Cancelled sign-ins are not errors: they
// return a Result with Kind KindCancelled.
package auth
