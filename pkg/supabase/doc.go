// Package supabase is a minimal Supabase GoTrue client implementing
// auth.Remote.
//
// It covers the endpoints the sign-in flows need: magic link (/otp), email
// link verification (/verify), ID token and refresh token grants (/token),
// user lookup (/user), logout and the hosted authorize URL. The session is
// mirrored to a SessionStorage, by default in memory or in the OS keyring:
//
//	client, err := supabase.New(supabase.Config{
//		URL:            "https://project.supabase.co",
//		AnonKey:        anonKey,
//		KeyringService: "com.example.app",
//	})
//	client.StartAutoRefresh(ctx)
//	defer client.Close()
//
// Error responses become *APIError values whose message is taken from the
// safe fields of the body. Unauthorized responses unwrap to
// auth.ErrSessionMissing.
package supabase
