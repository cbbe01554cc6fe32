// Package statemachine implements a small finite state machine used to model
// the sign-in flow lifecycles (idle, initializing, signing in) and the auth
// store phases (uninitialized, loading, authenticated, unauthenticated).
//
// Machines are declared once with New and WithTransition, then driven with
// Fire. Guards can veto a transition, actions run before the state changes
// and may abort it, and hooks observe committed transitions (for logging).
//
//	sm := statemachine.MustNew(Idle,
//		statemachine.WithTransition(Idle, SigningIn, Start),
//		statemachine.WithTransition(SigningIn, Idle, Finish),
//	)
//	if err := sm.Fire(ctx, Start, nil); err != nil { ... }
package statemachine
