// Package sessionstate remembers whether the application had a signed-in
// session when it last ran.
//
// Persistence stores a single durable flag through a Store and keeps two
// per-run values in memory: whether the session was restored in this run and
// when it was last validated. ShouldCheckSession tells callers when to
// re-validate instead of trusting the flag.
//
// Three stores are provided: MemoryStore, KeyringStore (OS secure storage via
// go-keyring) and GormStore (a table in the application database).
//
//	p := sessionstate.New(sessionstate.NewKeyringStore("com.example.app"))
//	if ok, _ := p.HasPersistedSession(ctx); ok && p.ShouldCheckSession() {
//		// validate with the remote service
//		p.MarkSessionChecked()
//	}
package sessionstate
