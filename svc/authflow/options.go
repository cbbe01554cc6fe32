package authflow

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/authflow/pkg/auth"
	"github.com/dmitrymomot/authflow/pkg/cooldown"
	"github.com/dmitrymomot/authflow/pkg/sessionstate"
)

type options struct {
	logger        *slog.Logger
	browser       auth.Browser
	push          auth.PushTokenRegistry
	queries       auth.QueryCache
	stateStore    sessionstate.Store
	cooldownStore cooldown.Store
	now           func() time.Time
	googleOpts    []auth.GoogleAdapterOption
	appleOpts     []auth.AppleAdapterOption
}

// Option configures a Coordinator.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBrowser sets the in-app browser used by OAuth flows. Without one the
// providers fail to initialize and sign-in reports an SDK error.
func WithBrowser(b auth.Browser) Option {
	return func(o *options) { o.browser = b }
}

func WithPushTokens(r auth.PushTokenRegistry) Option {
	return func(o *options) { o.push = r }
}

func WithQueryCache(c auth.QueryCache) Option {
	return func(o *options) { o.queries = c }
}

// WithStateStore sets where the persisted-session flag lives. The default is
// the OS keyring when Supabase.KeyringService is set, memory otherwise.
func WithStateStore(s sessionstate.Store) Option {
	return func(o *options) { o.stateStore = s }
}

// WithCooldownStore overrides the cooldown backend chosen from Config.Redis.
func WithCooldownStore(s cooldown.Store) Option {
	return func(o *options) { o.cooldownStore = s }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithGoogleAdapterOptions(opts ...auth.GoogleAdapterOption) Option {
	return func(o *options) { o.googleOpts = append(o.googleOpts, opts...) }
}

func WithAppleAdapterOptions(opts ...auth.AppleAdapterOption) Option {
	return func(o *options) { o.appleOpts = append(o.appleOpts, opts...) }
}
