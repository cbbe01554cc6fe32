package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/authflow/pkg/atomicop"
	"github.com/dmitrymomot/authflow/pkg/auth"
	"github.com/dmitrymomot/authflow/pkg/broadcast"
	"github.com/dmitrymomot/authflow/pkg/cooldown"
	"github.com/dmitrymomot/authflow/pkg/i18n"
	"github.com/dmitrymomot/authflow/pkg/logger"
	"github.com/dmitrymomot/authflow/pkg/redis"
	"github.com/dmitrymomot/authflow/pkg/sessionstate"
	"github.com/dmitrymomot/authflow/pkg/supabase"
)

// autoRefresher is implemented by remotes that refresh tokens in the background.
type autoRefresher interface {
	StartAutoRefresh(ctx context.Context)
}

// Coordinator is the facade UI code talks to. It owns one instance of every
// auth component and wires them to shared guards: a single atomicop.Manager,
// a single cooldown.Tracker and a single auth.Store.
type Coordinator struct {
	cfg    Config
	remote auth.Remote
	logger *slog.Logger
	lang   string

	ops         *atomicop.Manager
	limiter     *cooldown.Tracker
	store       *auth.Store
	magicLink   *auth.MagicLinkService
	google      *auth.OAuthService
	apple       *auth.OAuthService
	hub         *auth.RedirectHub
	deepLinks   *auth.DeepLinkProcessor
	persistence *sessionstate.Persistence
	messages    *auth.Messages

	redis       *goredis.Client
	ownedRemote *supabase.Client

	databaseReady atomic.Bool
	started       atomic.Bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newOptions(opts []Option) *options {
	o := &options{logger: logger.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open builds a Supabase client from cfg.Supabase and a Coordinator on top
// of it. Close releases both.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Coordinator, error) {
	o := newOptions(opts)

	clientOpts := []supabase.Option{supabase.WithLogger(o.logger)}
	if o.now != nil {
		clientOpts = append(clientOpts, supabase.WithClock(o.now))
	}
	client, err := supabase.New(cfg.Supabase, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("authflow: create supabase client: %w", err)
	}

	c, err := New(ctx, cfg, client, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.ownedRemote = client
	return c, nil
}

// New wires every component around remote. With cfg.Redis.ConnectionURL set
// and no WithCooldownStore option it connects to Redis, bounded by ctx.
func New(ctx context.Context, cfg Config, remote auth.Remote, opts ...Option) (*Coordinator, error) {
	if remote == nil {
		return nil, ErrNilRemote
	}
	cfg = cfg.withDefaults()
	o := newOptions(opts)
	log := o.logger.With(logger.Component("authflow"))

	c := &Coordinator{
		cfg:    cfg,
		remote: remote,
		logger: log,
		hub:    auth.NewRedirectHub(),
	}

	cooldownStore := o.cooldownStore
	if cooldownStore == nil {
		if cfg.Redis.ConnectionURL != "" {
			client, err := redis.Connect(ctx, cfg.Redis)
			if err != nil {
				return nil, fmt.Errorf("authflow: connect redis: %w", err)
			}
			c.redis = client
			cooldownStore = cooldown.NewRedisStore(client)
		} else {
			cooldownStore = cooldown.NewMemoryStore()
		}
	}

	messages, err := auth.NewMessages(ctx, i18n.WithDefaultLanguage("en"), i18n.WithLogger(log))
	if err != nil {
		c.closeRedis()
		return nil, fmt.Errorf("authflow: load messages: %w", err)
	}
	c.messages = messages
	c.lang = messages.Language(cfg.Locale)

	stateStore := o.stateStore
	if stateStore == nil {
		if cfg.Supabase.KeyringService != "" {
			stateStore = sessionstate.NewKeyringStore(cfg.Supabase.KeyringService)
		} else {
			stateStore = sessionstate.NewMemoryStore()
		}
	}

	var clock []atomicop.Option
	var limiterClock []cooldown.Option
	var persistenceClock []sessionstate.Option
	var magicClock []auth.MagicLinkOption
	var deepLinkClock []auth.DeepLinkOption
	if o.now != nil {
		clock = append(clock, atomicop.WithClock(o.now))
		limiterClock = append(limiterClock, cooldown.WithClock(o.now))
		persistenceClock = append(persistenceClock, sessionstate.WithClock(o.now))
		magicClock = append(magicClock, auth.WithMagicLinkClock(o.now))
		deepLinkClock = append(deepLinkClock, auth.WithDeepLinkClock(o.now))
	}

	c.ops = atomicop.New(append(clock, atomicop.WithLogger(log))...)
	c.limiter = cooldown.NewTracker(cooldownStore, append(limiterClock,
		cooldown.WithCooldown(auth.FlowMagicLink, cfg.MagicLinkCooldown),
		cooldown.WithDefaultCooldown(cfg.OAuthCooldown),
		cooldown.WithLogger(log),
	)...)
	c.persistence = sessionstate.New(stateStore, append(persistenceClock,
		sessionstate.WithCheckInterval(cfg.SessionCheckInterval),
		sessionstate.WithLogger(log),
	)...)

	storeOpts := []auth.StoreOption{
		auth.WithStoreLogger(log),
		auth.WithSessionRecorder(c.persistence),
	}
	if o.push != nil {
		storeOpts = append(storeOpts, auth.WithPushTokens(o.push))
	}
	if o.queries != nil {
		storeOpts = append(storeOpts, auth.WithQueryCache(o.queries))
	}
	c.store = auth.NewStore(remote, c.ops, storeOpts...)

	c.magicLink = auth.NewMagicLinkService(remote, c.ops, c.limiter, append(magicClock,
		auth.WithMagicLinkLogger(log),
		auth.WithMagicLinkRedirect(cfg.RedirectURL),
		auth.WithSendQueue(cfg.MagicLinkQueueLimit, cfg.MagicLinkQueueDelay),
	)...)

	c.deepLinks = auth.NewDeepLinkProcessor(c.store, c.magicLink, append(deepLinkClock,
		auth.WithDeepLinkLogger(log),
		auth.WithTokenQueue(cfg.TokenQueueLimit, cfg.TokenTTL),
		auth.WithURLCache(cfg.URLCacheWindow, cfg.URLCacheLimit),
		auth.WithSweepInterval(cfg.SweepInterval),
	)...)

	if strategy := c.googleStrategy(o); strategy != nil {
		c.google = auth.NewOAuthService(auth.ProviderGoogle, strategy, c.ops, c.limiter, auth.WithOAuthLogger(log))
	}
	if strategy := c.appleStrategy(o); strategy != nil {
		c.apple = auth.NewOAuthService(auth.ProviderApple, strategy, c.ops, c.limiter, auth.WithOAuthLogger(log))
	}

	return c, nil
}

// googleStrategy returns nil when the native flow has no client ID.
func (c *Coordinator) googleStrategy(o *options) auth.Strategy {
	g := c.cfg.Google
	if g.Native {
		if g.ClientID == "" {
			return nil
		}
		return auth.NewNativeStrategy(auth.NewGoogleAdapter(g, o.googleOpts...), c.remote, o.browser, c.hub,
			auth.WithNativeLogger(c.logger))
	}
	return auth.NewHostedStrategy(auth.ProviderGoogle, c.remote, o.browser, c.cfg.RedirectURL,
		auth.WithHostedScopes(g.Scopes...),
		auth.WithRedirectHandler(c.forwardRedirect),
	)
}

func (c *Coordinator) appleStrategy(o *options) auth.Strategy {
	a := c.cfg.Apple
	if a.Native {
		if a.ClientID == "" {
			return nil
		}
		return auth.NewNativeStrategy(auth.NewAppleAdapter(a, o.appleOpts...), c.remote, o.browser, c.hub,
			auth.WithNativeLogger(c.logger))
	}
	return auth.NewHostedStrategy(auth.ProviderApple, c.remote, o.browser, c.cfg.RedirectURL,
		auth.WithHostedScopes(a.Scopes...),
		auth.WithRedirectHandler(c.forwardRedirect),
	)
}

// Start performs the cold-start sequence: read the persisted-session flag,
// initialize the store, start background maintenance, prepare the OAuth
// providers and sync the flag with the resulting state. An error from the
// store's first session read is returned after everything else has started;
// the user is then simply signed out.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	hadSession, err := c.persistence.HasPersistedSession(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to read persisted session flag", logger.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	initErr := c.store.Initialize(ctx)

	state := c.store.Snapshot()
	switch {
	case state.IsAuthenticated:
		c.persistence.MarkSessionRestored()
		c.persistence.MarkSessionChecked()
		c.logger.InfoContext(ctx, "session restored", logger.UserID(state.User.ID))
	case hadSession:
		c.logger.InfoContext(ctx, "persisted session could not be restored")
	}

	c.deepLinks.Start(runCtx)
	if r, ok := c.remote.(autoRefresher); ok {
		r.StartAutoRefresh(runCtx)
	}
	c.wg.Add(1)
	go c.maintain(runCtx)

	c.initializeProviders(ctx)

	if err := c.persistence.SetPersistedSession(ctx, state.IsAuthenticated); err != nil {
		c.logger.WarnContext(ctx, "failed to sync persisted session flag", logger.Error(err))
	}
	return initErr
}

func (c *Coordinator) initializeProviders(ctx context.Context) {
	for _, svc := range []*auth.OAuthService{c.google, c.apple} {
		if svc == nil {
			continue
		}
		if err := svc.Initialize(ctx); err != nil {
			c.logger.WarnContext(ctx, "oauth provider unavailable",
				slog.String("provider", string(svc.Provider())),
				logger.Error(err),
			)
		}
	}
}

func (c *Coordinator) maintain(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Entries left by a cancelled drain.
			if c.databaseReady.Load() && c.deepLinks.Pending() {
				if _, err := c.drainQueued(ctx); err != nil && !errors.Is(err, context.Canceled) {
					c.logger.WarnContext(ctx, "queued callbacks not drained", logger.Error(err))
				}
			}
			if err := c.CheckSession(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.WarnContext(ctx, "session check failed", logger.Error(err))
			}
		}
	}
}

// CheckSession re-validates the session once the check interval has passed
// since the last successful check. With the listener attached the remote's
// events update the store; without it the store is refreshed directly.
func (c *Coordinator) CheckSession(ctx context.Context) error {
	if !c.persistence.ShouldCheckSession() {
		return nil
	}

	var err error
	if c.store.Listening() {
		_, err = c.remote.CurrentSession(ctx)
	} else {
		err = c.store.Refresh(ctx)
	}
	if err != nil {
		return err
	}
	c.persistence.MarkSessionChecked()
	return nil
}

// SendMagicLink emails a sign-in link. The result's Message is localized.
func (c *Coordinator) SendMagicLink(ctx context.Context, creds auth.Credentials) (auth.Result, error) {
	res, err := c.magicLink.Send(ctx, creds)
	return c.localize(res), err
}

// ConfirmMagicLink verifies an emailed token hash typed or pasted by the user.
func (c *Coordinator) ConfirmMagicLink(ctx context.Context, tokenHash string, otpType auth.OTPType) (*auth.Confirmation, error) {
	conf, err := c.magicLink.Confirm(ctx, tokenHash, otpType)
	if err != nil {
		return nil, err
	}
	c.syncStore(ctx)
	return conf, nil
}

// LinkSent reports whether a magic link was sent and not yet confirmed.
func (c *Coordinator) LinkSent() bool {
	return c.magicLink.LinkSent()
}

func (c *Coordinator) SignInWithGoogle(ctx context.Context) (auth.Result, error) {
	return c.signIn(ctx, c.google)
}

func (c *Coordinator) SignInWithApple(ctx context.Context) (auth.Result, error) {
	return c.signIn(ctx, c.apple)
}

func (c *Coordinator) signIn(ctx context.Context, svc *auth.OAuthService) (auth.Result, error) {
	if svc == nil {
		return auth.Result{}, ErrProviderNotConfigured
	}
	if err := svc.Initialize(ctx); err != nil {
		return auth.Result{}, err
	}

	res, err := svc.SignIn(ctx)
	if err != nil {
		return auth.Result{}, err
	}
	if res.Kind == auth.KindSuccess {
		c.syncStore(ctx)
	}
	return c.localize(res), nil
}

// HandleDeepLink routes an incoming URL. A native OAuth sign-in waiting on
// the URL's state gets it first; everything else goes to the deep link
// processor, which queues credentials until SetDatabaseReady.
func (c *Coordinator) HandleDeepLink(ctx context.Context, rawURL string) (auth.Outcome, error) {
	if c.hub.Deliver(ctx, rawURL) {
		c.logger.DebugContext(ctx, "redirect delivered to pending sign-in", logger.CallbackURL(rawURL))
		return auth.OutcomeProcessed, nil
	}

	outcome, err := c.deepLinks.HandleCallback(ctx, rawURL, c.databaseReady.Load())
	switch outcome {
	case auth.OutcomeProcessed:
		c.syncStore(ctx)
	case auth.OutcomeQueued:
		// SetDatabaseReady may have drained between the readiness read and the enqueue.
		if c.databaseReady.Load() {
			if _, err := c.drainQueued(ctx); err != nil {
				c.logger.WarnContext(ctx, "late queued callback not drained", logger.Error(err))
			}
		}
	}
	return outcome, err
}

func (c *Coordinator) forwardRedirect(ctx context.Context, rawURL string) {
	outcome, err := c.HandleDeepLink(ctx, rawURL)
	if err != nil && !auth.IsConflict(err) {
		c.logger.WarnContext(ctx, "hosted sign-in redirect not processed",
			slog.String("outcome", outcome.String()),
			logger.Error(err),
		)
	}
}

// SetDatabaseReady marks the application's persistence layer as ready and
// drains the credentials queued while it was not.
func (c *Coordinator) SetDatabaseReady(ctx context.Context) (auth.DrainReport, error) {
	c.databaseReady.Store(true)
	return c.drainQueued(ctx)
}

func (c *Coordinator) drainQueued(ctx context.Context) (auth.DrainReport, error) {
	report, err := c.deepLinks.ProcessQueuedTokens(ctx)
	if report.Processed > 0 {
		c.syncStore(ctx)
	}
	return report, err
}

func (c *Coordinator) DatabaseReady() bool {
	return c.databaseReady.Load()
}

// Logout signs out and clears application data. The error of a failed
// sign-out is returned and the user stays signed in.
func (c *Coordinator) Logout(ctx context.Context) error {
	if err := c.store.Logout(ctx); err != nil {
		return err
	}
	c.magicLink.ResetLinkSent()
	return nil
}

// State returns the current auth state.
func (c *Coordinator) State() auth.State {
	return c.store.Snapshot()
}

// Subscribe streams auth state changes until ctx ends.
func (c *Coordinator) Subscribe(ctx context.Context) broadcast.Subscriber[auth.State] {
	return c.store.Subscribe(ctx)
}

func (c *Coordinator) QueueStatus() auth.QueueStatus {
	return c.deepLinks.QueueStatus()
}

// Message renders err for the user in the configured locale. Conflicts
// render as "".
func (c *Coordinator) Message(err error) string {
	return c.messages.Error(err, c.lang)
}

// Close stops background work and releases owned resources. It is safe to
// call more than once.
func (c *Coordinator) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()

		errs = append(errs, c.deepLinks.Close(), c.store.Close())
		if c.ownedRemote != nil {
			errs = append(errs, c.ownedRemote.Close())
		}
		if c.redis != nil {
			errs = append(errs, c.redis.Close())
		}
	})
	return errors.Join(errs...)
}

// syncStore covers the case where no listener is attached: the remote's
// SIGNED_IN event would be lost, so the store reads the session itself.
func (c *Coordinator) syncStore(ctx context.Context) {
	if c.store.Listening() {
		return
	}
	if err := c.store.Refresh(ctx); err != nil {
		c.logger.WarnContext(ctx, "failed to refresh auth state", logger.Error(err))
	}
}

func (c *Coordinator) localize(res auth.Result) auth.Result {
	if res.Notice != "" {
		res.Message = c.messages.Notice(res.Notice, c.lang)
	}
	return res
}

func (c *Coordinator) closeRedis() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
}
