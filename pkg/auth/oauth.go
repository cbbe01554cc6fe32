package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmitrymomot/authflow/pkg/async"
	"github.com/dmitrymomot/authflow/pkg/atomicop"
	"github.com/dmitrymomot/authflow/pkg/cooldown"
	"github.com/dmitrymomot/authflow/pkg/logger"
	"github.com/dmitrymomot/authflow/pkg/statemachine"
)

// OAuth service phases.
const (
	OAuthIdle         = statemachine.StringState("idle")
	OAuthInitializing = statemachine.StringState("initializing")
	OAuthReady        = statemachine.StringState("ready")
	OAuthSigningIn    = statemachine.StringState("signing_in")
)

const (
	oauthInit       = statemachine.StringEvent("initialize")
	oauthInitOK     = statemachine.StringEvent("initialized")
	oauthInitFailed = statemachine.StringEvent("initialize_failed")
	oauthSignIn     = statemachine.StringEvent("sign_in")
	oauthFinish     = statemachine.StringEvent("finish")
)

// Strategy performs the provider-specific part of a sign-in.
type Strategy interface {
	// Prepare configures the provider once; OAuthService memoizes it.
	Prepare(ctx context.Context) error
	SignIn(ctx context.Context) (Result, error)
}

// OAuthService drives one provider through
// idle → initializing → ready → signing_in → ready.
type OAuthService struct {
	provider Provider
	strategy Strategy
	ops      *atomicop.Manager
	limiter  *cooldown.Tracker
	logger   *slog.Logger
	machine  *statemachine.Machine
	init     async.Memo[struct{}]
}

type OAuthOption func(*OAuthService)

func WithOAuthLogger(l *slog.Logger) OAuthOption {
	return func(s *OAuthService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewOAuthService(provider Provider, strategy Strategy, ops *atomicop.Manager, limiter *cooldown.Tracker, opts ...OAuthOption) *OAuthService {
	s := &OAuthService{
		provider: provider,
		strategy: strategy,
		ops:      ops,
		limiter:  limiter,
		logger:   logger.Discard(),
		machine: statemachine.MustNew(OAuthIdle,
			statemachine.WithTransition(OAuthIdle, OAuthInitializing, oauthInit),
			statemachine.WithTransition(OAuthInitializing, OAuthReady, oauthInitOK),
			statemachine.WithTransition(OAuthInitializing, OAuthIdle, oauthInitFailed),
			statemachine.WithTransition(OAuthReady, OAuthSigningIn, oauthSignIn),
			statemachine.WithTransition(OAuthSigningIn, OAuthReady, oauthFinish),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Flow(s.flow()))
	return s
}

func (s *OAuthService) Provider() Provider { return s.provider }

// State returns the current phase name.
func (s *OAuthService) State() string {
	return s.machine.Current().Name()
}

// Initialize prepares the provider. Concurrent and repeated calls share one
// run; a failed run is forgotten so the next call retries.
func (s *OAuthService) Initialize(ctx context.Context) error {
	f := s.init.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.ops.Do(ctx, "oauth:"+string(s.provider)+":initialize", s.flow(), s.initialize)
	})
	_, err := f.AwaitContext(ctx)
	return err
}

func (s *OAuthService) initialize(ctx context.Context) error {
	if err := s.machine.Fire(ctx, oauthInit, nil); err != nil {
		return err
	}

	start := time.Now()
	if err := s.strategy.Prepare(ctx); err != nil {
		_ = s.machine.Fire(ctx, oauthInitFailed, nil)
		err = providerError("initialize", err)
		s.logger.ErrorContext(ctx, "oauth provider initialization failed", logger.Error(err))
		return err
	}

	s.logger.DebugContext(ctx, "oauth provider initialized", logger.Duration(time.Since(start)))
	return s.machine.Fire(ctx, oauthInitOK, nil)
}

// SignIn runs the strategy. Readiness and cooldown are checked before any I/O.
// A cancelled browser session yields KindCancelled with a nil error.
func (s *OAuthService) SignIn(ctx context.Context) (Result, error) {
	if !s.init.Settled() {
		return Result{}, ErrNotInitialized
	}
	if err := s.limiter.Check(ctx, s.flow()); err != nil {
		return Result{}, err
	}

	return atomicop.Run(ctx, s.ops, "oauth:"+string(s.provider)+":sign_in", s.flow(), func(ctx context.Context) (Result, error) {
		if err := s.machine.Fire(ctx, oauthSignIn, nil); err != nil {
			return Result{}, err
		}
		defer func() { _ = s.machine.Fire(context.WithoutCancel(ctx), oauthFinish, nil) }()

		if err := s.limiter.RecordAttempt(ctx, s.flow()); err != nil {
			s.logger.WarnContext(ctx, "failed to record oauth attempt", logger.Error(err))
		}

		res, err := s.strategy.SignIn(ctx)
		if err != nil {
			err = providerError("sign_in", err)
			s.logger.ErrorContext(ctx, "oauth sign-in failed", logger.Error(err))
			return Result{}, err
		}
		res.Provider = s.provider

		switch res.Kind {
		case KindCancelled:
			s.logger.InfoContext(ctx, "oauth sign-in cancelled by user")
			return notice(res, NoticeSignInCancelled), nil
		case KindPendingCallback:
			res = notice(res, NoticeContinueInBrowser)
		default:
			res = notice(res, NoticeSignedIn)
		}

		if err := s.limiter.RecordSuccess(ctx, s.flow()); err != nil {
			s.logger.WarnContext(ctx, "failed to record oauth success", logger.Error(err))
		}
		s.logger.InfoContext(ctx, "oauth sign-in finished", slog.String("result", res.Kind.String()))
		return res, nil
	})
}

func (s *OAuthService) flow() string {
	return "oauth_" + string(s.provider)
}
