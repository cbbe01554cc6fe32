package auth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/authflow/pkg/atomicop"
	"github.com/dmitrymomot/authflow/pkg/cooldown"
	"github.com/dmitrymomot/authflow/pkg/logger"
	"github.com/dmitrymomot/authflow/pkg/sanitizer"
	"github.com/dmitrymomot/authflow/pkg/validator"
)

const FlowMagicLink = "magic_link"

// Credentials identify the recipient of a magic link.
type Credentials struct {
	Email string
	// RedirectTo overrides the service's default callback URL.
	RedirectTo string
	// DisableSignup stops the remote from creating unknown users.
	DisableSignup bool
}

// Confirmation is the result of a verified email link.
type Confirmation struct {
	User    *User
	Session *Session
}

// MagicLinkService sends and confirms one-time email sign-in links.
//
// Identical concurrent sends (same normalized email) fail fast with a
// conflict; sends for different emails wait in a bounded FIFO queue and reach
// the remote one at a time, spaced by the configured delay.
type MagicLinkService struct {
	remote     Remote
	ops        *atomicop.Manager
	limiter    *cooldown.Tracker
	logger     *slog.Logger
	redirectTo string
	queueLimit int
	delay      time.Duration
	now        func() time.Time

	mu       sync.Mutex
	queue    []*sendJob
	running  bool
	lastSend time.Time
	linkSent atomic.Bool
}

type sendJob struct {
	id     uuid.UUID
	ctx    context.Context
	params MagicLinkParams
	done   chan error
}

type MagicLinkOption func(*MagicLinkService)

func WithMagicLinkLogger(l *slog.Logger) MagicLinkOption {
	return func(s *MagicLinkService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMagicLinkRedirect sets the default callback URL embedded in emails.
func WithMagicLinkRedirect(url string) MagicLinkOption {
	return func(s *MagicLinkService) {
		s.redirectTo = url
	}
}

// WithSendQueue bounds the send queue and sets the pause between sends.
func WithSendQueue(limit int, delay time.Duration) MagicLinkOption {
	return func(s *MagicLinkService) {
		if limit > 0 {
			s.queueLimit = limit
		}
		if delay >= 0 {
			s.delay = delay
		}
	}
}

func WithMagicLinkClock(now func() time.Time) MagicLinkOption {
	return func(s *MagicLinkService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMagicLinkService wires the service to shared guards. ops and limiter are
// shared with the other flows so that keys and cooldowns live in one place.
func NewMagicLinkService(remote Remote, ops *atomicop.Manager, limiter *cooldown.Tracker, opts ...MagicLinkOption) *MagicLinkService {
	s := &MagicLinkService{
		remote:     remote,
		ops:        ops,
		limiter:    limiter,
		logger:     logger.Discard(),
		queueLimit: 20,
		delay:      250 * time.Millisecond,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send validates creds, applies the cooldown and emails a sign-in link.
// Validation and cooldown failures never reach the remote.
func (s *MagicLinkService) Send(ctx context.Context, creds Credentials) (Result, error) {
	email := sanitizer.NormalizeEmail(creds.Email)
	if err := validator.Apply(
		validator.RequiredString("email", email),
		validator.ValidEmail("email", email),
	); err != nil {
		return Result{}, err
	}

	if err := s.limiter.Check(ctx, FlowMagicLink); err != nil {
		return Result{}, err
	}

	redirectTo := creds.RedirectTo
	if redirectTo == "" {
		redirectTo = s.redirectTo
	}
	params := MagicLinkParams{Email: email, RedirectTo: redirectTo, CreateUser: !creds.DisableSignup}

	return atomicop.Run(ctx, s.ops, "magic_link:send:"+email, FlowMagicLink, func(ctx context.Context) (Result, error) {
		if err := s.enqueue(ctx, params); err != nil {
			return Result{}, err
		}
		return notice(Result{Kind: KindSuccess, Provider: ProviderEmail}, NoticeMagicLinkSent), nil
	})
}

// Confirm verifies a token hash from an email link. It never writes the auth
// store: the store's listener observes the resulting sign-in.
func (s *MagicLinkService) Confirm(ctx context.Context, tokenHash string, otpType OTPType) (*Confirmation, error) {
	if otpType == "" {
		otpType = OTPMagicLink
	}
	if err := validator.Apply(
		validator.RequiredString("token_hash", tokenHash),
		validator.OneOf("type", string(otpType), otpTypes...),
	); err != nil {
		return nil, err
	}

	return atomicop.Run(ctx, s.ops, "magic_link:confirm:"+tokenKey(tokenHash), FlowMagicLink, func(ctx context.Context) (*Confirmation, error) {
		session, err := s.remote.VerifyOTP(ctx, tokenHash, otpType)
		if err == nil && (session == nil || session.User == nil) {
			err = ErrNoUser
		}
		if err != nil {
			s.linkSent.Store(false)
			err = providerError("verify_otp", err)
			s.logger.ErrorContext(ctx, "magic link confirmation failed",
				logger.Flow(FlowMagicLink),
				slog.String("token", logger.TokenSuffix(tokenHash, 4)),
				logger.Error(err),
			)
			return nil, err
		}

		s.logger.InfoContext(ctx, "magic link confirmed",
			logger.Flow(FlowMagicLink),
			logger.UserID(session.User.ID),
		)
		return &Confirmation{User: session.User, Session: session}, nil
	})
}

// LinkSent reports whether a link was sent and not invalidated since.
func (s *MagicLinkService) LinkSent() bool {
	return s.linkSent.Load()
}

func (s *MagicLinkService) ResetLinkSent() {
	s.linkSent.Store(false)
}

// QueueLen returns the number of sends waiting for their turn.
func (s *MagicLinkService) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *MagicLinkService) enqueue(ctx context.Context, params MagicLinkParams) error {
	job := &sendJob{id: uuid.New(), ctx: ctx, params: params, done: make(chan error, 1)}

	s.mu.Lock()
	if len(s.queue) >= s.queueLimit {
		s.mu.Unlock()
		return ErrSendQueueFull
	}
	s.queue = append(s.queue, job)
	position := len(s.queue)
	if !s.running {
		s.running = true
		go s.drain()
	}
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "magic link send queued",
		slog.String("job_id", job.id.String()),
		slog.Int("position", position),
	)

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MagicLinkService) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		var wait time.Duration
		if !s.lastSend.IsZero() {
			wait = s.delay - s.now().Sub(s.lastSend)
		}
		s.mu.Unlock()

		if err := job.ctx.Err(); err != nil {
			job.done <- err
			continue
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-job.ctx.Done():
				timer.Stop()
				job.done <- job.ctx.Err()
				continue
			}
		}

		job.done <- s.send(job.ctx, job.params)

		s.mu.Lock()
		s.lastSend = s.now()
		s.mu.Unlock()
	}
}

func (s *MagicLinkService) send(ctx context.Context, params MagicLinkParams) error {
	if err := s.remote.SignInWithMagicLink(ctx, params); err != nil {
		err = providerError("send_magic_link", err)
		s.logger.ErrorContext(ctx, "magic link send failed",
			logger.Flow(FlowMagicLink),
			slog.String("email", sanitizer.MaskEmail(params.Email)),
			logger.Error(err),
		)
		return err
	}

	if err := s.limiter.RecordSuccess(ctx, FlowMagicLink); err != nil {
		s.logger.WarnContext(ctx, "failed to record magic link success", logger.Error(err))
	}
	s.linkSent.Store(true)
	s.logger.InfoContext(ctx, "magic link sent",
		logger.Flow(FlowMagicLink),
		slog.String("email", sanitizer.MaskEmail(params.Email)),
	)
	return nil
}

// tokenKey keys operations on a secret by its tail so the lock map never
// holds the full value.
func tokenKey(token string) string {
	const n = 12
	if len(token) <= n {
		return token
	}
	return token[len(token)-n:]
}
