package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/authflow/pkg/cache"
	"github.com/dmitrymomot/authflow/pkg/logger"
)

// Outcome is what HandleCallback did with a URL.
type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1
	OutcomeQueued
	OutcomeDuplicate
	OutcomeInvalid
	OutcomeRejected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeQueued:
		return "queued"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// SessionSetter exchanges an access/refresh pair for a session.
type SessionSetter interface {
	SetSessionFromTokens(ctx context.Context, accessToken, refreshToken string) (*Session, error)
}

// OTPConfirmer verifies an emailed token hash.
type OTPConfirmer interface {
	Confirm(ctx context.Context, tokenHash string, otpType OTPType) (*Confirmation, error)
}

type urlStatus int

const (
	urlProcessing urlStatus = iota
	urlCompleted
)

type urlRecord struct {
	status urlStatus
	at     time.Time
}

type queuedOTP struct {
	id        uuid.UUID
	tokenHash string
	otpType   OTPType
	queuedAt  time.Time
	source    string
}

type queuedOAuth struct {
	id       uuid.UUID
	access   []byte
	refresh  []byte
	queuedAt time.Time
	source   string
}

// scrub zeroes the secret buffers.
func (q *queuedOAuth) scrub() {
	clear(q.access)
	clear(q.refresh)
	q.access = nil
	q.refresh = nil
}

// DrainReport summarises one ProcessQueuedTokens run.
type DrainReport struct {
	Processed int
	Expired   int
	Failed    int
	// Skipped is set when another drain was already running.
	Skipped bool
}

// QueueStatus is a side-effect-free view of the processor's collections.
type QueueStatus struct {
	OTP      int
	OAuth    int
	URLs     int
	Draining bool
	Oldest   time.Time
}

// DeepLinkProcessor turns callback URLs into sessions, queueing credentials
// that arrive before the application's persistence layer is ready.
type DeepLinkProcessor struct {
	sessions SessionSetter
	otp      OTPConfirmer
	paths    []string
	logger   *slog.Logger
	now      func() time.Time

	queueLimit    int
	tokenTTL      time.Duration
	urlWindow     time.Duration
	sweepInterval time.Duration

	urls *cache.LRUCache[string, urlRecord]

	mu         sync.Mutex
	otpQueue   []queuedOTP
	oauthQueue []queuedOAuth
	draining   atomic.Bool
	rerun      atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

type DeepLinkOption func(*DeepLinkProcessor)

func WithDeepLinkLogger(l *slog.Logger) DeepLinkOption {
	return func(p *DeepLinkProcessor) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithCallbackPaths(paths ...string) DeepLinkOption {
	return func(p *DeepLinkProcessor) {
		if len(paths) > 0 {
			p.paths = paths
		}
	}
}

// WithTokenQueue sets the per-queue bound and token expiry.
func WithTokenQueue(limit int, ttl time.Duration) DeepLinkOption {
	return func(p *DeepLinkProcessor) {
		if limit > 0 {
			p.queueLimit = limit
		}
		if ttl > 0 {
			p.tokenTTL = ttl
		}
	}
}

// WithURLCache sets the duplicate suppression window and the maximum number
// of remembered URLs.
func WithURLCache(window time.Duration, limit int) DeepLinkOption {
	return func(p *DeepLinkProcessor) {
		if window > 0 {
			p.urlWindow = window
		}
		if limit > 0 {
			p.urls = cache.NewLRUCache[string, urlRecord](limit)
		}
	}
}

func WithSweepInterval(d time.Duration) DeepLinkOption {
	return func(p *DeepLinkProcessor) {
		if d > 0 {
			p.sweepInterval = d
		}
	}
}

func WithDeepLinkClock(now func() time.Time) DeepLinkOption {
	return func(p *DeepLinkProcessor) {
		if now != nil {
			p.now = now
		}
	}
}

func NewDeepLinkProcessor(sessions SessionSetter, otp OTPConfirmer, opts ...DeepLinkOption) *DeepLinkProcessor {
	p := &DeepLinkProcessor{
		sessions:      sessions,
		otp:           otp,
		paths:         DefaultCallbackPaths,
		logger:        logger.Discard(),
		now:           time.Now,
		queueLimit:    50,
		tokenTTL:      5 * time.Minute,
		urlWindow:     30 * time.Second,
		sweepInterval: time.Minute,
		urls:          cache.NewLRUCache[string, urlRecord](100),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logger.Component("deep_link"))
	return p
}

// HandleCallback processes rawURL. With databaseReady the credentials are
// used at once and a failure is final; otherwise they are queued for
// ProcessQueuedTokens. A URL seen within the cache window is a no-op.
func (p *DeepLinkProcessor) HandleCallback(ctx context.Context, rawURL string, databaseReady bool) (Outcome, error) {
	log := p.logger.With(logger.CallbackURL(rawURL))

	if !p.acquireURL(rawURL) {
		log.DebugContext(ctx, "duplicate callback ignored")
		return OutcomeDuplicate, nil
	}
	defer p.completeURL(rawURL)

	cb, err := ParseCallback(rawURL, p.paths)
	if err != nil {
		log.WarnContext(ctx, "invalid callback dropped", logger.Error(err))
		return OutcomeInvalid, err
	}

	switch cb.Kind {
	case CallbackRejected:
		err := &CallbackError{Code: cb.ErrorCode, Description: cb.ErrorText}
		log.WarnContext(ctx, "callback carried a provider error", logger.Error(err))
		return OutcomeRejected, err

	case CallbackOAuth:
		if !databaseReady {
			p.enqueueOAuth(ctx, cb, rawURL)
			return OutcomeQueued, nil
		}
		if _, err := p.sessions.SetSessionFromTokens(ctx, cb.AccessToken, cb.RefreshToken); err != nil {
			log.ErrorContext(ctx, "failed to set session from callback", logger.Error(err))
			return OutcomeFailed, err
		}

	case CallbackOTP:
		if !databaseReady {
			p.enqueueOTP(ctx, cb, rawURL)
			return OutcomeQueued, nil
		}
		if _, err := p.otp.Confirm(ctx, cb.TokenHash, cb.Type); err != nil {
			log.ErrorContext(ctx, "failed to confirm callback token", logger.Error(err))
			return OutcomeFailed, err
		}
	}

	log.InfoContext(ctx, "callback processed")
	return OutcomeProcessed, nil
}

// ProcessQueuedTokens replays queued credentials, OTP tokens first and then
// token pairs, oldest first. Expired entries are discarded. Failures are
// logged, not returned: no caller is waiting on them. Only one drain runs at
// a time; a concurrent call returns a report with Skipped set and the running
// drain makes another pass for it, so entries queued meanwhile are not left
// behind.
func (p *DeepLinkProcessor) ProcessQueuedTokens(ctx context.Context) (DrainReport, error) {
	p.rerun.Store(true)
	if !p.draining.CompareAndSwap(false, true) {
		return DrainReport{Skipped: true}, nil
	}

	var report DrainReport
	for {
		for p.rerun.Swap(false) {
			if err := p.drain(ctx, &report); err != nil {
				p.draining.Store(false)
				return report, err
			}
		}
		p.draining.Store(false)

		// A call skipped between the last pass and the release above.
		if !p.rerun.Load() || !p.draining.CompareAndSwap(false, true) {
			break
		}
	}

	if report != (DrainReport{}) {
		p.logger.InfoContext(ctx, "token queue drained",
			slog.Int("processed", report.Processed),
			slog.Int("expired", report.Expired),
			slog.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// Pending reports whether any credentials are queued.
func (p *DeepLinkProcessor) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.otpQueue) > 0 || len(p.oauthQueue) > 0
}

func (p *DeepLinkProcessor) drain(ctx context.Context, report *DrainReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, ok := p.popOTP()
		if !ok {
			break
		}
		if p.expired(entry.queuedAt) {
			report.Expired++
			p.logger.WarnContext(ctx, "discarding expired queued token",
				slog.String("kind", "otp"),
				slog.String("id", entry.id.String()),
				logger.Duration(p.now().Sub(entry.queuedAt)),
			)
			continue
		}
		if _, err := p.otp.Confirm(ctx, entry.tokenHash, entry.otpType); err != nil {
			report.Failed++
			p.logger.ErrorContext(ctx, "queued token confirmation failed",
				slog.String("id", entry.id.String()),
				slog.String("source", entry.source),
				logger.Error(err),
			)
			continue
		}
		report.Processed++
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, ok := p.popOAuth()
		if !ok {
			break
		}
		if p.expired(entry.queuedAt) {
			entry.scrub()
			report.Expired++
			p.logger.WarnContext(ctx, "discarding expired queued token",
				slog.String("kind", "oauth"),
				slog.String("id", entry.id.String()),
				logger.Duration(p.now().Sub(entry.queuedAt)),
			)
			continue
		}
		_, err := p.sessions.SetSessionFromTokens(ctx, string(entry.access), string(entry.refresh))
		entry.scrub()
		if err != nil {
			report.Failed++
			p.logger.ErrorContext(ctx, "queued session exchange failed",
				slog.String("id", entry.id.String()),
				slog.String("source", entry.source),
				logger.Error(err),
			)
			continue
		}
		report.Processed++
	}
	return nil
}

// QueueStatus reports queue and cache sizes without modifying them.
func (p *DeepLinkProcessor) QueueStatus() QueueStatus {
	p.mu.Lock()
	status := QueueStatus{OTP: len(p.otpQueue), OAuth: len(p.oauthQueue)}
	if len(p.otpQueue) > 0 {
		status.Oldest = p.otpQueue[0].queuedAt
	}
	if len(p.oauthQueue) > 0 && (status.Oldest.IsZero() || p.oauthQueue[0].queuedAt.Before(status.Oldest)) {
		status.Oldest = p.oauthQueue[0].queuedAt
	}
	p.mu.Unlock()

	status.URLs = p.urls.Len()
	status.Draining = p.draining.Load()
	return status
}

// Sweep drops expired tokens and stale URL records, and trims queues to
// their bound. It returns the number of entries removed.
func (p *DeepLinkProcessor) Sweep() int {
	now := p.now()

	p.mu.Lock()
	removed := 0
	keptOTP := p.otpQueue[:0]
	for _, e := range p.otpQueue {
		if now.Sub(e.queuedAt) > p.tokenTTL {
			removed++
			continue
		}
		keptOTP = append(keptOTP, e)
	}
	clear(p.otpQueue[len(keptOTP):])
	p.otpQueue = keptOTP

	keptOAuth := p.oauthQueue[:0]
	for _, e := range p.oauthQueue {
		if now.Sub(e.queuedAt) > p.tokenTTL {
			e.scrub()
			removed++
			continue
		}
		keptOAuth = append(keptOAuth, e)
	}
	clear(p.oauthQueue[len(keptOAuth):])
	p.oauthQueue = keptOAuth

	removed += p.trimOTP() + p.trimOAuth()
	p.mu.Unlock()

	// processing records are kept longer so an in-flight URL is never reopened
	removed += p.urls.RemoveIf(func(_ string, r urlRecord) bool {
		age := now.Sub(r.at)
		if r.status == urlProcessing {
			return age >= p.tokenTTL
		}
		return age >= p.urlWindow
	})

	if removed > 0 {
		p.logger.Debug("deep link sweep", slog.Int("removed", removed))
	}
	return removed
}

// Start runs Sweep every sweep interval until ctx ends or Close is called.
func (p *DeepLinkProcessor) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(p.sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.stop:
					return
				case <-ticker.C:
					p.Sweep()
				}
			}
		}()
	})
}

// Close stops the sweeper and scrubs every queued secret.
func (p *DeepLinkProcessor) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()

		p.mu.Lock()
		for i := range p.oauthQueue {
			p.oauthQueue[i].scrub()
		}
		p.oauthQueue = nil
		p.otpQueue = nil
		p.mu.Unlock()

		p.urls.Clear()
	})
	return nil
}

func (p *DeepLinkProcessor) acquireURL(rawURL string) bool {
	now := p.now()
	return p.urls.Update(rawURL, func(cur urlRecord, exists bool) (urlRecord, bool) {
		if exists {
			if cur.status == urlProcessing {
				return cur, false
			}
			if now.Sub(cur.at) < p.urlWindow {
				return cur, false
			}
		}
		return urlRecord{status: urlProcessing, at: now}, true
	})
}

func (p *DeepLinkProcessor) completeURL(rawURL string) {
	p.urls.Put(rawURL, urlRecord{status: urlCompleted, at: p.now()})
}

func (p *DeepLinkProcessor) expired(queuedAt time.Time) bool {
	return p.now().Sub(queuedAt) > p.tokenTTL
}

func (p *DeepLinkProcessor) enqueueOTP(ctx context.Context, cb Callback, rawURL string) {
	entry := queuedOTP{
		id:        uuid.New(),
		tokenHash: cb.TokenHash,
		otpType:   cb.Type,
		queuedAt:  p.now(),
		source:    logger.RedactURL(rawURL),
	}

	p.mu.Lock()
	p.otpQueue = append(p.otpQueue, entry)
	evicted := p.trimOTP()
	size := len(p.otpQueue)
	p.mu.Unlock()

	p.logQueued(ctx, "otp", entry.id, size, evicted)
}

func (p *DeepLinkProcessor) enqueueOAuth(ctx context.Context, cb Callback, rawURL string) {
	entry := queuedOAuth{
		id:       uuid.New(),
		access:   []byte(cb.AccessToken),
		refresh:  []byte(cb.RefreshToken),
		queuedAt: p.now(),
		source:   logger.RedactURL(rawURL),
	}

	p.mu.Lock()
	p.oauthQueue = append(p.oauthQueue, entry)
	evicted := p.trimOAuth()
	size := len(p.oauthQueue)
	p.mu.Unlock()

	p.logQueued(ctx, "oauth", entry.id, size, evicted)
}

func (p *DeepLinkProcessor) logQueued(ctx context.Context, kind string, id uuid.UUID, size, evicted int) {
	if evicted > 0 {
		p.logger.WarnContext(ctx, "token queue full, evicted oldest entries",
			slog.String("kind", kind),
			slog.Int("evicted", evicted),
		)
	}
	p.logger.InfoContext(ctx, "callback queued until database is ready",
		slog.String("kind", kind),
		slog.String("id", id.String()),
		slog.Int("queue_size", size),
	)
}

// Must be called with p.mu held.
func (p *DeepLinkProcessor) trimOTP() int {
	over := len(p.otpQueue) - p.queueLimit
	if over <= 0 {
		return 0
	}
	clear(p.otpQueue[:over])
	p.otpQueue = append(p.otpQueue[:0], p.otpQueue[over:]...)
	return over
}

// Must be called with p.mu held.
func (p *DeepLinkProcessor) trimOAuth() int {
	over := len(p.oauthQueue) - p.queueLimit
	if over <= 0 {
		return 0
	}
	for i := range over {
		p.oauthQueue[i].scrub()
	}
	p.oauthQueue = append(p.oauthQueue[:0], p.oauthQueue[over:]...)
	return over
}

func (p *DeepLinkProcessor) popOTP() (queuedOTP, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.otpQueue) == 0 {
		return queuedOTP{}, false
	}
	entry := p.otpQueue[0]
	p.otpQueue[0] = queuedOTP{}
	p.otpQueue = p.otpQueue[1:]
	return entry, true
}

// popOAuth removes the head; the caller owns its buffers and must scrub them.
func (p *DeepLinkProcessor) popOAuth() (queuedOAuth, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.oauthQueue) == 0 {
		return queuedOAuth{}, false
	}
	entry := p.oauthQueue[0]
	p.oauthQueue[0] = queuedOAuth{}
	p.oauthQueue = p.oauthQueue[1:]
	return entry, true
}

// IsInvalidCallback reports whether err came from an unrecognised deep link.
func IsInvalidCallback(err error) bool {
	return errors.Is(err, ErrInvalidCallback) || errors.Is(err, ErrCallbackPath)
}
