package auth

import (
	"context"
	"embed"
	"strconv"
	"sync"

	"github.com/dmitrymomot/authflow/pkg/cooldown"
	"github.com/dmitrymomot/authflow/pkg/i18n"
)

//go:embed locales/*.yaml
var localeFS embed.FS

const (
	NoticeMagicLinkSent     = "notices.magic_link_sent"
	NoticeSignInCancelled   = "notices.sign_in_cancelled"
	NoticeContinueInBrowser = "notices.continue_in_browser"
	NoticeSignedIn          = "notices.signed_in"
)

var noticeDefaults = map[string]string{
	NoticeMagicLinkSent:     "Check your email for a sign-in link.",
	NoticeSignInCancelled:   "Sign-in was cancelled.",
	NoticeContinueInBrowser: "Finish signing in from your browser.",
	NoticeSignedIn:          "You're signed in.",
}

func notice(r Result, key string) Result {
	r.Notice = key
	r.Message = noticeDefaults[key]
	return r
}

// Messages renders errors and notices from the embedded catalog (en, es, de).
type Messages struct {
	tr *i18n.Translator
}

// NewMessages loads the embedded catalog.
func NewMessages(ctx context.Context, opts ...i18n.Option) (*Messages, error) {
	tr, err := i18n.NewTranslator(ctx, i18n.NewFSAdapter(localeFS, "locales"), opts...)
	if err != nil {
		return nil, err
	}
	return &Messages{tr: tr}, nil
}

// Language negotiates the catalog language for a BCP 47 preference.
func (m *Messages) Language(preferred string) string {
	return m.tr.Match(preferred)
}

// Error returns a sanitized, localized message for err. Conflicts render as
// an empty string: a duplicate request needs no user feedback.
func (m *Messages) Error(err error, lang string) string {
	category := Classify(err)
	switch category {
	case "", CategoryConflict:
		return ""
	case CategoryRateLimited:
		seconds := 0
		if e, ok := cooldown.AsError(err); ok {
			seconds = e.Seconds()
		}
		return m.tr.T(m.tr.Match(lang), "errors.rate_limited", "seconds", strconv.Itoa(seconds))
	}
	return m.tr.T(m.tr.Match(lang), "errors."+string(category))
}

// Notice renders a notice key such as NoticeMagicLinkSent.
func (m *Messages) Notice(key, lang string) string {
	if key == "" {
		return ""
	}
	return m.tr.T(m.tr.Match(lang), key)
}

var defaultMessages = sync.OnceValues(func() (*Messages, error) {
	return NewMessages(context.Background())
})

// UserMessage renders err with the embedded catalog.
func UserMessage(err error, lang string) string {
	m, loadErr := defaultMessages()
	if loadErr != nil {
		if Classify(err) == CategoryConflict || err == nil {
			return ""
		}
		return "Something went wrong. Please try again."
	}
	return m.Error(err, lang)
}
