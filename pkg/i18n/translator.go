package i18n

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"github.com/dmitrymomot/authflow/pkg/logger"
)

// DefaultLanguage is used when no option overrides it.
const DefaultLanguage = "en"

var paramRegex = regexp.MustCompile(`%\{([^}]+)\}`)

// Translator resolves dot-separated keys against a loaded catalog.
type Translator struct {
	mu            sync.RWMutex
	translations  map[string]map[string]any
	defaultLang   string
	fallbackToKey bool
	logMissing    bool
	logger        *slog.Logger
	matcher       language.Matcher
	tags          []string
}

// Option configures a Translator.
type Option func(*Translator)

// WithDefaultLanguage sets the language used by Match when nothing fits.
func WithDefaultLanguage(lang string) Option {
	return func(t *Translator) {
		if lang != "" {
			t.defaultLang = lang
		}
	}
}

// WithFallbackToKey controls whether a missing key renders as the key itself.
func WithFallbackToKey(enabled bool) Option {
	return func(t *Translator) {
		t.fallbackToKey = enabled
	}
}

// WithLogger sets the logger and enables warnings for missing translations.
func WithLogger(l *slog.Logger) Option {
	return func(t *Translator) {
		if l != nil {
			t.logger = l
			t.logMissing = true
		}
	}
}

// NewTranslator loads the catalog from adapter.
func NewTranslator(ctx context.Context, adapter TranslationAdapter, opts ...Option) (*Translator, error) {
	if adapter == nil {
		return nil, ErrNilAdapter
	}

	t := &Translator{
		defaultLang:   DefaultLanguage,
		fallbackToKey: true,
		logger:        logger.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}

	translations, err := adapter.Load(ctx)
	if err != nil {
		return nil, err
	}
	for lang, trans := range translations {
		if lang == "" {
			return nil, fmt.Errorf("%w: empty language code", ErrInvalidCatalog)
		}
		if trans == nil {
			return nil, fmt.Errorf("%w: nil translations for %q", ErrInvalidCatalog, lang)
		}
	}

	t.translations = translations
	t.buildMatcher()
	t.logger.DebugContext(ctx, "translations loaded", slog.Any("languages", t.tags))
	return t, nil
}

// buildMatcher puts the default language first so it wins on no-match.
func (t *Translator) buildMatcher() {
	langs := make([]string, 0, len(t.translations))
	for lang := range t.translations {
		if lang != t.defaultLang {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	langs = append([]string{t.defaultLang}, langs...)

	tags := make([]language.Tag, 0, len(langs))
	names := make([]string, 0, len(langs))
	for _, lang := range langs {
		tag, err := language.Parse(lang)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		names = append(names, lang)
	}
	t.matcher = language.NewMatcher(tags)
	t.tags = names
}

// SupportedLanguages returns the catalog's language codes, default first.
func (t *Translator) SupportedLanguages() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.tags...)
}

// Match picks the best catalog language for a BCP 47 preference such as
// "es-MX" or an Accept-Language style list "de-CH, en;q=0.8".
func (t *Translator) Match(preferred string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if preferred == "" || len(t.tags) == 0 {
		return t.defaultLang
	}
	prefs, _, err := language.ParseAcceptLanguage(preferred)
	if err != nil || len(prefs) == 0 {
		return t.defaultLang
	}
	_, idx, conf := t.matcher.Match(prefs...)
	if conf == language.No {
		return t.defaultLang
	}
	return t.tags[idx]
}

// HasTranslation reports whether key exists for lang.
func (t *Translator) HasTranslation(lang, key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.translations[lang]
	if !ok {
		return false
	}
	_, ok = lookup(m, key)
	return ok
}

// T translates key for lang. args are name/value pairs substituted into
// %{name} placeholders:
//
//	tr.T("en", "errors.rate_limited", "seconds", "42")
//
// An unknown lang falls back to the default language before falling back
// to the key.
func (t *Translator) T(lang, key string, args ...string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.translations[lang]
	if !ok {
		m, ok = t.translations[t.defaultLang]
	}
	if ok {
		if val, found := lookup(m, key); found {
			if s, isString := val.(string); isString {
				return substitute(s, args)
			}
		}
	}

	if t.logMissing {
		t.logger.Warn("translation not found", slog.String("lang", lang), slog.String("key", key))
	}
	if t.fallbackToKey {
		return substitute(key, args)
	}
	return ""
}

func lookup(m map[string]any, key string) (any, bool) {
	parts := strings.Split(key, ".")
	current := m
	for i, part := range parts {
		val, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return val, true
		}
		next, ok := val.(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

func substitute(tmpl string, args []string) string {
	if len(args) < 2 {
		return tmpl
	}
	params := make(map[string]string, len(args)/2)
	for i := 0; i < len(args)-1; i += 2 {
		params[args[i]] = args[i+1]
	}
	return paramRegex.ReplaceAllStringFunc(tmpl, func(match string) string {
		if val, ok := params[match[2:len(match)-1]]; ok {
			return val
		}
		return match
	})
}
