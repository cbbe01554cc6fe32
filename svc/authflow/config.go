package authflow

import (
	"time"

	"github.com/dmitrymomot/authflow/pkg/auth"
	"github.com/dmitrymomot/authflow/pkg/config"
	"github.com/dmitrymomot/authflow/pkg/redis"
	"github.com/dmitrymomot/authflow/pkg/supabase"
)

// Config holds every tunable of the sign-in coordinator.
type Config struct {
	MagicLinkCooldown   time.Duration `env:"AUTH_MAGIC_LINK_COOLDOWN" envDefault:"60s"`
	OAuthCooldown       time.Duration `env:"AUTH_OAUTH_COOLDOWN" envDefault:"3s"`
	MagicLinkQueueLimit int           `env:"AUTH_MAGIC_LINK_QUEUE_LIMIT" envDefault:"20"`
	MagicLinkQueueDelay time.Duration `env:"AUTH_MAGIC_LINK_QUEUE_DELAY" envDefault:"250ms"`

	TokenQueueLimit int           `env:"AUTH_TOKEN_QUEUE_LIMIT" envDefault:"50"`
	TokenTTL        time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"5m"`
	URLCacheWindow  time.Duration `env:"AUTH_URL_CACHE_WINDOW" envDefault:"30s"`
	URLCacheLimit   int           `env:"AUTH_URL_CACHE_LIMIT" envDefault:"100"`
	SweepInterval   time.Duration `env:"AUTH_SWEEP_INTERVAL" envDefault:"60s"`

	SessionCheckInterval time.Duration `env:"AUTH_SESSION_CHECK_INTERVAL" envDefault:"5m"`

	// RedirectURL is the deep link the remote puts into emails and hosted
	// OAuth redirects, e.g. "app://auth/callback".
	RedirectURL string `env:"AUTH_REDIRECT_URL"`
	Locale      string `env:"AUTH_LOCALE" envDefault:"en"`

	// Redis is optional. With AUTH_REDIS_URL set, cooldowns are shared
	// between instances.
	Redis redis.Config `envPrefix:"AUTH_"`

	Supabase supabase.Config
	Google   auth.GoogleOAuthConfig
	Apple    auth.AppleOAuthConfig
}

// LoadConfig reads Config from the environment and optional .env files.
func LoadConfig(opts ...config.Option) (Config, error) {
	var cfg Config
	if err := config.Load(&cfg, opts...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// withDefaults fills zero values so a Config built in code behaves like one
// loaded from an empty environment.
func (c Config) withDefaults() Config {
	setDuration(&c.MagicLinkCooldown, 60*time.Second)
	setDuration(&c.OAuthCooldown, 3*time.Second)
	setDuration(&c.MagicLinkQueueDelay, 250*time.Millisecond)
	setDuration(&c.TokenTTL, 5*time.Minute)
	setDuration(&c.URLCacheWindow, 30*time.Second)
	setDuration(&c.SweepInterval, time.Minute)
	setDuration(&c.SessionCheckInterval, 5*time.Minute)
	if c.MagicLinkQueueLimit <= 0 {
		c.MagicLinkQueueLimit = 20
	}
	if c.TokenQueueLimit <= 0 {
		c.TokenQueueLimit = 50
	}
	if c.URLCacheLimit <= 0 {
		c.URLCacheLimit = 100
	}
	if c.Locale == "" {
		c.Locale = "en"
	}
	return c
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
