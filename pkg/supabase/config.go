package supabase

import "time"

// Config configures the GoTrue client.
type Config struct {
	URL                 string        `env:"SUPABASE_URL"`
	AnonKey             string        `env:"SUPABASE_ANON_KEY"`
	Timeout             time.Duration `env:"SUPABASE_TIMEOUT" envDefault:"10s"`
	RefreshMargin       time.Duration `env:"SUPABASE_REFRESH_MARGIN" envDefault:"60s"`
	AutoRefreshInterval time.Duration `env:"SUPABASE_AUTO_REFRESH_INTERVAL" envDefault:"30s"`
	KeyringService      string        `env:"SUPABASE_KEYRING_SERVICE"`
}
