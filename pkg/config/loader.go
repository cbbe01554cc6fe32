package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type options struct {
	prefix   string
	envFiles []string
	environ  map[string]string
}

// Option configures a single Load call.
type Option func(*options)

// WithPrefix requires every variable to carry the given prefix, e.g. "AUTH_".
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithEnvFiles loads the given dotenv files before parsing. Missing files are
// ignored; values already present in the process environment win.
func WithEnvFiles(paths ...string) Option {
	return func(o *options) { o.envFiles = append(o.envFiles, paths...) }
}

// WithEnviron parses from the supplied map instead of the process environment.
// Tests use it to avoid mutating global state.
func WithEnviron(environ map[string]string) Option {
	return func(o *options) { o.environ = environ }
}

// Load parses environment variables into v based on `env` struct tags.
//
// Every call parses afresh; nothing is cached between calls.
//
//	var cfg authflow.Config
//	if err := config.Load(&cfg, config.WithEnvFiles(".env")); err != nil {
//		return err
//	}
func Load[T any](v *T, opts ...Option) error {
	if v == nil {
		return ErrNilPointer
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	for _, path := range o.envFiles {
		// Missing files are fine: the variables may come from the real environment.
		_ = godotenv.Load(path)
	}

	envOpts := env.Options{Prefix: o.prefix}
	if o.environ != nil {
		envOpts.Environment = o.environ
	}

	if err := env.ParseWithOptions(v, envOpts); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad works like Load but panics if configuration loading fails.
func MustLoad[T any](v *T, opts ...Option) {
	if err := Load(v, opts...); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}
