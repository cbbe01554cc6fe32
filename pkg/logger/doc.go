// Package logger builds *slog.Logger instances for the auth flow packages and
// provides attribute helpers that keep field names consistent across them.
//
// New applies functional options (format, level, static attributes, context
// extractors) and wraps the chosen handler in LogHandlerDecorator so values
// carried by context.Context are attached at log time.
//
// Credentials travel through deep links and provider responses. Use
// CallbackURL, RedactURL and TokenSuffix instead of logging raw URLs or tokens.
//
//	log := logger.New(logger.WithEnvironment(logger.EnvDevelopment, "authflow"))
//	log.Info("callback received", logger.CallbackURL(raw), logger.Flow("google"))
package logger
