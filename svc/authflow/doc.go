// Package authflow composes the sign-in components into one Coordinator for
// UI code.
//
// A Coordinator owns the auth store, the magic link and OAuth services, the
// deep link processor and the session persistence flag. All of them share
// one atomicop.Manager and one cooldown.Tracker, so a key locked by one flow
// is locked for every flow.
//
//	cfg, err := authflow.LoadConfig(config.WithEnvFiles(".env"))
//	if err != nil {
//		return err
//	}
//	coord, err := authflow.Open(ctx, cfg,
//		authflow.WithLogger(log),
//		authflow.WithBrowser(browser),
//		authflow.WithQueryCache(queries),
//	)
//	if err != nil {
//		return err
//	}
//	defer coord.Close()
//
//	if err := coord.Start(ctx); err != nil {
//		log.WarnContext(ctx, "session restore failed", logger.Error(err))
//	}
//
// Deep links go through HandleDeepLink. Until SetDatabaseReady is called,
// credentials they carry are queued; SetDatabaseReady drains the queue.
//
// Errors returned by the flows can be shown with Message, which renders them
// in the configured locale and returns "" for conflicts.
package authflow
