// Package redis connects to a Redis server with retries. The cooldown package
// uses the resulting client to share attempt timestamps between processes.
//
//	client, err := redis.Connect(ctx, redis.Config{
//		ConnectionURL:  "redis://localhost:6379/0",
//		RetryAttempts:  3,
//		RetryInterval:  time.Second,
//		ConnectTimeout: 10 * time.Second,
//	})
//
// Errors wrap the go-redis cause with errors.Join so both the sentinel and the
// driver error remain matchable.
package redis
