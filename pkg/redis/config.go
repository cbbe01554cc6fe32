package redis

import "time"

// Config describes the Redis connection used for shared cooldown state.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL"`                             // "redis://:password@localhost:6379/0"
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`   // connection attempts before giving up
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"1s"`  // pause between attempts
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"10s"` // overall budget for Connect
}
