package cooldown

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldLastAttempt = "last_attempt"
	fieldLastSuccess = "last_success"
)

// RedisStore keeps State in a Redis hash per flow so several app instances
// share one cooldown. Timestamps are stored as Unix milliseconds.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix (default "authflow:cooldown:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithKeyTTL expires idle flow state after ttl. Zero keeps it forever.
func WithKeyTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "authflow:cooldown:",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Get(ctx context.Context, flow string) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.key(flow)).Result()
	if err != nil {
		return State{}, fmt.Errorf("cooldown: read %s: %w", flow, err)
	}
	return decodeState(fields)
}

func (s *RedisStore) Save(ctx context.Context, flow string, state State) error {
	key := s.key(flow)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, encodeState(state))
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cooldown: save %s: %w", flow, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, flow string) error {
	if err := s.client.Del(ctx, s.key(flow)).Err(); err != nil {
		return fmt.Errorf("cooldown: delete %s: %w", flow, err)
	}
	return nil
}

func (s *RedisStore) key(flow string) string {
	return s.prefix + flow
}

func encodeState(state State) map[string]any {
	return map[string]any{
		fieldLastAttempt: unixMilli(state.LastAttempt),
		fieldLastSuccess: unixMilli(state.LastSuccess),
	}
}

func decodeState(fields map[string]string) (State, error) {
	var state State
	for name, dst := range map[string]*time.Time{
		fieldLastAttempt: &state.LastAttempt,
		fieldLastSuccess: &state.LastSuccess,
	} {
		raw, ok := fields[name]
		if !ok || raw == "" || raw == "0" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("cooldown: field %s: %w", name, err)
		}
		*dst = time.UnixMilli(ms)
	}
	return state, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

var _ Store = (*RedisStore)(nil)
