package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per device: voice:credentials:<device_id>.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, deviceID string) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("credentials: redis client is nil")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("credentials: device id is required")
	}
	return &RedisStore{rdb: rdb, key: hashKey(deviceID)}, nil
}

func hashKey(deviceID string) string {
	return "voice:credentials:" + deviceID
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrInvalidKey
	}
	v, err := s.rdb.HGet(ctx, s.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credentials: redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := s.rdb.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("credentials: redis set %s: %w", key, err)
	}
	return nil
}

// SetMany relies on HSET writing all fields of one hash atomically.
func (s *RedisStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(values))
	for k, v := range values {
		if k == "" {
			return ErrInvalidKey
		}
		args = append(args, k, v)
	}
	if err := s.rdb.HSet(ctx, s.key, args...).Err(); err != nil {
		return fmt.Errorf("credentials: redis set many: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, s.key, keys...).Err(); err != nil {
		return fmt.Errorf("credentials: redis clear: %w", err)
	}
	return nil
}
