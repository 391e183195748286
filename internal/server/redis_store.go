package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps the upload-init window in Redis so the limit holds across
// server instances. Fixed window: INCR then EXPIRE on first hit.
type redisStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisStore(addr, password string, timeout time.Duration) *redisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &redisStore{client: client, timeout: timeout}
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}
