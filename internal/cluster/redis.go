// ABOUTME: Redis TrackingStore using go-redis
// ABOUTME: Shares tracking cookie mappings between nodes through one Redis instance

package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces tracking hashes.
const redisKeyPrefix = "coven:tracking:"

// Redis store errors
var (
	ErrEmptyRedisURL = errors.New("empty redis connection URL")
	ErrRedisURL      = errors.New("failed to parse redis connection string")
)

// RedisStore implements TrackingStore on Redis. Each cookie is a hash
// holding user_id, server_id and updated_at.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the Redis instance at url (redis:// or rediss://)
// and verifies it with a ping. Records expire after ttl; 0 keeps them forever.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	if url == "" {
		return nil, ErrEmptyRedisURL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRedisURL, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(cookie string) string {
	return redisKeyPrefix + cookie
}

// GetTrackedUser returns the user tracked under cookie.
func (s *RedisStore) GetTrackedUser(ctx context.Context, cookie string) (*User, error) {
	vals, err := s.client.HGetAll(ctx, redisKey(cookie)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading tracking record: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrUserNotFound
	}
	return &User{UserID: vals["user_id"], ServerID: vals["server_id"]}, nil
}

// TrackUser records user under cookie, replacing any previous mapping.
func (s *RedisStore) TrackUser(ctx context.Context, cookie string, user *User) error {
	key := redisKey(cookie)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"user_id", user.UserID,
			"server_id", user.ServerID,
			"updated_at", time.Now().UTC().Unix(),
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tracking user: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
