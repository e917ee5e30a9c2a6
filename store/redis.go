package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements KeyedStore using Redis.
// It leverages Redis's native TTL for automatic expiration and MULTI/EXEC
// pipelines to apply a TTL atomically with the write it belongs to.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a keyed store from a Redis client and a key prefix.
// prefix typically ends with a colon.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: keyPrefix,
	}
}

// RedisConfig contains configuration options for Redis.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password is the Redis password (empty for no auth)
	Password string

	// DB is the Redis database number (0-15)
	DB int

	// KeyPrefix is prepended to all keys (default: "gatekeeper:")
	KeyPrefix string
}

// NewRedisFromConfig connects to Redis and returns a keyed store.
func NewRedisFromConfig(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gatekeeper:"
	}

	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Set stores value under key.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set key: %w", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get key: %w", err)
	}
	return val, nil
}

// Exists reports whether key exists.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to check key: %w", err)
	}
	return n > 0, nil
}

// Delete removes keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis: failed to delete keys: %w", err)
	}
	return nil
}

// Incr atomically increments the counter at key and refreshes its TTL.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := s.key(key)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		if ttl > 0 {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis: failed to increment key: %w", err)
	}
	return incr.Val(), nil
}

// SAdd adds members to the set at key and refreshes its TTL.
func (s *RedisStore) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	k := s.key(key)
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}

	var added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, k, args...)
		if ttl > 0 {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis: failed to add set members: %w", err)
	}
	return added.Val(), nil
}

// SRem removes members from the set at key.
func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, s.key(key), args...).Err(); err != nil {
		return fmt.Errorf("redis: failed to remove set members: %w", err)
	}
	return nil
}

// SMembers returns the members of the set at key.
func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to read set: %w", err)
	}
	return members, nil
}

// SCard returns the size of the set at key.
func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to count set: %w", err)
	}
	return n, nil
}

// ZAdd inserts member into the sorted index at key.
func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := s.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("redis: failed to add to index: %w", err)
	}
	return nil
}

// ZRem removes members from the sorted index at key.
func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, s.key(key), args...).Err(); err != nil {
		return fmt.Errorf("redis: failed to remove from index: %w", err)
	}
	return nil
}

// ZTrim keeps only the keep highest-scored members.
func (s *RedisStore) ZTrim(ctx context.Context, key string, keep int64) error {
	// Ascending ranks 0..-(keep+1) are everything below the top keep.
	err := s.client.ZRemRangeByRank(ctx, s.key(key), 0, -(keep + 1)).Err()
	if err != nil {
		return fmt.Errorf("redis: failed to trim index: %w", err)
	}
	return nil
}

// ZRevRange returns members ranked from the highest score.
func (s *RedisStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := s.client.ZRevRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to range index: %w", err)
	}
	return members, nil
}

// LPush prepends values to the list at key and refreshes its TTL.
func (s *RedisStore) LPush(ctx context.Context, key string, ttl time.Duration, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	k := s.key(key)
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, k, args...)
		if ttl > 0 {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: failed to push list: %w", err)
	}
	return nil
}

// LTrim keeps only the elements in [start, stop].
func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, s.key(key), start, stop).Err(); err != nil {
		return fmt.Errorf("redis: failed to trim list: %w", err)
	}
	return nil
}

// LRange returns the elements in [start, stop].
func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to range list: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
