// Package redis implements the ephemeral store (C2) against Redis using
// go-redis/redis/v8, the donor's cache client library.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store implements store.Ephemeral.
type Store struct {
	client *redis.Client
}

// New wraps an already-constructed client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open parses addr ("host:port") and opens a new client against db.
func Open(addr string, db int) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr, DB: db}))
}

// Ping verifies the client can reach the server, for the HTTP health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: del: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx %s: %w", key, err)
	}
	return ok, nil
}

// compareAndDeleteScript atomically deletes key only if its current value
// equals the expected value — the Lua-script equivalent spec.md §4.11/§6
// requires for safely releasing a distributed lock one holds.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (s *Store) CompareAndDelete(ctx context.Context, key string, expectedValue []byte) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expectedValue).Result()
	if err != nil {
		return false, fmt.Errorf("redis: compare-and-delete %s: %w", key, err)
	}
	deleted, _ := res.(int64)
	return deleted > 0, nil
}

func (s *Store) RPush(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis: rpush %s: %w", key, err)
	}
	return nil
}

func (s *Store) LPop(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.LPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: lpop %s: %w", key, err)
	}
	return val, true, nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lrange %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: llen %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis: expire %s: %w", key, err)
	}
	return nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		return fmt.Errorf("redis: zadd %s: %w", key, err)
	}
	return nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	vals, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: zrangebyscore %s: %w", key, err)
	}
	return vals, nil
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	err := s.client.ZRemRangeByScore(ctx, key,
		strconv.FormatFloat(min, 'f', -1, 64),
		strconv.FormatFloat(max, 'f', -1, 64),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: zremrangebyscore %s: %w", key, err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: incr %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: incrby %s: %w", key, err)
	}
	return n, nil
}
