package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/wardengate/warden/internal"
)

// Redis is the remote networked backend. It is the production store: TTLs
// are enforced server-side and the window increment uses a transactional
// INCR+EXPIRE pipeline, so counters are atomic across gateway instances.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects to the Redis instance named by rawURL and verifies the
// connection with a ping before returning.
func OpenRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", gateway.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) BucketState(ctx context.Context, key string) (float64, float64, bool, error) {
	data, err := r.client.HGetAll(ctx, bucketKey(key)).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("redis hgetall %s: %w", bucketKey(key), err)
	}
	if len(data) == 0 {
		return 0, 0, false, nil
	}
	tokens, err := strconv.ParseFloat(data["tokens"], 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse bucket tokens for %s: %w", key, err)
	}
	lastRefill, err := strconv.ParseFloat(data["last_refill"], 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse bucket last_refill for %s: %w", key, err)
	}
	return tokens, lastRefill, true, nil
}

func (r *Redis) SetBucketState(ctx context.Context, key string, tokens, lastRefill float64, ttl time.Duration) error {
	k := bucketKey(key)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, map[string]any{
			"tokens":      strconv.FormatFloat(tokens, 'f', -1, 64),
			"last_refill": strconv.FormatFloat(lastRefill, 'f', -1, 64),
		})
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set bucket %s: %w", key, err)
	}
	return nil
}

func (r *Redis) WindowCount(ctx context.Context, key string, windowStart int64) (int, error) {
	val, err := r.client.Get(ctx, windowKey(key, windowStart)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get window %s: %w", key, err)
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parse window count for %s: %w", key, err)
	}
	return count, nil
}

func (r *Redis) IncrWindow(ctx context.Context, key string, windowStart int64, ttl time.Duration) (int, error) {
	k := windowKey(key, windowStart)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr window %s: %w", key, err)
	}
	return int(incr.Val()), nil
}

func (r *Redis) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
