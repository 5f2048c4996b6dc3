package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tradehook:"

// NewRedisClient connects using a redis:// URL and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisClaims is a ClaimStore shared across processes.
type RedisClaims struct {
	client redis.Cmdable
	ns     string
	ttl    time.Duration
}

// NewRedisClaims stores keys under namespace ns ("sig", "nonce").
func NewRedisClaims(client redis.Cmdable, ns string, ttl time.Duration) *RedisClaims {
	return &RedisClaims{client: client, ns: keyPrefix + ns + ":", ttl: ttl}
}

func (r *RedisClaims) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.ns+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", r.ns, err)
	}
	return ok, nil
}

// RedisRates is a RateCounter shared across processes.
type RedisRates struct {
	client redis.Cmdable
	rate   Rate
}

func NewRedisRates(client redis.Cmdable, rate Rate) *RedisRates {
	return &RedisRates{client: client, rate: rate}
}

func (r *RedisRates) Allow(ctx context.Context, fingerprint string) (bool, error) {
	key := keyPrefix + "rate:" + fingerprint
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		// NX sets the window once and repairs a key that lost its TTL.
		p.ExpireNX(ctx, key, r.rate.Per)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate incr: %w", err)
	}
	return incr.Val() <= int64(r.rate.Count), nil
}
