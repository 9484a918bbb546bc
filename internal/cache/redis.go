package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis implements Backend on a Redis server.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the server at url (redis://...).
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Redis{rdb: redis.NewClient(opt)}, nil
}

// NewRedisFromClient wraps an existing client; Close closes it.
func NewRedisFromClient(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

// Client exposes the underlying client so pub/sub can share the connection pool.
func (r *Redis) Client() *redis.Client { return r.rdb }

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, val, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

func (r *Redis) PushCapped(ctx context.Context, key string, val []byte, max int, ttl time.Duration) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, val)
		p.LTrim(ctx, key, 0, int64(max-1))
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (r *Redis) Range(ctx context.Context, key string, n int) ([][]byte, error) {
	vals, err := r.rdb.LRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.rdb.Close() }
