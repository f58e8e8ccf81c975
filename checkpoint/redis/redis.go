package redis

import (
	"context"

	"github.com/autom8ter/couchsync/checkpoint"
	"github.com/autom8ter/couchsync/errors"
	"github.com/go-redis/redis/v9"
	"github.com/spf13/cast"
)

func init() {
	checkpoint.Register("redis", func(params map[string]any) (checkpoint.Store, error) {
		return New(&redis.Options{
			Addr:     cast.ToString(params["addr"]),
			Username: cast.ToString(params["username"]),
			Password: cast.ToString(params["password"]),
			DB:       cast.ToInt(params["db"]),
		}, cast.ToString(params["prefix"]))
	})
}

type redisStore struct {
	client *redis.Client
	prefix string
}

// New returns a redis backed checkpoint store. Keys are written under prefix (default couchsync.checkpoint.)
func New(opts *redis.Options, prefix string) (checkpoint.Store, error) {
	if opts.Addr == "" {
		return nil, errors.New(errors.Validation, "redis checkpoint store: empty addr")
	}
	if prefix == "" {
		prefix = "couchsync.checkpoint."
	}
	return &redisStore{
		client: redis.NewClient(opts),
		prefix: prefix,
	}, nil
}

func (r *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	cursor, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, errors.Transport, "failed to get checkpoint %s", key)
	}
	return cursor, true, nil
}

func (r *redisStore) Set(ctx context.Context, key string, cursor string) error {
	return errors.Wrap(r.client.Set(ctx, r.prefix+key, cursor, 0).Err(), errors.Transport, "failed to set checkpoint %s", key)
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
