package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "session-tokens:"

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// Redis store keeps every session in its own hash
type Redis struct {
	client *redis.Client
	key    string
	owned  bool
}

func NewRedis(client *redis.Client, namespace string) *Redis {
	return &Redis{client: client, key: redisKeyPrefix + namespace}
}

// ConnectRedis creates client owned by the store and checks it is reachable
func ConnectRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}

	s := NewRedis(client, opts.Namespace)
	s.owned = true
	return s, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.HGet(ctx, r.key, key).Result()
	switch {
	case err == nil:
		return value, true, nil
	case errors.Is(err, redis.Nil):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("redis store: %w", err)
	}
}

func (r *Redis) Set(ctx context.Context, key string, value string) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis store: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.key, key).Err(); err != nil {
		return fmt.Errorf("redis store: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis store: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
