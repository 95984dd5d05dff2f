package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/logging"
)

// RedisConfig locates the shared dedupe keyspace
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string        // key prefix, usually the topic name
	TTL       time.Duration // how long a claim is remembered
}

// RedisFilter shares claims between producer processes writing the same topic
type RedisFilter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ Filter = (*RedisFilter)(nil)

// NewRedis connects and pings; an unreachable server is a config error
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisFilter, error) {
	if cfg.Addr == "" {
		return nil, errors.ConfigError("redis address missing")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.WrapConfig(err, fmt.Sprintf("connect to redis at %s", cfg.Addr))
	}

	logger := logging.Component("dedupe", "backend", "redis")
	logger.Info("redis dedupe connected", "addr", cfg.Addr, "namespace", cfg.Namespace)

	return &RedisFilter{
		client: client,
		prefix: "retailgraph:dedupe:" + cfg.Namespace + ":",
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

// Claim sets the key only if absent
func (f *RedisFilter) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := f.client.SetNX(ctx, f.prefix+key, 1, f.ttl).Result()
	if err != nil {
		return false, errors.TransientError(err, "redis claim "+key)
	}
	return ok, nil
}

// Release deletes the key
func (f *RedisFilter) Release(ctx context.Context, key string) error {
	if err := f.client.Del(ctx, f.prefix+key).Err(); err != nil {
		return errors.TransientError(err, "redis release "+key)
	}
	return nil
}

// Reset drops every claim in the namespace, so the next run republishes
// shared events
func (f *RedisFilter) Reset(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := f.client.Scan(ctx, cursor, f.prefix+"*", 500).Result()
		if err != nil {
			return 0, errors.TransientError(err, "redis scan")
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := f.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, errors.TransientError(err, "redis delete")
	}
	f.logger.Info("dedupe claims reset", "deleted", deleted)
	return deleted, nil
}

// Close closes the client
func (f *RedisFilter) Close() error {
	return f.client.Close()
}
