package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisConfig configures the cache mirror.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password" json:"-"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

func (c RedisConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("sinks.redis.addr is required")
	}
	if c.TTL < 0 {
		return fmt.Errorf("sinks.redis.ttl must be >= 0")
	}
	return nil
}

// redisClient is the subset of *redis.Client the sink needs.
type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisSink keeps the latest snapshot of each query under
// <prefix>:<query id> plus a small metadata hash at <prefix>:<query id>:meta.
type RedisSink struct {
	rdb    redisClient
	prefix string
	ttl    time.Duration
}

func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping failed: %w", err)
	}
	return newRedisSinkWithClient(rdb, cfg.KeyPrefix, cfg.TTL), nil
}

func newRedisSinkWithClient(rdb redisClient, prefix string, ttl time.Duration) *RedisSink {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "dune"
	}
	return &RedisSink{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) key(queryID int64) string {
	return r.prefix + ":" + strconv.FormatInt(queryID, 10)
}

func (r *RedisSink) Write(ctx context.Context, s Snapshot) error {
	key := r.key(s.Query.ID)
	ctx, span := tracer.Start(ctx, "RedisSink.Write", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if err := r.rdb.Set(ctx, key, s.Payload, r.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis set %q: %w", key, err)
	}

	meta := key + ":meta"
	err := r.rdb.HSet(ctx, meta,
		"name", s.Query.Name,
		"execution_id", s.ExecutionID,
		"rows", s.Rows,
		"synced_at", s.SyncedAt.UTC().Format(time.RFC3339),
	).Err()
	if err == nil && r.ttl > 0 {
		err = r.rdb.Expire(ctx, meta, r.ttl).Err()
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis meta %q: %w", meta, err)
	}
	return nil
}

func (r *RedisSink) Close() error { return r.rdb.Close() }
