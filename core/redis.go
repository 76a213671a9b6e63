package core

import (
	"context"
	"strconv"
	"time"

	"deepaudit/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient wraps the shared key-value store used for risk profiles,
// observation windows and frequency counters. Every operation is bounded by a
// short timeout so a slow store can never stall the statement hot path.
type RedisClient struct {
	client    *redis.Client
	opTimeout time.Duration
	logger    *zap.SugaredLogger
}

// NewRedisClient creates a Redis client for the risk store.
func NewRedisClient(addr, password string, db, poolSize int, opTimeout time.Duration, logger *zap.SugaredLogger) *RedisClient {
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &RedisClient{
		client:    client,
		opTimeout: opTimeout,
		logger:    logger,
	}
}

// Ping tests the connection.
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the connection pool.
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Raw exposes the underlying client for pub/sub listeners that manage their
// own lifecycle. Hot-path callers use the bounded helpers below instead.
func (rc *RedisClient) Raw() *redis.Client {
	return rc.client
}

// ScriptLoad loads a Lua script and returns its SHA1.
func (rc *RedisClient) ScriptLoad(ctx context.Context, script string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, rc.opTimeout)
	defer cancel()
	return rc.client.ScriptLoad(ctx, script).Result()
}

// EvalSha runs a cached script, falling back to EVAL when the script cache
// was flushed (e.g. after a Redis restart).
func (rc *RedisClient) EvalSha(ctx context.Context, sha, script string, keys []string, args ...interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, rc.opTimeout)
	defer cancel()

	res, err := rc.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		res, err = rc.client.Eval(ctx, script, keys, args...).Result()
	}
	if err != nil {
		metrics.RedisErrors.WithLabelValues("eval").Inc()
	}
	return res, err
}

// IncrWithExpire increments a counter and sets the expiry when this was the
// first increment. Used for the per-identity sliding frequency window.
func (rc *RedisClient) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, rc.opTimeout)
	defer cancel()

	n, err := rc.client.Incr(ctx, key).Result()
	if err != nil {
		metrics.RedisErrors.WithLabelValues("incr").Inc()
		return 0, err
	}
	if n == 1 {
		if err := rc.client.Expire(ctx, key, ttl).Err(); err != nil {
			rc.logger.Warnf("Failed to set expiry on %s: %v", key, err)
		}
	}
	return n, nil
}

// HGet reads one hash field. The second return value reports presence.
func (rc *RedisClient) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, rc.opTimeout)
	defer cancel()

	val, err := rc.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		metrics.RedisErrors.WithLabelValues("hget").Inc()
		return "", false, err
	}
	return val, true, nil
}

// HSet writes hash fields.
func (rc *RedisClient) HSet(ctx context.Context, key string, pairs ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, rc.opTimeout)
	defer cancel()

	if err := rc.client.HSet(ctx, key, pairs...).Err(); err != nil {
		metrics.RedisErrors.WithLabelValues("hset").Inc()
		return err
	}
	return nil
}

// ScanKeys iterates keys matching pattern, invoking fn for each. Uses SCAN so
// large keyspaces are walked without blocking the server.
func (rc *RedisClient) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := rc.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Publish sends a message on a channel (configuration updates).
func (rc *RedisClient) Publish(ctx context.Context, channel, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, rc.opTimeout)
	defer cancel()
	return rc.client.Publish(ctx, channel, payload).Err()
}

// Key prefixes shared with any existing deployment. The layout is part of the
// store-side contract and must stay stable across implementations.
const (
	ProfileKeyPrefix = "audit:risk:"
	WindowKeyPrefix  = "audit:window:"
	FreqKeyPrefix    = "freq:"
	ConfigChannel    = "deepaudit:config:update"
)

// ProfileKey returns the risk profile key for an identity.
func ProfileKey(identity string) string {
	return ProfileKeyPrefix + identity
}

// WindowKey returns the observation window key for an identity.
func WindowKey(identity string) string {
	return WindowKeyPrefix + identity
}

// FreqKey returns the frequency counter key for an identity and minute bucket.
func FreqKey(identity string, minuteBucket int64) string {
	return FreqKeyPrefix + identity + ":" + strconv.FormatInt(minuteBucket, 10)
}
