// ABOUTME: Redis-backed quota counter with atomic reservation
// ABOUTME: A per-user sorted set of call timestamps trimmed and checked in one Lua script

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript trims entries older than the window, then adds one entry only
// if the remaining count is below the limit. A negative limit always adds, so
// unlimited callers leave a trail that still counts after a downgrade.
// Returns {used_before, reserved}.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = ARGV[1]
local now = ARGV[2]
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. cutoff)
local used = redis.call('ZCARD', key)
if limit >= 0 and used >= limit then
	return {used, 0}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, ttl)
return {used, 1}
`)

// DurableCounter is the authoritative usage count, normally the SQLite ledger.
type DurableCounter interface {
	CountUsageSince(ctx context.Context, userID int64, since time.Time) (int, error)
}

// Config configures a RedisCounter.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Client overrides Addr/Password/DB when set.
	Client *redis.Client

	// KeyPrefix namespaces the sorted sets. Defaults to "buzzposter:usage:".
	KeyPrefix string

	// Durable, when set, answers CountUsageSince from the authoritative
	// ledger instead of the reservation sets.
	Durable DurableCounter

	Logger *slog.Logger
}

// RedisCounter implements the gate's Counter and Reserver interfaces.
type RedisCounter struct {
	client  *redis.Client
	prefix  string
	durable DurableCounter
	logger  *slog.Logger
}

// NewRedisCounter connects to Redis and verifies the connection with PING.
func NewRedisCounter(ctx context.Context, cfg Config) (*RedisCounter, error) {
	client := cfg.Client
	if client == nil {
		if cfg.Addr == "" {
			return nil, errors.New("redis address is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "buzzposter:usage:"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisCounter{
		client:  client,
		prefix:  prefix,
		durable: cfg.Durable,
		logger:  logger.With("component", "ledger"),
	}, nil
}

func (c *RedisCounter) key(userID int64) string {
	return c.prefix + strconv.FormatInt(userID, 10)
}

// Reserve atomically takes a quota slot if fewer than limit calls happened in
// (now-window, now]. A negative limit never denies. It returns the count
// before the reservation.
func (c *RedisCounter) Reserve(ctx context.Context, userID int64, now time.Time, window time.Duration, limit int) (int, bool, error) {
	cutoff := now.Add(-window).UnixMicro()
	// keep the set around a little past the window so late trims still see it
	ttl := (window + time.Minute).Milliseconds()

	res, err := reserveScript.Run(ctx, c.client,
		[]string{c.key(userID)},
		cutoff,
		now.UnixMicro(),
		limit,
		uuid.NewString(),
		ttl,
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("reserving quota slot: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("reserving quota slot: unexpected reply %v", res)
	}

	used, reserved := int(res[0]), res[1] == 1
	c.logger.Debug("quota reservation", "user_id", userID, "used", used, "limit", limit, "reserved", reserved)
	return used, reserved, nil
}

// CountUsageSince returns the durable count when configured, otherwise the
// number of reservations at or after since.
func (c *RedisCounter) CountUsageSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	if c.durable != nil {
		return c.durable.CountUsageSince(ctx, userID, since)
	}

	n, err := c.client.ZCount(ctx, c.key(userID), strconv.FormatInt(since.UnixMicro(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("counting reservations: %w", err)
	}
	return int(n), nil
}

// Close closes the Redis client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
