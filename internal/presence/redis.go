package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/courier/pkg/clock"
)

// redisClient is the subset of *redis.Client the tracker calls.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// RedisOptions configures a RedisTracker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "presence".
	Prefix string
	TTL    time.Duration
	Clock  clock.Clock
}

// RedisTracker shares presence across server instances:
//
//	{prefix}:user:{userID}   hash handle -> lastSeenMs
//	{prefix}:handle:{handle} userID, expires after TTL
//
// Both keys carry the TTL, so a crashed instance's connections disappear on
// their own; SweepExpired trims stale hash fields left behind.
type RedisTracker struct {
	rdb    redisClient
	prefix string
	ttl    time.Duration
	clock  clock.Clock
}

// NewRedisTracker wraps an existing client.
func NewRedisTracker(rdb redisClient, opts RedisOptions) (*RedisTracker, error) {
	if rdb == nil {
		return nil, errors.New("presence: redis client must not be nil")
	}
	t := &RedisTracker{rdb: rdb, prefix: opts.Prefix, ttl: opts.TTL, clock: opts.Clock}
	if t.prefix == "" {
		t.prefix = "presence"
	}
	if t.ttl <= 0 {
		t.ttl = DefaultTTL
	}
	if t.clock == nil {
		t.clock = clock.System{}
	}
	return t, nil
}

// OpenRedisTracker dials addr and verifies the connection.
func OpenRedisTracker(ctx context.Context, opts RedisOptions) (*RedisTracker, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("presence: redis ping %s: %w", opts.Addr, err)
	}
	t, err := NewRedisTracker(rdb, opts)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return t, rdb, nil
}

func (t *RedisTracker) userKey(userID string) string { return t.prefix + ":user:" + userID }
func (t *RedisTracker) handleKey(h Handle) string    { return t.prefix + ":handle:" + string(h) }

func (t *RedisTracker) Connect(ctx context.Context, userID string) (Handle, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("presence: userID is required")
	}
	h := newHandle()
	if err := t.touch(ctx, userID, h); err != nil {
		return "", err
	}
	return h, nil
}

func (t *RedisTracker) touch(ctx context.Context, userID string, h Handle) error {
	now := t.clock.Now().UnixMilli()
	if err := t.rdb.Set(ctx, t.handleKey(h), userID, t.ttl).Err(); err != nil {
		return fmt.Errorf("presence: set handle: %w", err)
	}
	if err := t.rdb.HSet(ctx, t.userKey(userID), string(h), now).Err(); err != nil {
		return fmt.Errorf("presence: hset user: %w", err)
	}
	if err := t.rdb.Expire(ctx, t.userKey(userID), t.ttl).Err(); err != nil {
		return fmt.Errorf("presence: expire user: %w", err)
	}
	return nil
}

func (t *RedisTracker) owner(ctx context.Context, h Handle) (string, error) {
	user, err := t.rdb.Get(ctx, t.handleKey(h)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownHandle
	}
	if err != nil {
		return "", fmt.Errorf("presence: get handle: %w", err)
	}
	return user, nil
}

func (t *RedisTracker) Heartbeat(ctx context.Context, h Handle) error {
	user, err := t.owner(ctx, h)
	if err != nil {
		return err
	}
	return t.touch(ctx, user, h)
}

func (t *RedisTracker) Disconnect(ctx context.Context, h Handle) error {
	user, err := t.owner(ctx, h)
	if err != nil {
		return err
	}
	if err := t.rdb.HDel(ctx, t.userKey(user), string(h)).Err(); err != nil {
		return fmt.Errorf("presence: hdel: %w", err)
	}
	if err := t.rdb.Del(ctx, t.handleKey(h)).Err(); err != nil {
		return fmt.Errorf("presence: del handle: %w", err)
	}
	return nil
}

func (t *RedisTracker) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	fields, err := t.rdb.HGetAll(ctx, t.userKey(userID)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("presence: hgetall: %w", err)
	}
	live, _ := t.partition(fields)
	snap := Snapshot{UserID: userID}
	for h, seen := range live {
		snap.Handles = append(snap.Handles, h)
		if seen.After(snap.LastSeenAt) {
			snap.LastSeenAt = seen
		}
	}
	sort.Slice(snap.Handles, func(i, j int) bool { return snap.Handles[i] < snap.Handles[j] })
	snap.Online = len(snap.Handles) > 0
	return snap, nil
}

// partition splits hash fields into live handles and stale field names.
func (t *RedisTracker) partition(fields map[string]string) (map[Handle]time.Time, []string) {
	now := t.clock.Now()
	live := make(map[Handle]time.Time, len(fields))
	var stale []string
	for h, v := range fields {
		ms, err := strconv.ParseInt(v, 10, 64)
		seen := time.UnixMilli(ms)
		if err != nil || now.Sub(seen) >= t.ttl {
			stale = append(stale, h)
			continue
		}
		live[Handle(h)] = seen
	}
	return live, stale
}

func (t *RedisTracker) SweepExpired(ctx context.Context) (int, error) {
	removed := 0
	var cursor uint64
	for {
		keys, next, err := t.rdb.Scan(ctx, cursor, t.prefix+":user:*", 256).Result()
		if err != nil {
			return removed, fmt.Errorf("presence: scan: %w", err)
		}
		for _, key := range keys {
			fields, err := t.rdb.HGetAll(ctx, key).Result()
			if err != nil {
				return removed, fmt.Errorf("presence: hgetall: %w", err)
			}
			_, stale := t.partition(fields)
			if len(stale) == 0 {
				continue
			}
			if err := t.rdb.HDel(ctx, key, stale...).Err(); err != nil {
				return removed, fmt.Errorf("presence: hdel: %w", err)
			}
			removed += len(stale)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}
