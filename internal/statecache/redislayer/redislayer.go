// Package redislayer is an optional L2 for statecache.Cache: when the
// in-process shard misses, fall through to Redis before forcing a gateway
// fetch. Grounded in the teacher's internal/infra/redis_adapter.go go-redis
// v9 wrapper (same client construction, same ping-on-connect check).
package redislayer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Layer wraps a go-redis client scoped to one key prefix.
type Layer struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to addr and verifies it with a ping, matching the teacher's
// NewGoRedisAdapter behavior.
func New(addr, password string, db int, prefix string, ttl time.Duration) (*Layer, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redislayer: ping %s: %w", addr, err)
	}

	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &Layer{rdb: rdb, prefix: prefix, ttl: ttl}, nil
}

func (l *Layer) key(guildID uint64, kind string, id uint64) string {
	return fmt.Sprintf("%sguild:%d:%s:%d", l.prefix, guildID, kind, id)
}

// Put stores v for (guildID, kind, id) with the layer's TTL.
func (l *Layer) Put(ctx context.Context, guildID uint64, kind string, id uint64, v []byte) error {
	return l.rdb.Set(ctx, l.key(guildID, kind, id), v, l.ttl).Err()
}

// Get returns (value, true) on hit, (nil, false) on miss.
func (l *Layer) Get(ctx context.Context, guildID uint64, kind string, id uint64) ([]byte, bool) {
	v, err := l.rdb.Get(ctx, l.key(guildID, kind, id)).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

// Delete removes a cached (guildID, kind, id) entry.
func (l *Layer) Delete(ctx context.Context, guildID uint64, kind string, id uint64) error {
	return l.rdb.Del(ctx, l.key(guildID, kind, id)).Err()
}

// DropGuild removes every key under a guild's prefix.
func (l *Layer) DropGuild(ctx context.Context, guildID uint64) error {
	pattern := fmt.Sprintf("%sguild:%d:*", l.prefix, guildID)
	iter := l.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redislayer: scan drop guild %d: %w", guildID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return l.rdb.Del(ctx, keys...).Err()
}

func (l *Layer) Close() error { return l.rdb.Close() }
