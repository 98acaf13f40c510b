// Package statecache is the read-optimized in-memory projection described
// in spec.md §4.6: per-tenant maps of channel/role/member/voice-state plus
// the guild header. One ingester writes; runner-thread script ops read.
//
// Grounded in the teacher's sharded-map convention
// (internal/ghostpool/pool_manager.go shards work across buckets to avoid
// one global lock) adapted here to shard by tenant instead of by worker
// slot, since reads are scoped to a single guild at a time and writes for
// different guilds never contend.
package statecache

import (
	"context"
	"sync"
)

// L2 is an optional second cache level consulted on local misses and kept
// in sync on writes. Implemented by redislayer.Layer; nil disables it.
// Kind strings are "channel", "role", "member", "voice".
type L2 interface {
	Get(ctx context.Context, guildID uint64, kind string, id uint64) ([]byte, bool)
	Put(ctx context.Context, guildID uint64, kind string, id uint64, v []byte) error
	Delete(ctx context.Context, guildID uint64, kind string, id uint64) error
	DropGuild(ctx context.Context, guildID uint64) error
}

const shardCount = 32

// GuildHeader is the handful of guild-level fields scripts read often
// enough to want cached rather than fetched per-op.
type GuildHeader struct {
	Name    string
	OwnerID uint64
	IconURL string
}

type tenantState struct {
	mu       sync.RWMutex
	header   GuildHeader
	channels map[uint64]json
	roles    map[uint64]json
	members  map[uint64]json
	voice    map[uint64]json
}

// json is an opaque blob; the cache doesn't need to know the shape of a
// channel/role/member/voice-state record, only how to store and hand it
// back — decoding is the caller's (script op's) job.
type json = []byte

func newTenantState() *tenantState {
	return &tenantState{
		channels: make(map[uint64]json),
		roles:    make(map[uint64]json),
		members:  make(map[uint64]json),
		voice:    make(map[uint64]json),
	}
}

// Cache shards tenants across a fixed number of buckets so that concurrent
// ingestion for different guilds never blocks on one lock.
type Cache struct {
	shards [shardCount]struct {
		mu      sync.Mutex
		tenants map[uint64]*tenantState
	}
	l2 L2
}

func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].tenants = make(map[uint64]*tenantState)
	}
	return c
}

// NewWithL2 builds a Cache that falls through to l2 on local misses and
// writes through to it on every ingester write.
func NewWithL2(l2 L2) *Cache {
	c := New()
	c.l2 = l2
	return c
}

func (c *Cache) shard(guildID uint64) *struct {
	mu      sync.Mutex
	tenants map[uint64]*tenantState
} {
	return &c.shards[guildID%shardCount]
}

func (c *Cache) tenant(guildID uint64) *tenantState {
	s := c.shard(guildID)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[guildID]
	if !ok {
		t = newTenantState()
		s.tenants[guildID] = t
	}
	return t
}

// SetHeader replaces the cached guild header (ingester-only).
func (c *Cache) SetHeader(guildID uint64, h GuildHeader) {
	t := c.tenant(guildID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.header = h
}

// Header returns the cached guild header.
func (c *Cache) Header(guildID uint64) GuildHeader {
	t := c.tenant(guildID)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.header
}

const (
	kindChannel = "channel"
	kindRole    = "role"
	kindMember  = "member"
	kindVoice   = "voice"
)

func (c *Cache) put(guildID uint64, kind string, id uint64, v json, m map[uint64]json, mu *sync.RWMutex) {
	mu.Lock()
	m[id] = v
	mu.Unlock()
	if c.l2 != nil {
		_ = c.l2.Put(context.Background(), guildID, kind, id, v)
	}
}

func (c *Cache) del(guildID uint64, kind string, id uint64, m map[uint64]json, mu *sync.RWMutex) {
	mu.Lock()
	delete(m, id)
	mu.Unlock()
	if c.l2 != nil {
		_ = c.l2.Delete(context.Background(), guildID, kind, id)
	}
}

// get reads m locally, falling through to the L2 on a miss and
// repopulating the local map on an L2 hit.
func (c *Cache) get(guildID uint64, kind string, id uint64, m map[uint64]json, mu *sync.RWMutex) ([]byte, bool) {
	mu.RLock()
	v, ok := m[id]
	mu.RUnlock()
	if ok || c.l2 == nil {
		return v, ok
	}
	v, ok = c.l2.Get(context.Background(), guildID, kind, id)
	if ok {
		mu.Lock()
		m[id] = v
		mu.Unlock()
	}
	return v, ok
}

// PutChannel, PutRole, PutMember, PutVoiceState are the ingester's writes.
func (c *Cache) PutChannel(guildID, channelID uint64, v []byte) {
	t := c.tenant(guildID)
	c.put(guildID, kindChannel, channelID, v, t.channels, &t.mu)
}

func (c *Cache) PutRole(guildID, roleID uint64, v []byte) {
	t := c.tenant(guildID)
	c.put(guildID, kindRole, roleID, v, t.roles, &t.mu)
}

func (c *Cache) PutMember(guildID, userID uint64, v []byte) {
	t := c.tenant(guildID)
	c.put(guildID, kindMember, userID, v, t.members, &t.mu)
}

func (c *Cache) PutVoiceState(guildID, userID uint64, v []byte) {
	t := c.tenant(guildID)
	c.put(guildID, kindVoice, userID, v, t.voice, &t.mu)
}

func (c *Cache) DeleteChannel(guildID, channelID uint64) {
	t := c.tenant(guildID)
	c.del(guildID, kindChannel, channelID, t.channels, &t.mu)
}

func (c *Cache) DeleteRole(guildID, roleID uint64) {
	t := c.tenant(guildID)
	c.del(guildID, kindRole, roleID, t.roles, &t.mu)
}

func (c *Cache) DeleteMember(guildID, userID uint64) {
	t := c.tenant(guildID)
	c.del(guildID, kindMember, userID, t.members, &t.mu)
}

// Channel, Role, Member, VoiceState are the runner-thread reads.
func (c *Cache) Channel(guildID, channelID uint64) ([]byte, bool) {
	t := c.tenant(guildID)
	return c.get(guildID, kindChannel, channelID, t.channels, &t.mu)
}

func (c *Cache) Role(guildID, roleID uint64) ([]byte, bool) {
	t := c.tenant(guildID)
	return c.get(guildID, kindRole, roleID, t.roles, &t.mu)
}

func (c *Cache) Member(guildID, userID uint64) ([]byte, bool) {
	t := c.tenant(guildID)
	return c.get(guildID, kindMember, userID, t.members, &t.mu)
}

func (c *Cache) VoiceState(guildID, userID uint64) ([]byte, bool) {
	t := c.tenant(guildID)
	return c.get(guildID, kindVoice, userID, t.voice, &t.mu)
}

// DropGuild evicts every cached entry for a tenant, including its L2 keys.
// No runner or scheduler shutdown path calls it.
func (c *Cache) DropGuild(guildID uint64) {
	s := c.shard(guildID)
	s.mu.Lock()
	delete(s.tenants, guildID)
	s.mu.Unlock()
	if c.l2 != nil {
		_ = c.l2.DropGuild(context.Background(), guildID)
	}
}
