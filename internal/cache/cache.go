// Package cache is the in-memory read cache in front of guild settings and the
// whitelist. It is bounded by entry count (least recently used goes first) and
// by age: an entry is never returned once its TTL has elapsed.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/internal/metrics"
	st "github.com/keshon/icebeat/internal/storagetypes"
)

const (
	KindGuild     = "guild"
	KindWhitelist = "whitelist"

	// whitelistKey cannot collide with a guild snowflake.
	whitelistKey = "#whitelist"
)

type entry struct {
	guild     st.GuildConfig
	whitelist st.Whitelist
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, entry]
	ttl     time.Duration
	clock   clockwork.Clock
	metrics *metrics.Metrics
}

type Option func(*Cache)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache holding at most entries items for ttl each.
func New(entries int, ttl time.Duration, clock clockwork.Clock, opts ...Option) (*Cache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	l, err := simplelru.NewLRU[string, entry](entries, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Cache{lru: l, ttl: ttl, clock: clock}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// get returns a live entry or drops an expired one.
func (c *Cache) get(key, kind string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if ok && !c.clock.Now().Before(e.expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	if ok {
		c.metrics.CacheHit(kind)
	} else {
		c.metrics.CacheMiss(kind)
	}
	return e, ok
}

func (c *Cache) set(key string, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.expiresAt = c.clock.Now().Add(c.ttl)
	c.lru.Add(key, e)
}

func (c *Cache) invalidate(key, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
	c.metrics.CacheInvalidated(kind)
}

// GetGuild returns a copy of the cached settings for guildID.
func (c *Cache) GetGuild(guildID string) (st.GuildConfig, bool) {
	e, ok := c.get(guildID, KindGuild)
	return e.guild, ok
}

func (c *Cache) SetGuild(cfg st.GuildConfig) {
	c.set(cfg.ID, entry{guild: cfg})
}

func (c *Cache) InvalidateGuild(guildID string) {
	c.invalidate(guildID, KindGuild)
}

// GetWhitelist returns a copy of the cached whitelist.
func (c *Cache) GetWhitelist() (st.Whitelist, bool) {
	e, ok := c.get(whitelistKey, KindWhitelist)
	if !ok {
		return st.Whitelist{}, false
	}
	return e.whitelist.Clone(), true
}

func (c *Cache) SetWhitelist(wl st.Whitelist) {
	c.set(whitelistKey, entry{whitelist: wl.Clone()})
}

func (c *Cache) InvalidateWhitelist() {
	c.invalidate(whitelistKey, KindWhitelist)
}

// Len counts entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// EvictExpired drops every expired entry and returns how many went.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && !now.Before(e.expiresAt) {
			c.lru.Remove(key)
			evicted++
		}
	}
	return evicted
}

// Sweep evicts expired entries every interval until ctx is done.
func (c *Cache) Sweep(ctx context.Context, interval time.Duration) error {
	log := logging.WithComponent("cache")
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if n := c.EvictExpired(); n > 0 {
				log.Debug().Int("evicted", n).Int("remaining", c.Len()).Msg("evicted expired config entries")
			}
		}
	}
}
