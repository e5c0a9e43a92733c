// Package cache implements the tiered response cache: three in-memory tiers
// with per-tier byte budgets and TTLs, hit promotion, synchronous
// oldest-first eviction with demotion to the next tier, and transparent
// compression of large values.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"perfsup/internal/bufpool"
	"perfsup/internal/config"
	"perfsup/internal/logger"
)

// TierStats describes one tier in a Stats snapshot.
type TierStats struct {
	Name     string
	Entries  int
	Bytes    int64
	MaxBytes int64
	Evicted  int64
}

// Stats is a point-in-time snapshot of the whole cache.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Tiers   []TierStats
}

// MultiLevelCache is a three-tier key/value store. A key lives in exactly one
// tier at a time: reads promote hits into L1, and budget overflow demotes the
// oldest entries one tier down (entries falling off L3 are dropped).
type MultiLevelCache struct {
	mu    sync.Mutex
	tiers []*tier

	cfg  config.CacheConfig
	pool *bufpool.Pool
	log  logger.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds the cache from config. pool may be nil to disable scratch-buffer
// reuse in the compression path.
func New(cfg config.CacheConfig, pool *bufpool.Pool, log logger.Logger) *MultiLevelCache {
	if log == nil {
		log = logger.Nop()
	}
	return &MultiLevelCache{
		tiers: []*tier{
			newTier("L1", cfg.L1.MaxBytes, cfg.L1.TTL.Std()),
			newTier("L2", cfg.L2.MaxBytes, cfg.L2.TTL.Std()),
			newTier("L3", cfg.L3.MaxBytes, cfg.L3.TTL.Std()),
		},
		cfg:  cfg,
		pool: pool,
		log:  log,
	}
}

// Get returns the cached value for key, or (nil, false) on miss or expiry.
// A hit below L1 moves the entry up into L1.
func (c *MultiLevelCache) Get(key string) ([]byte, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, t := range c.tiers {
		e, ok := t.get(key)
		if !ok {
			continue
		}
		if e.expired(now) {
			t.remove(key)
			c.misses.Add(1)
			return nil, false
		}

		c.hits.Add(1)
		if i > 0 {
			c.promoteLocked(e, i)
		}

		if e.compressed {
			raw, err := decompress(e.value)
			if err != nil {
				c.log.Error("cache decompress failed, dropping entry",
					logger.Field{Key: "key", Value: key},
					logger.Field{Key: "error", Value: err})
				c.removeLocked(key)
				return nil, false
			}
			return raw, true
		}
		// Copy out so callers cannot mutate the stored value.
		out := make([]byte, len(e.value))
		copy(out, e.value)
		return out, true
	}

	c.misses.Add(1)
	return nil, false
}

// Set writes value into L1 with the given ttl (ttl <= 0 uses L1's default).
// Any previous copy of the key in a colder tier is removed first, then tier
// budgets are enforced synchronously.
func (c *MultiLevelCache) Set(key string, value []byte, ttl time.Duration) {
	now := time.Now()
	if ttl <= 0 {
		ttl = c.tiers[0].ttl
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	compressed := false
	if c.cfg.Compression && len(value) >= c.cfg.CompressionThreshold {
		out, ok, err := compress(c.pool, stored)
		if err != nil {
			c.log.Warn("cache compression failed, storing raw",
				logger.Field{Key: "key", Value: key},
				logger.Field{Key: "error", Value: err})
		} else if ok {
			stored = out
			compressed = true
		}
	}

	e := &entry{
		key:        key,
		value:      stored,
		compressed: compressed,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		size:       int64(len(stored)),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	c.insertLocked(0, e)
}

// Delete removes key from whichever tier holds it.
func (c *MultiLevelCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Clear empties every tier.
func (c *MultiLevelCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.tiers {
		c.tiers[i] = newTier(t.name, t.maxBytes, t.ttl)
	}
}

// HitRate reports hits / (hits + misses), or 0 before any lookup.
func (c *MultiLevelCache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Stats returns a snapshot of per-tier occupancy and global counters.
func (c *MultiLevelCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		HitRate: c.HitRate(),
		Tiers:   make([]TierStats, 0, len(c.tiers)),
	}
	for _, t := range c.tiers {
		s.Tiers = append(s.Tiers, TierStats{
			Name:     t.name,
			Entries:  t.len(),
			Bytes:    t.bytes,
			MaxBytes: t.maxBytes,
			Evicted:  t.evicted,
		})
	}
	return s
}

// Run drives the background expiry sweep until ctx is cancelled.
func (c *MultiLevelCache) Run(ctx context.Context) {
	interval := c.cfg.SweepInterval.Std()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpired()
		}
	}
}

// SweepExpired removes expired entries from all tiers.
func (c *MultiLevelCache) SweepExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, t := range c.tiers {
		removed += t.sweep(now)
	}
	if removed > 0 {
		c.log.Debug("cache sweep removed expired entries",
			logger.Field{Key: "removed", Value: removed})
	}
	return removed
}

// promoteLocked moves an entry from tier idx up into L1, unless it cannot fit
// under L1's budget at all.
func (c *MultiLevelCache) promoteLocked(e *entry, idx int) {
	if e.size > c.tiers[0].maxBytes {
		return
	}
	c.tiers[idx].remove(e.key)
	c.insertLocked(0, e)
}

// insertLocked places e into tier idx, cascading budget overflow into colder
// tiers. Entries overflowing the coldest tier are dropped.
func (c *MultiLevelCache) insertLocked(idx int, e *entry) {
	for i := idx; i < len(c.tiers); i++ {
		demoted := c.tiers[i].insert(e)
		if len(demoted) == 0 {
			return
		}
		if i == len(c.tiers)-1 {
			return // fell off L3
		}
		// Re-insert demoted entries into the next tier, oldest first.
		for _, d := range demoted[:len(demoted)-1] {
			c.insertLocked(i+1, d)
		}
		e = demoted[len(demoted)-1]
	}
}

func (c *MultiLevelCache) removeLocked(key string) {
	for _, t := range c.tiers {
		if _, ok := t.remove(key); ok {
			return
		}
	}
}
