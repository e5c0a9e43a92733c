// Package query wraps an externally supplied data-fetch operation with a
// deterministic result cache and a bounded slow-query log. It performs no
// query planning; the fetch function is opaque.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"perfsup/internal/config"
	"perfsup/internal/logger"
)

// FetchFunc performs the actual data access being wrapped.
type FetchFunc func(ctx context.Context) (interface{}, error)

// SlowQuery is one recorded slow invocation.
type SlowQuery struct {
	Key      string
	Text     string
	Duration time.Duration
	At       time.Time
}

// Stats summarizes optimizer behaviour.
type Stats struct {
	Hits        int64
	Misses      int64
	SlowQueries int64
}

type cachedResult struct {
	value     interface{}
	expiresAt time.Time
}

// Optimizer caches fetch results by a key derived from the operation text
// and parameters, and records invocations slower than the threshold.
type Optimizer struct {
	cfg config.QueryConfig
	log logger.Logger

	cache *xsync.Map[string, cachedResult]

	slowMu   sync.Mutex
	slow     []SlowQuery
	slowSeen atomic.Int64

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds an optimizer from config.
func New(cfg config.QueryConfig, log logger.Logger) *Optimizer {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.SlowLogSize <= 0 {
		cfg.SlowLogSize = 100
	}
	return &Optimizer{
		cfg:   cfg,
		log:   log,
		cache: xsync.NewMap[string, cachedResult](),
	}
}

// Key derives the deterministic cache key for an operation.
func Key(text string, params []interface{}) string {
	h := sha256.New()
	h.Write([]byte(text))
	for _, p := range params {
		fmt.Fprintf(h, "|%v", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Do runs fetch behind the cache. Errors are never cached.
func (o *Optimizer) Do(ctx context.Context, text string, params []interface{}, fetch FetchFunc) (interface{}, error) {
	key := Key(text, params)

	if o.cfg.CacheEnabled {
		if cached, ok := o.cache.Load(key); ok {
			if time.Now().Before(cached.expiresAt) {
				o.hits.Add(1)
				return cached.value, nil
			}
			o.cache.Delete(key)
		}
	}
	o.misses.Add(1)

	started := time.Now()
	value, err := fetch(ctx)
	elapsed := time.Since(started)

	if elapsed > o.cfg.SlowQueryThreshold.Std() {
		o.recordSlow(key, text, elapsed)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch failed for %q: %w", text, err)
	}

	if o.cfg.CacheEnabled {
		o.cache.Store(key, cachedResult{
			value:     value,
			expiresAt: time.Now().Add(o.cfg.CacheTTL.Std()),
		})
	}
	return value, nil
}

// Invalidate drops the cached result for one operation.
func (o *Optimizer) Invalidate(text string, params []interface{}) {
	o.cache.Delete(Key(text, params))
}

// SlowQueries returns the retained slow-query records, newest last.
func (o *Optimizer) SlowQueries() []SlowQuery {
	o.slowMu.Lock()
	defer o.slowMu.Unlock()
	out := make([]SlowQuery, len(o.slow))
	copy(out, o.slow)
	return out
}

// Stats returns current counters.
func (o *Optimizer) Stats() Stats {
	return Stats{
		Hits:        o.hits.Load(),
		Misses:      o.misses.Load(),
		SlowQueries: o.slowSeen.Load(),
	}
}

func (o *Optimizer) recordSlow(key, text string, elapsed time.Duration) {
	o.slowSeen.Add(1)
	o.log.Warn("slow query",
		logger.Field{Key: "text", Value: text},
		logger.Field{Key: "duration", Value: elapsed})

	o.slowMu.Lock()
	defer o.slowMu.Unlock()
	o.slow = append(o.slow, SlowQuery{Key: key, Text: text, Duration: elapsed, At: time.Now()})
	if over := len(o.slow) - o.cfg.SlowLogSize; over > 0 {
		o.slow = append(o.slow[:0], o.slow[over:]...)
	}
}
