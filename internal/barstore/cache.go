package barstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/domain"
)

// DefaultCacheTTL bounds how long a cached window may serve reads.
const DefaultCacheTTL = 15 * time.Minute

// CacheStats counts decorator traffic for the status surface.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// Cache is a Redis read-through decorator over a Store. Window reads
// are cached under a per-(symbol, interval) generation that BulkUpsert
// bumps, so stale windows fall out without key tracking. Redis being
// down degrades to pass-through, never to failure.
type Cache struct {
	inner Store
	rdb   *redis.Client
	ttl   time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

// NewCache decorates inner with the given redis client. A zero ttl
// falls back to DefaultCacheTTL.
func NewCache(inner Store, rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{inner: inner, rdb: rdb, ttl: ttl}
}

func genKey(symbol string, iv domain.Interval) string {
	return fmt.Sprintf("bars:gen:%s:%s", symbol, iv)
}

func windowKey(symbol string, iv domain.Interval, gen string, start, end time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%s:%d:%d", symbol, iv, gen, start.Unix(), end.Unix())
}

// GetBars serves the window from Redis when present, falling through
// to the inner store and caching the result otherwise.
func (c *Cache) GetBars(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	symbol = domain.NormalizeSymbol(symbol)

	gen, err := c.rdb.Get(ctx, genKey(symbol, iv)).Result()
	if err == redis.Nil {
		gen = "0"
	} else if err != nil {
		c.errors.Add(1)
		log.Warn().Err(err).Str("symbol", symbol).Msg("bar cache generation read failed")
		return c.inner.GetBars(ctx, symbol, iv, start, end)
	}

	key := windowKey(symbol, iv, gen, start, end)
	payload, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var bars []domain.Bar
		if jerr := json.Unmarshal(payload, &bars); jerr == nil {
			c.hits.Add(1)
			return bars, nil
		}
		// Corrupt entry: fall through and overwrite below.
	} else if err != redis.Nil {
		c.errors.Add(1)
		log.Warn().Err(err).Str("symbol", symbol).Msg("bar cache read failed")
		return c.inner.GetBars(ctx, symbol, iv, start, end)
	}

	c.misses.Add(1)
	bars, err := c.inner.GetBars(ctx, symbol, iv, start, end)
	if err != nil {
		return nil, err
	}

	if payload, jerr := json.Marshal(bars); jerr == nil {
		if serr := c.rdb.Set(ctx, key, payload, c.ttl).Err(); serr != nil {
			c.errors.Add(1)
			log.Warn().Err(serr).Str("symbol", symbol).Msg("bar cache write failed")
		}
	}
	return bars, nil
}

// BulkUpsert writes through and bumps the generation of every touched
// (symbol, interval) so cached windows stop matching.
func (c *Cache) BulkUpsert(ctx context.Context, bars []domain.Bar) error {
	if err := c.inner.BulkUpsert(ctx, bars); err != nil {
		return err
	}

	touched := make(map[string]struct{})
	for _, b := range bars {
		touched[genKey(domain.NormalizeSymbol(b.Symbol), b.Interval)] = struct{}{}
	}
	for key := range touched {
		if err := c.rdb.Incr(ctx, key).Err(); err != nil {
			c.errors.Add(1)
			log.Warn().Err(err).Str("key", key).Msg("bar cache invalidation failed")
		}
	}
	return nil
}

// DateRange is never cached; it is a provisioning-time query.
func (c *Cache) DateRange(ctx context.Context, symbol string) (time.Time, time.Time, error) {
	return c.inner.DateRange(ctx, symbol)
}

// HasData is never cached; it is a provisioning-time probe.
func (c *Cache) HasData(ctx context.Context, symbol string, iv domain.Interval, start, end time.Time) (bool, error) {
	return c.inner.HasData(ctx, symbol, iv, start, end)
}

// Stats snapshots the decorator counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}
