package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skybridge-io/skybridge/internal/metrics"
	"github.com/skybridge-io/skybridge/pkg/models"
)

// Cache holds fetched conditions keyed by normalized subject. Entries are
// fresh for a fixed TTL; expired entries are kept around so a degraded
// response can fall back to the last known payload. Concurrent misses for
// the same subject collapse into a single fetch.
type Cache struct {
	ttl     time.Duration
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
	now   func() time.Time
}

type entry struct {
	payload   *models.Conditions
	fetchedAt time.Time
}

type fetchResult struct {
	payload   *models.Conditions
	fromCache bool
}

// New creates a cache with the given freshness window
func New(ttl time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		ttl:     ttl,
		metrics: m,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Normalize maps subject spellings like "  New   York " and "new york" to
// one cache key
func Normalize(subject string) string {
	return strings.Join(strings.Fields(strings.ToLower(subject)), " ")
}

// GetOrFetch returns the cached payload for a subject, or runs fetch to fill
// the cache. fresh is true when the payload was produced by this call's fetch
// rather than served from cache. Concurrent callers for the same subject
// share one fetch and receive the same payload or error; a failed fetch
// stores nothing.
func (c *Cache) GetOrFetch(ctx context.Context, subject string, fetch func(ctx context.Context) (*models.Conditions, error)) (*models.Conditions, bool, error) {
	key := Normalize(subject)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.metrics.CacheHits.Inc()
		return e.payload, false, nil
	}
	c.metrics.CacheMisses.Inc()

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// A winner that just finished may have refilled the entry
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.now().Sub(e.fetchedAt) < c.ttl {
			return fetchResult{payload: e.payload, fromCache: true}, nil
		}

		payload, err := fetch(ctx)
		if err != nil {
			return fetchResult{}, err
		}
		c.store(key, payload, c.now())
		return fetchResult{payload: payload}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		fr := res.Val.(fetchResult)
		return fr.payload, !fr.fromCache, nil
	}
}

// Put stores a payload fetched outside the single-flight path, such as a
// fallback source result
func (c *Cache) Put(subject string, payload *models.Conditions) {
	c.store(Normalize(subject), payload, c.now())
}

// Stale returns the most recent entry for a subject regardless of TTL
func (c *Cache) Stale(subject string) (*models.Conditions, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Normalize(subject)]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.payload, e.fetchedAt, true
}

// Len reports how many subjects have an entry, fresh or stale
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// store keeps the newer of the existing and incoming entry, so a slow
// fetch can never roll the cache back
func (c *Cache) store(key string, payload *models.Conditions, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.fetchedAt.After(at) {
		return
	}
	c.entries[key] = entry{payload: payload, fetchedAt: at}
}
