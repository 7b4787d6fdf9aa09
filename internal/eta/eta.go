// Package eta estimates driver arrival times for accepted rides.
package eta

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
)

// DefaultSpeedMps is roughly 28.8 km/h, a city driving average.
const DefaultSpeedMps = 8.0

// Client resolves a road travel time between two points.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to geo.Point) (float64, error)
}

// Cache holds ETA lookups keyed by the geohash cells of both endpoints, so
// nearby repeat lookups share an entry.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b geo.Point) string {
	return geo.Cell(a) + "->" + geo.Cell(b)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b geo.Point) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b geo.Point, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// StraightLineSeconds is great-circle distance over speed.
func StraightLineSeconds(from, to geo.Point, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.DistanceKm(from, to) * 1000 / speedMps
}

// Estimator prefers the routing client and falls back to the straight-line
// estimate when the client is absent or fails.
type Estimator struct {
	Client   Client // optional
	Cache    *Cache // optional
	SpeedMps float64
}

func (e *Estimator) Estimate(ctx context.Context, from, to geo.Point) time.Duration {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return seconds(v)
		}
	}
	v := StraightLineSeconds(from, to, e.SpeedMps)
	if e.Client != nil {
		if routed, err := e.Client.EstimateSeconds(ctx, from, to); err == nil {
			v = routed
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
		}
	}
	return seconds(v)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second)).Round(time.Second)
}
