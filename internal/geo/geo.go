package geo

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"
)

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// cellPrecision gives ~150m cells, enough to bucket location samples per block.
const cellPrecision = 7

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is a finite coordinate inside the lat/lng ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// DistanceKm is the haversine great-circle distance between a and b in kilometers.
func DistanceKm(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// Cell returns the geohash bucket of p.
func Cell(p Point) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, cellPrecision)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

// Neighbor is one result of a proximity query.
type Neighbor struct {
	DriverID   int64   `json:"driver_id"`
	Point      Point   `json:"point"`
	DistanceKm float64 `json:"distance_km"`
}

// Index is a driver position index. It mirrors positions for proximity
// lookups; the authoritative position lives in the driver registry.
type Index interface {
	Upsert(driverID int64, p Point) error
	Remove(driverID int64) error
	Nearby(p Point, limit int) ([]Neighbor, error)
}

type entry struct {
	p       Point
	updated time.Time
}

// MemoryIndex is the in-process Index used when Redis is not configured.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[int64]entry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[int64]entry)}
}

func (g *MemoryIndex) Upsert(driverID int64, p Point) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = entry{p: p, updated: time.Now()}
	return nil
}

func (g *MemoryIndex) Remove(driverID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// Nearby scans every entry; fine for the fleet sizes a single process holds.
func (g *MemoryIndex) Nearby(p Point, limit int) ([]Neighbor, error) {
	g.mu.RLock()
	out := make([]Neighbor, 0, len(g.drivers))
	for id, e := range g.drivers {
		out = append(out, Neighbor{DriverID: id, Point: e.p, DistanceKm: DistanceKm(p, e.p)})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
