package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSearchRadiusKm bounds GEORADIUS lookups.
const DefaultSearchRadiusKm = 25.0

// RedisGeo implements Index using Redis GEO commands, so every API instance
// and the location consumer see the same driver positions.
type RedisGeo struct {
	client   *redis.Client
	key      string
	radiusKm float64
	timeout  time.Duration
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key, radiusKm: DefaultSearchRadiusKm, timeout: 2 * time.Second}
}

func (r *RedisGeo) Upsert(driverID int64, p Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	name := member(driverID)
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Lng, Latitude: p.Lat, Name: name}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(driverID), map[string]interface{}{
		"cell":    Cell(p),
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(driverID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.ZRem(ctx, r.key, member(driverID)).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, MetaKey(driverID)).Err()
}

func (r *RedisGeo) Nearby(p Point, limit int) ([]Neighbor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	res, err := r.client.GeoRadius(ctx, r.key, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius:    r.radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Neighbor{
			DriverID:   id,
			Point:      Point{Lat: g.Latitude, Lng: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}

func member(driverID int64) string { return strconv.FormatInt(driverID, 10) }

// MetaKey is the hash holding per-driver position metadata.
func MetaKey(driverID int64) string { return "driver:meta:" + member(driverID) }
