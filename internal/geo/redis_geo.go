package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HorseChain/travony-sub002/internal/models"
)

// geoCommands is the subset of redis commands RedisGeo issues, narrowed so
// tests can substitute a fake.
type geoCommands interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	ZRem(ctx context.Context, key, member string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	GeoRadius(ctx context.Context, key string, lon, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

type redisCommands struct{ c *redis.Client }

func (r redisCommands) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r redisCommands) ZRem(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r redisCommands) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r redisCommands) GeoRadius(ctx context.Context, key string, lon, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error) {
	return r.c.GeoRadius(ctx, key, lon, lat, q).Result()
}

func (r redisCommands) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	cmd geoCommands
	key string
	ctx context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{cmd: redisCommands{c: c}, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(d models.Driver) {
	// position in the geo set, metadata in a hash; offline drivers leave the
	// geo set so radius queries only see dispatchable candidates
	if d.Online {
		_ = r.cmd.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	} else {
		_ = r.cmd.ZRem(r.ctx, r.key, d.ID)
	}
	_ = r.cmd.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"rating":   fmt.Sprintf("%f", d.Rating),
		"online":   strconv.FormatBool(d.Online),
		"approved": strconv.FormatBool(d.Approved),
		"updated":  time.Now().Format(time.RFC3339),
	})
}

func (r *RedisGeo) Nearby(lat, lon, radiusM float64, limit int, excludeID string) []models.Driver {
	// over-fetch so the excluded driver and members whose metadata flipped
	// (unapproved, or offline before the ZRem landed) do not shrink the result
	res, err := r.cmd.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit*3 + 1, Sort: "ASC",
	})
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		if g.Name == excludeID {
			continue
		}
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if m, err := r.cmd.HGetAll(r.ctx, metaKey(g.Name)); err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Rating = f
				}
			}
			if v, ok := m["online"]; ok {
				d.Online = (v == "true")
			}
			if v, ok := m["approved"]; ok {
				d.Approved = (v == "true")
			}
		}
		if !d.Online || !d.Approved {
			continue
		}
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
