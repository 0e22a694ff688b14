// README: Last-known location store backed by Redis GEO sets and per-actor hashes.
package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/types"
)

const (
	geoKeyPrefix   = "dispatch:geo:%s"
	actorKeyPrefix = "dispatch:actor:%s"
	// Last-known positions older than this are not worth keeping.
	actorKeyTTL = 24 * time.Hour
)

// Store persists the authoritative last-known location of each actor.
type Store interface {
	Save(ctx context.Context, loc StoredLocation) error
	Get(ctx context.Context, actorID types.ID) (StoredLocation, bool, error)
	Nearby(ctx context.Context, role types.Role, center types.Point, radiusKm float64) ([]NearbyActor, error)
}

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

func (s *RedisStore) Save(ctx context.Context, loc StoredLocation) error {
	pipe := s.redis.TxPipeline()
	pipe.GeoAdd(ctx, geoKey(loc.Role), &redis.GeoLocation{
		Name:      string(loc.ActorID),
		Longitude: loc.Position.Lng,
		Latitude:  loc.Position.Lat,
	})
	key := actorKey(loc.ActorID)
	pipe.HSet(ctx, key,
		"role", string(loc.Role),
		"name", loc.Name,
		"lat", strconv.FormatFloat(loc.Position.Lat, 'f', -1, 64),
		"lng", strconv.FormatFloat(loc.Position.Lng, 'f', -1, 64),
		"updated_at", loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, actorKeyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, actorID types.ID) (StoredLocation, bool, error) {
	fields, err := s.redis.HGetAll(ctx, actorKey(actorID)).Result()
	if err != nil {
		return StoredLocation{}, false, err
	}
	if len(fields) == 0 {
		return StoredLocation{}, false, nil
	}
	loc, err := decodeStored(actorID, fields)
	if err != nil {
		return StoredLocation{}, false, err
	}
	return loc, true, nil
}

// Nearby returns stored actors of role within radiusKm of center, nearest
// first. Distances use the same rounding as Distance.
func (s *RedisStore) Nearby(ctx context.Context, role types.Role, center types.Point, radiusKm float64) ([]NearbyActor, error) {
	hits, err := s.redis.GeoSearchLocation(ctx, geoKey(role), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []NearbyActor{}, nil
	}

	pipe := s.redis.Pipeline()
	names := make([]*redis.StringCmd, len(hits))
	for i, h := range hits {
		names[i] = pipe.HGet(ctx, actorKey(types.ID(h.Name)), "name")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]NearbyActor, 0, len(hits))
	for i, h := range hits {
		pos := types.Point{Lat: h.Latitude, Lng: h.Longitude}
		dist := DistanceBetween(center, pos)
		if dist > radiusKm {
			continue
		}
		name, _ := names[i].Result()
		out = append(out, NearbyActor{
			ActorID:    types.ID(h.Name),
			Role:       role,
			Name:       name,
			Position:   pos,
			DistanceKm: dist,
		})
	}
	sortByDistance(out, func(n NearbyActor) float64 { return n.DistanceKm }, func(n NearbyActor) types.ID { return n.ActorID })
	return out, nil
}

func decodeStored(actorID types.ID, fields map[string]string) (StoredLocation, error) {
	lat, err := strconv.ParseFloat(fields["lat"], 64)
	if err != nil {
		return StoredLocation{}, fmt.Errorf("decode lat for %s: %w", actorID, err)
	}
	lng, err := strconv.ParseFloat(fields["lng"], 64)
	if err != nil {
		return StoredLocation{}, fmt.Errorf("decode lng for %s: %w", actorID, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return StoredLocation{}, fmt.Errorf("decode updated_at for %s: %w", actorID, err)
	}
	return StoredLocation{
		ActorID:   actorID,
		Role:      types.Role(fields["role"]),
		Name:      fields["name"],
		Position:  types.Point{Lat: lat, Lng: lng},
		UpdatedAt: updatedAt,
	}, nil
}

func geoKey(role types.Role) string {
	return fmt.Sprintf(geoKeyPrefix, string(role))
}

func actorKey(id types.ID) string {
	return fmt.Sprintf(actorKeyPrefix, string(id))
}
