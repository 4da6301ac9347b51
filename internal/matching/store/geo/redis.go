package geo

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"kanver/internal/matching/models"
	"kanver/internal/platform/redis"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

const hospitalGeoKey = "hospitals:geo"

// RedisLocator stores hospital coordinates in a Redis geo set and lets
// Redis do the distance math server-side.
type RedisLocator struct {
	client *redis.Client
}

func NewRedisLocator(client *redis.Client) (*RedisLocator, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisLocator{client: client}, nil
}

func (l *RedisLocator) RegisterHospital(ctx context.Context, hospitalID id.HospitalID, loc models.Point) error {
	err := l.client.GeoAdd(ctx, hospitalGeoKey, &goredis.GeoLocation{
		Name:      hospitalID.String(),
		Longitude: loc.Lon,
		Latitude:  loc.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("geoadd hospital: %w", err)
	}
	return nil
}

// WithinRadius searches the geo set around the donor's position and checks
// whether the hospital is among the members inside the radius.
func (l *RedisLocator) WithinRadius(ctx context.Context, hospitalID id.HospitalID, p models.Point, radiusM float64) (bool, error) {
	members, err := l.client.GeoSearch(ctx, hospitalGeoKey, &goredis.GeoSearchQuery{
		Longitude:  p.Lon,
		Latitude:   p.Lat,
		Radius:     radiusM,
		RadiusUnit: "m",
	}).Result()
	if err != nil {
		return false, fmt.Errorf("geosearch hospitals: %w", err)
	}

	want := hospitalID.String()
	for _, member := range members {
		if member == want {
			return true, nil
		}
	}

	// Distinguish "outside the fence" from "never registered".
	pos, err := l.client.GeoPos(ctx, hospitalGeoKey, want).Result()
	if err != nil {
		return false, fmt.Errorf("geopos hospital: %w", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return false, sentinel.ErrNotFound
	}
	return false, nil
}
