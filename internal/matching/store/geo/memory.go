package geo

import (
	"context"
	"math"
	"sync"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

// MemoryLocator computes geofence membership with the haversine formula.
// It exists for tests and single-node deployments without Redis.
type MemoryLocator struct {
	mu        sync.RWMutex
	hospitals map[id.HospitalID]models.Point
}

func NewMemoryLocator() *MemoryLocator {
	return &MemoryLocator{hospitals: make(map[id.HospitalID]models.Point)}
}

func (l *MemoryLocator) RegisterHospital(ctx context.Context, hospitalID id.HospitalID, loc models.Point) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hospitals[hospitalID] = loc
	return nil
}

func (l *MemoryLocator) WithinRadius(ctx context.Context, hospitalID id.HospitalID, p models.Point, radiusM float64) (bool, error) {
	l.mu.RLock()
	loc, ok := l.hospitals[hospitalID]
	l.mu.RUnlock()
	if !ok {
		return false, sentinel.ErrNotFound
	}
	return haversineMeters(loc, p) <= radiusM, nil
}

const earthRadiusM = 6371000.0

// DistanceMeters returns the great-circle distance between two points. It is
// the same math the MemoryLocator uses, exported for callers that need a
// local fallback when the locator backend is unavailable.
func DistanceMeters(a, b models.Point) float64 {
	return haversineMeters(a, b)
}

func haversineMeters(a, b models.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}
