// Package geo answers the single geospatial question the matching flow
// asks: is this donor inside a hospital's geofence right now.
package geo

import (
	"context"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
)

// Locator registers hospital coordinates and tests geofence membership.
type Locator interface {
	RegisterHospital(ctx context.Context, hospitalID id.HospitalID, loc models.Point) error
	WithinRadius(ctx context.Context, hospitalID id.HospitalID, p models.Point, radiusM float64) (bool, error)
}
