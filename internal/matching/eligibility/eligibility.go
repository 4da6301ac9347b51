// Package eligibility decides whether a donor may commit to a blood
// request. The gate checks compatibility, then cooldown, then geofence,
// and reports the first failure.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kanver/internal/bloodtype"
	"kanver/internal/matching/models"
	"kanver/internal/matching/store/geo"
	dErrors "kanver/pkg/domain-errors"
	"kanver/pkg/platform/circuit"
	"kanver/pkg/platform/sentinel"
)

// Gate evaluates the three admission rules for a commitment.
type Gate struct {
	locator       geo.Locator
	defaultRadius float64
	breaker       *circuit.Breaker
	logger        *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithBreaker guards the locator with a circuit breaker. While the circuit
// is open, geofence checks fall back to local distance math on the
// hospital's stored coordinates.
func WithBreaker(b *circuit.Breaker) Option {
	return func(g *Gate) { g.breaker = b }
}

// WithLogger sets the logger for breaker transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func NewGate(locator geo.Locator, defaultRadiusM float64, opts ...Option) (*Gate, error) {
	if locator == nil {
		return nil, fmt.Errorf("locator is required")
	}
	if defaultRadiusM <= 0 {
		return nil, fmt.Errorf("default radius must be positive")
	}
	g := &Gate{
		locator:       locator,
		defaultRadius: defaultRadiusM,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Evaluate returns nil when the donor may commit, or a coded error naming
// the first rule that failed. Order matters: a donor on cooldown with an
// incompatible blood type hears about the blood type. The geofence rule
// checks the request's anchor point against the hospital fence; where the
// donor currently stands is not gated, since a committed donor travels.
func (g *Gate) Evaluate(ctx context.Context, donor *models.DonorProfile, request *models.BloodRequest, hospital *models.Hospital, now time.Time) error {
	if !bloodtype.CanDonateTo(donor.BloodType, request.BloodType) {
		return dErrors.Newf(dErrors.CodeIncompatibleBloodType,
			"blood type %s cannot donate to %s", donor.BloodType, request.BloodType)
	}

	if !donor.Eligible(now) {
		return dErrors.Newf(dErrors.CodeCooldownActive,
			"donor is on cooldown until %s", donor.NextAvailableAt.Format(time.RFC3339))
	}

	return g.WithinFence(ctx, hospital, request.Location)
}

// WithinFence reports whether the point lies inside the hospital's geofence,
// using the hospital's per-site radius when set. Requests must be opened
// from inside the fence, so creation and eligibility share this predicate.
func (g *Gate) WithinFence(ctx context.Context, hospital *models.Hospital, p models.Point) error {
	radius := hospital.GeofenceRadiusM
	if radius <= 0 {
		radius = g.defaultRadius
	}
	inside, err := g.withinRadius(ctx, hospital, p, radius)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "hospital location is not registered")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "geofence check failed")
	}
	if !inside {
		return dErrors.Newf(dErrors.CodeOutsideGeofence,
			"location is outside the %.0fm geofence of hospital %s", radius, hospital.Code)
	}
	return nil
}

// withinRadius asks the locator, recording outcomes on the breaker. Failed
// calls keep probing the locator; while the circuit is open their results are
// served from local distance math on the hospital's stored coordinates.
func (g *Gate) withinRadius(ctx context.Context, hospital *models.Hospital, p models.Point, radius float64) (bool, error) {
	inside, err := g.locator.WithinRadius(ctx, hospital.ID, p, radius)
	if err == nil || errors.Is(err, sentinel.ErrNotFound) {
		if g.breaker != nil {
			if _, change := g.breaker.RecordSuccess(); change.Closed {
				g.logger.Info("geofence locator recovered", slog.String("breaker", g.breaker.Name()))
			}
		}
		return inside, err
	}

	if g.breaker == nil {
		return false, err
	}
	useFallback, change := g.breaker.RecordFailure()
	if change.Opened {
		g.logger.Warn("geofence locator failing, switching to local distance math",
			slog.String("breaker", g.breaker.Name()),
			slog.String("error", err.Error()))
	}
	if !useFallback {
		return false, err
	}
	return geo.DistanceMeters(hospital.Location, p) <= radius, nil
}
