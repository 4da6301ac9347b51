package eligibility

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kanver/internal/bloodtype"
	"kanver/internal/matching/models"
	"kanver/internal/matching/store/geo"
	id "kanver/pkg/domain"
	dErrors "kanver/pkg/domain-errors"
	"kanver/pkg/platform/circuit"
)

var (
	hospitalLoc = models.Point{Lat: 41.0082, Lon: 28.9784}
	nearby      = models.Point{Lat: 41.0085, Lon: 28.9790}
	farAway     = models.Point{Lat: 41.2000, Lon: 29.3000}
)

type GateSuite struct {
	suite.Suite
	gate     *Gate
	locator  *geo.MemoryLocator
	hospital *models.Hospital
	ctx      context.Context
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

func (s *GateSuite) SetupTest() {
	s.ctx = context.Background()
	s.locator = geo.NewMemoryLocator()

	s.hospital = &models.Hospital{
		ID:       id.NewHospitalID(),
		Code:     "IST-01",
		Name:     "Istanbul City Hospital",
		Location: hospitalLoc,
		Active:   true,
	}
	s.Require().NoError(s.locator.RegisterHospital(s.ctx, s.hospital.ID, hospitalLoc))

	gate, err := NewGate(s.locator, 5000)
	s.Require().NoError(err)
	s.gate = gate
}

func (s *GateSuite) newDonor(bt bloodtype.BloodType) *models.DonorProfile {
	return &models.DonorProfile{
		ID:         id.NewUserID(),
		FullName:   "Mehmet Demir",
		BloodType:  bt,
		TrustScore: models.TrustScoreDefault,
	}
}

func (s *GateSuite) newRequestAt(bt bloodtype.BloodType, anchor models.Point) *models.BloodRequest {
	r, err := models.NewBloodRequest(
		id.NewUserID(), s.hospital.ID, bt,
		models.KindWholeBlood, models.PriorityNormal, 2, anchor, nil,
	)
	s.Require().NoError(err)
	return r
}

func (s *GateSuite) newRequest(bt bloodtype.BloodType) *models.BloodRequest {
	return s.newRequestAt(bt, nearby)
}

func (s *GateSuite) TestEvaluate() {
	now := time.Now()

	s.Run("compatible donor passes", func() {
		err := s.gate.Evaluate(s.ctx, s.newDonor(bloodtype.ONegative), s.newRequest(bloodtype.APositive), s.hospital, now)
		s.NoError(err)
	})

	s.Run("incompatible blood type rejected", func() {
		err := s.gate.Evaluate(s.ctx, s.newDonor(bloodtype.APositive), s.newRequest(bloodtype.ONegative), s.hospital, now)
		s.True(dErrors.HasCode(err, dErrors.CodeIncompatibleBloodType))
	})

	s.Run("donor on cooldown rejected", func() {
		donor := s.newDonor(bloodtype.ONegative)
		next := now.Add(30 * 24 * time.Hour)
		donor.NextAvailableAt = &next

		err := s.gate.Evaluate(s.ctx, donor, s.newRequest(bloodtype.APositive), s.hospital, now)
		s.True(dErrors.HasCode(err, dErrors.CodeCooldownActive))
	})

	s.Run("donor past cooldown passes", func() {
		donor := s.newDonor(bloodtype.ONegative)
		past := now.Add(-time.Hour)
		donor.NextAvailableAt = &past

		err := s.gate.Evaluate(s.ctx, donor, s.newRequest(bloodtype.APositive), s.hospital, now)
		s.NoError(err)
	})

	s.Run("request anchored outside the fence rejected", func() {
		request := s.newRequestAt(bloodtype.APositive, farAway)
		err := s.gate.Evaluate(s.ctx, s.newDonor(bloodtype.ONegative), request, s.hospital, now)
		s.True(dErrors.HasCode(err, dErrors.CodeOutsideGeofence))
	})

	s.Run("anchor inside the fence passes regardless of donor position", func() {
		// The gate never sees where the donor stands; a donor across the
		// city commits to travel, and only the request anchor is fenced.
		request := s.newRequestAt(bloodtype.APositive, hospitalLoc)
		err := s.gate.Evaluate(s.ctx, s.newDonor(bloodtype.ONegative), request, s.hospital, now)
		s.NoError(err)
	})

	s.Run("hospital override widens the fence", func() {
		s.hospital.GeofenceRadiusM = 50000

		request := s.newRequestAt(bloodtype.APositive, farAway)
		err := s.gate.Evaluate(s.ctx, s.newDonor(bloodtype.ONegative), request, s.hospital, now)
		s.NoError(err)
		s.hospital.GeofenceRadiusM = 0
	})

	s.Run("compatibility failure reported before cooldown", func() {
		donor := s.newDonor(bloodtype.APositive)
		next := now.Add(time.Hour)
		donor.NextAvailableAt = &next

		err := s.gate.Evaluate(s.ctx, donor, s.newRequest(bloodtype.ONegative), s.hospital, now)
		s.True(dErrors.HasCode(err, dErrors.CodeIncompatibleBloodType))
	})

	s.Run("unregistered hospital location", func() {
		ghost := &models.Hospital{ID: id.NewHospitalID(), Code: "IST-99", Active: true}
		err := s.gate.Evaluate(s.ctx, s.newDonor(bloodtype.ONegative), s.newRequest(bloodtype.APositive), ghost, now)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *GateSuite) TestWithinFence() {
	s.Run("point inside the fence", func() {
		s.NoError(s.gate.WithinFence(s.ctx, s.hospital, nearby))
	})

	s.Run("point outside the fence", func() {
		err := s.gate.WithinFence(s.ctx, s.hospital, farAway)
		s.True(dErrors.HasCode(err, dErrors.CodeOutsideGeofence))
	})

	s.Run("per-site radius overrides the default", func() {
		s.hospital.GeofenceRadiusM = 50000
		s.NoError(s.gate.WithinFence(s.ctx, s.hospital, farAway))
		s.hospital.GeofenceRadiusM = 0
	})
}

// failingLocator always errors, simulating a locator backend outage.
type failingLocator struct{}

func (failingLocator) RegisterHospital(context.Context, id.HospitalID, models.Point) error {
	return errors.New("connection refused")
}

func (failingLocator) WithinRadius(context.Context, id.HospitalID, models.Point, float64) (bool, error) {
	return false, errors.New("connection refused")
}

func (s *GateSuite) TestBreakerFallback() {
	now := time.Now()
	gate, err := NewGate(failingLocator{}, 5000,
		WithBreaker(circuit.New("geofence", circuit.WithFailureThreshold(3))))
	s.Require().NoError(err)

	donor := s.newDonor(bloodtype.ONegative)
	anchored := s.newRequestAt(bloodtype.APositive, nearby)
	adrift := s.newRequestAt(bloodtype.APositive, farAway)

	s.Run("errors surface while the circuit is closed", func() {
		for i := 0; i < 2; i++ {
			err := gate.Evaluate(s.ctx, donor, anchored, s.hospital, now)
			s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		}
	})

	s.Run("open circuit serves from stored coordinates", func() {
		err := gate.Evaluate(s.ctx, donor, anchored, s.hospital, now)
		s.NoError(err, "third failure opens the circuit and the local math answers")

		err = gate.Evaluate(s.ctx, donor, adrift, s.hospital, now)
		s.True(dErrors.HasCode(err, dErrors.CodeOutsideGeofence),
			"fallback still enforces the fence")
	})

	s.Run("no breaker means errors always surface", func() {
		bare, err := NewGate(failingLocator{}, 5000)
		s.Require().NoError(err)
		for i := 0; i < 5; i++ {
			err := bare.Evaluate(s.ctx, donor, anchored, s.hospital, now)
			s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		}
	})
}
