//go:build integration

package request_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kanver/internal/bloodtype"
	"kanver/internal/matching/models"
	hospitalstore "kanver/internal/matching/store/hospital"
	"kanver/internal/matching/store/request"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
	"kanver/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres  *containers.PostgresContainer
	store     *request.PostgresStore
	hospitals *hospitalstore.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = request.NewPostgres(s.postgres.DB)
	s.hospitals = hospitalstore.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	// Truncate in dependency order
	err := s.postgres.TruncateTables(ctx,
		"donations", "verification_tokens", "donation_commitments",
		"blood_requests", "donors", "hospitals")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) seedRequest(unitsNeeded int, expiresAt *time.Time) *models.BloodRequest {
	ctx := context.Background()
	h := &models.Hospital{
		ID:       id.NewHospitalID(),
		Code:     "ANK-" + id.NewHospitalID().String()[:8],
		Name:     "Test Hospital",
		Location: models.Point{Lat: 39.9334, Lon: 32.8597},
		Active:   true,
	}
	s.Require().NoError(s.hospitals.Create(ctx, h))

	r, err := models.NewBloodRequest(
		id.NewUserID(), h.ID, bloodtype.BNegative,
		models.KindApheresis, models.PriorityUrgent, unitsNeeded,
		h.Location, expiresAt,
	)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(ctx, r))
	return r
}

// TestRoundTrip verifies the full column set survives a write and read.
func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	expiry := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Microsecond)
	created := s.seedRequest(3, &expiry)

	found, err := s.store.FindByID(ctx, created.ID)
	s.Require().NoError(err)
	s.Equal(created.Code, found.Code)
	s.Equal(bloodtype.BNegative, found.BloodType)
	s.Equal(models.KindApheresis, found.Kind)
	s.Equal(models.PriorityUrgent, found.Priority)
	s.Equal(3, found.UnitsNeeded)
	s.Equal(0, found.UnitsCollected)
	s.Equal(models.RequestActive, found.Status)
	s.Require().NotNil(found.ExpiresAt)
	s.WithinDuration(expiry, *found.ExpiresAt, time.Millisecond)
}

// TestConcurrentIncrement verifies units_collected never overshoots the
// target and exactly one increment observes fulfillment.
func (s *PostgresStoreSuite) TestConcurrentIncrement() {
	ctx := context.Background()
	const unitsNeeded = 3
	const goroutines = 20
	r := s.seedRequest(unitsNeeded, nil)

	var wg sync.WaitGroup
	var appliedCount, fulfilledCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			applied, fulfilled, err := s.store.IncrementCollected(ctx, r.ID, time.Now().UTC())
			if err != nil {
				return
			}
			if applied {
				appliedCount.Add(1)
			}
			if fulfilled {
				fulfilledCount.Add(1)
			}
		}()
	}

	wg.Wait()

	s.Equal(int32(unitsNeeded), appliedCount.Load(), "applied increments should equal the target")
	s.Equal(int32(1), fulfilledCount.Load(), "exactly one increment should observe fulfillment")

	found, err := s.store.FindByID(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(unitsNeeded, found.UnitsCollected)
	s.Equal(models.RequestFulfilled, found.Status)
}

// TestConcurrentCancel verifies that racing cancellations admit one winner.
func (s *PostgresStoreSuite) TestConcurrentCancel() {
	ctx := context.Background()
	r := s.seedRequest(2, nil)

	const goroutines = 10
	var wg sync.WaitGroup
	var winners atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := s.store.CASStatus(ctx, r.ID, models.RequestActive, models.RequestCancelled, time.Now().UTC()); err == nil {
				winners.Add(1)
			}
		}()
	}

	wg.Wait()
	s.Equal(int32(1), winners.Load())

	applied, fulfilled, err := s.store.IncrementCollected(ctx, r.ID, time.Now().UTC())
	s.Require().NoError(err)
	s.False(applied, "cancelled request should not accept units")
	s.False(fulfilled)
}

// TestExpireOverdue verifies only past-expiry active requests flip to EXPIRED.
func (s *PostgresStoreSuite) TestExpireOverdue() {
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	overdue := s.seedRequest(1, &past)
	fresh := s.seedRequest(1, &future)
	open := s.seedRequest(1, nil)

	expired, err := s.store.ExpireOverdue(ctx, now)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal(overdue.ID, expired[0].ID)
	s.Equal(models.RequestExpired, expired[0].Status)

	for _, untouched := range []id.RequestID{fresh.ID, open.ID} {
		found, err := s.store.FindByID(ctx, untouched)
		s.Require().NoError(err)
		s.Equal(models.RequestActive, found.Status)
	}

	// Second sweep finds nothing new.
	expired, err = s.store.ExpireOverdue(ctx, now)
	s.Require().NoError(err)
	s.Empty(expired)
}

func (s *PostgresStoreSuite) TestNotFound() {
	ctx := context.Background()

	_, err := s.store.FindByID(ctx, id.NewRequestID())
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, _, err = s.store.IncrementCollected(ctx, id.NewRequestID(), time.Now().UTC())
	s.ErrorIs(err, sentinel.ErrNotFound)

	err = s.store.CASStatus(ctx, id.NewRequestID(), models.RequestActive, models.RequestCancelled, time.Now().UTC())
	s.ErrorIs(err, sentinel.ErrNotFound)
}
