//go:build integration

package commitment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kanver/internal/bloodtype"
	"kanver/internal/matching/models"
	"kanver/internal/matching/store/commitment"
	donorstore "kanver/internal/matching/store/donor"
	hospitalstore "kanver/internal/matching/store/hospital"
	requeststore "kanver/internal/matching/store/request"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
	"kanver/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres  *containers.PostgresContainer
	store     *commitment.PostgresStore
	donors    *donorstore.PostgresStore
	hospitals *hospitalstore.PostgresStore
	requests  *requeststore.PostgresStore
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
	s.store = commitment.NewPostgres(s.postgres.DB)
	s.donors = donorstore.NewPostgres(s.postgres.DB)
	s.hospitals = hospitalstore.NewPostgres(s.postgres.DB)
	s.requests = requeststore.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	// Truncate in dependency order
	err := s.postgres.TruncateTables(ctx,
		"donations", "verification_tokens", "donation_commitments",
		"blood_requests", "donors", "hospitals")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) seedDonor() id.UserID {
	d := &models.DonorProfile{
		ID:         id.NewUserID(),
		FullName:   "Fatma Demir",
		BloodType:  bloodtype.ONegative,
		TrustScore: models.TrustScoreDefault,
	}
	s.Require().NoError(s.donors.Create(context.Background(), d))
	return d.ID
}

func (s *PostgresStoreSuite) seedRequest(unitsNeeded int) *models.BloodRequest {
	ctx := context.Background()
	h := &models.Hospital{
		ID:       id.NewHospitalID(),
		Code:     "IST-" + id.NewHospitalID().String()[:8],
		Name:     "Test Hospital",
		Location: models.Point{Lat: 41.0082, Lon: 28.9784},
		Active:   true,
	}
	s.Require().NoError(s.hospitals.Create(ctx, h))

	r, err := models.NewBloodRequest(
		id.NewUserID(), h.ID, bloodtype.APositive,
		models.KindWholeBlood, models.PriorityNormal, unitsNeeded,
		h.Location, nil,
	)
	s.Require().NoError(err)
	s.Require().NoError(s.requests.Create(ctx, r))
	return r
}

func newCommitment(s *PostgresStoreSuite, donor id.UserID, request id.RequestID) *models.DonationCommitment {
	c, err := models.NewDonationCommitment(donor, request, time.Now().UTC(), time.Hour)
	s.Require().NoError(err)
	return c
}

// TestConcurrentSameDonor verifies that a donor racing to commit to several
// requests ends up with exactly one active commitment, enforced by the
// partial unique index.
func (s *PostgresStoreSuite) TestConcurrentSameDonor() {
	ctx := context.Background()
	donor := s.seedDonor()
	const goroutines = 20

	commitments := make([]*models.DonationCommitment, goroutines)
	slotLimits := make([]int, goroutines)
	for i := range commitments {
		r := s.seedRequest(3)
		commitments[i] = newCommitment(s, donor, r.ID)
		slotLimits[i] = r.SlotLimit()
	}

	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			err := s.store.CreateExclusive(ctx, commitments[idx], slotLimits[idx])
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, commitment.ErrActiveCommitment) {
				conflictCount.Add(1)
			}
		}(i)
	}

	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one commit should succeed")
	s.Equal(int32(goroutines-1), conflictCount.Load(), "all others should see the active-commitment conflict")

	active, err := s.store.FindActiveByDonor(ctx, donor)
	s.Require().NoError(err)
	s.Equal(donor, active.DonorID)
}

// TestConcurrentSlotAcquisition verifies that commits racing for one request
// never exceed the slot limit.
func (s *PostgresStoreSuite) TestConcurrentSlotAcquisition() {
	ctx := context.Background()
	request := s.seedRequest(2) // slot limit 3
	const goroutines = 20

	commitments := make([]*models.DonationCommitment, goroutines)
	for i := range commitments {
		commitments[i] = newCommitment(s, s.seedDonor(), request.ID)
	}

	var wg sync.WaitGroup
	var successCount, slotFullCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			err := s.store.CreateExclusive(ctx, commitments[idx], request.SlotLimit())
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, commitment.ErrSlotLimit) {
				slotFullCount.Add(1)
			}
		}(i)
	}

	wg.Wait()

	s.Equal(int32(request.SlotLimit()), successCount.Load(), "winners should equal the slot limit")
	s.Equal(int32(goroutines-request.SlotLimit()), slotFullCount.Load())

	count, err := s.store.CountActiveForRequest(ctx, request.ID)
	s.Require().NoError(err)
	s.Equal(request.SlotLimit(), count)
}

// TestCancelFreesSlot verifies that a terminal transition releases both the
// donor exclusivity and the request slot.
func (s *PostgresStoreSuite) TestCancelFreesSlot() {
	ctx := context.Background()
	donor := s.seedDonor()
	request := s.seedRequest(1) // slot limit 2
	now := time.Now().UTC()

	first := newCommitment(s, donor, request.ID)
	s.Require().NoError(s.store.CreateExclusive(ctx, first, request.SlotLimit()))

	err := s.store.Cancel(ctx, first.ID, models.CommitmentOnTheWay, "changed plans", now)
	s.Require().NoError(err)

	// Same donor can commit again once the previous one is terminal.
	second := newCommitment(s, donor, request.ID)
	s.Require().NoError(s.store.CreateExclusive(ctx, second, request.SlotLimit()))

	found, err := s.store.FindByID(ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(models.CommitmentCancelled, found.Status)
	s.Equal("changed plans", found.CancelReason)
}

// TestConcurrentCASOneWinner verifies that racing status transitions on the
// same commitment admit exactly one winner.
func (s *PostgresStoreSuite) TestConcurrentCASOneWinner() {
	ctx := context.Background()
	request := s.seedRequest(1)
	c := newCommitment(s, s.seedDonor(), request.ID)
	s.Require().NoError(s.store.CreateExclusive(ctx, c, request.SlotLimit()))

	const goroutines = 10
	var wg sync.WaitGroup
	var winners, losers atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := s.store.CASStatus(ctx, c.ID, models.CommitmentOnTheWay, models.CommitmentArrived, time.Now().UTC())
			if err == nil {
				winners.Add(1)
			} else if errors.Is(err, sentinel.ErrInvalidState) {
				losers.Add(1)
			}
		}()
	}

	wg.Wait()

	s.Equal(int32(1), winners.Load(), "exactly one transition should win")
	s.Equal(int32(goroutines-1), losers.Load())

	found, err := s.store.FindByID(ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.CommitmentArrived, found.Status)
	s.NotNil(found.ArrivedAt)
}

// TestListOverdue verifies deadline ordering and that ARRIVED commitments
// are never reported overdue.
func (s *PostgresStoreSuite) TestListOverdue() {
	ctx := context.Background()
	now := time.Now().UTC()
	request := s.seedRequest(5)

	late := newCommitment(s, s.seedDonor(), request.ID)
	late.Deadline = now.Add(-30 * time.Minute)
	s.Require().NoError(s.store.CreateExclusive(ctx, late, request.SlotLimit()))

	later := newCommitment(s, s.seedDonor(), request.ID)
	later.Deadline = now.Add(-10 * time.Minute)
	s.Require().NoError(s.store.CreateExclusive(ctx, later, request.SlotLimit()))

	arrived := newCommitment(s, s.seedDonor(), request.ID)
	arrived.Deadline = now.Add(-time.Hour)
	s.Require().NoError(s.store.CreateExclusive(ctx, arrived, request.SlotLimit()))
	s.Require().NoError(s.store.CASStatus(ctx, arrived.ID, models.CommitmentOnTheWay, models.CommitmentArrived, now))

	fresh := newCommitment(s, s.seedDonor(), request.ID)
	s.Require().NoError(s.store.CreateExclusive(ctx, fresh, request.SlotLimit()))

	overdue, err := s.store.ListOverdue(ctx, now, 100)
	s.Require().NoError(err)
	s.Require().Len(overdue, 2)
	s.Equal(late.ID, overdue[0].ID)
	s.Equal(later.ID, overdue[1].ID)
}

// TestNotFoundAndStateErrors verifies the sentinel taxonomy for missing rows
// and state mismatches.
func (s *PostgresStoreSuite) TestNotFoundAndStateErrors() {
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.store.FindByID(ctx, id.NewCommitmentID())
	s.ErrorIs(err, sentinel.ErrNotFound)

	err = s.store.CASStatus(ctx, id.NewCommitmentID(), models.CommitmentOnTheWay, models.CommitmentArrived, now)
	s.ErrorIs(err, sentinel.ErrNotFound)

	request := s.seedRequest(1)
	c := newCommitment(s, s.seedDonor(), request.ID)
	s.Require().NoError(s.store.CreateExclusive(ctx, c, request.SlotLimit()))
	s.Require().NoError(s.store.CASStatus(ctx, c.ID, models.CommitmentOnTheWay, models.CommitmentArrived, now))

	err = s.store.CASStatus(ctx, c.ID, models.CommitmentOnTheWay, models.CommitmentTimeout, now)
	s.ErrorIs(err, sentinel.ErrInvalidState)

	err = s.store.CreateExclusive(ctx, newCommitment(s, id.NewUserID(), id.NewRequestID()), 2)
	s.ErrorIs(err, sentinel.ErrNotFound, "unknown request should surface as not found")
}
