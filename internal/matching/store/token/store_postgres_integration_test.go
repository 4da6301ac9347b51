//go:build integration

package token_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kanver/internal/bloodtype"
	"kanver/internal/matching/models"
	commitmentstore "kanver/internal/matching/store/commitment"
	donorstore "kanver/internal/matching/store/donor"
	hospitalstore "kanver/internal/matching/store/hospital"
	requeststore "kanver/internal/matching/store/request"
	"kanver/internal/matching/store/token"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
	"kanver/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres    *containers.PostgresContainer
	store       *token.PostgresStore
	donors      *donorstore.PostgresStore
	hospitals   *hospitalstore.PostgresStore
	requests    *requeststore.PostgresStore
	commitments *commitmentstore.PostgresStore
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
	s.store = token.NewPostgres(s.postgres.DB)
	s.donors = donorstore.NewPostgres(s.postgres.DB)
	s.hospitals = hospitalstore.NewPostgres(s.postgres.DB)
	s.requests = requeststore.NewPostgres(s.postgres.DB)
	s.commitments = commitmentstore.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	// Truncate in dependency order
	err := s.postgres.TruncateTables(ctx,
		"donations", "verification_tokens", "donation_commitments",
		"blood_requests", "donors", "hospitals")
	s.Require().NoError(err)
}

// seedCommitment builds the full referential chain down to an ARRIVED
// commitment a token can bind to.
func (s *PostgresStoreSuite) seedCommitment() id.CommitmentID {
	ctx := context.Background()
	now := time.Now().UTC()

	h := &models.Hospital{
		ID:       id.NewHospitalID(),
		Code:     "IZM-" + id.NewHospitalID().String()[:8],
		Name:     "Test Hospital",
		Location: models.Point{Lat: 38.4237, Lon: 27.1428},
		Active:   true,
	}
	s.Require().NoError(s.hospitals.Create(ctx, h))

	d := &models.DonorProfile{
		ID:         id.NewUserID(),
		FullName:   "Mehmet Kaya",
		BloodType:  bloodtype.OPositive,
		TrustScore: models.TrustScoreDefault,
	}
	s.Require().NoError(s.donors.Create(ctx, d))

	r, err := models.NewBloodRequest(
		id.NewUserID(), h.ID, bloodtype.APositive,
		models.KindWholeBlood, models.PriorityNormal, 1,
		h.Location, nil,
	)
	s.Require().NoError(err)
	s.Require().NoError(s.requests.Create(ctx, r))

	c, err := models.NewDonationCommitment(d.ID, r.ID, now, time.Hour)
	s.Require().NoError(err)
	s.Require().NoError(s.commitments.CreateExclusive(ctx, c, r.SlotLimit()))
	s.Require().NoError(s.commitments.CASStatus(ctx, c.ID, models.CommitmentOnTheWay, models.CommitmentArrived, now))
	return c.ID
}

func (s *PostgresStoreSuite) newToken(commitmentID id.CommitmentID) *models.VerificationToken {
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	s.Require().NoError(err)

	now := time.Now().UTC()
	return &models.VerificationToken{
		ID:           id.NewTokenID(),
		CommitmentID: commitmentID,
		Value:        base64.RawURLEncoding.EncodeToString(buf),
		Signature:    "sig",
		ExpiresAt:    now.Add(15 * time.Minute),
		CreatedAt:    now,
	}
}

// TestOneLiveTokenPerCommitment verifies the partial unique index rejects a
// second unconsumed token for the same commitment.
func (s *PostgresStoreSuite) TestOneLiveTokenPerCommitment() {
	ctx := context.Background()
	commitmentID := s.seedCommitment()

	first := s.newToken(commitmentID)
	s.Require().NoError(s.store.Create(ctx, first))

	err := s.store.Create(ctx, s.newToken(commitmentID))
	s.ErrorIs(err, sentinel.ErrConflict)

	found, err := s.store.FindByCommitment(ctx, commitmentID)
	s.Require().NoError(err)
	s.Equal(first.Value, found.Value)
}

// TestConcurrentConsume verifies a token under concurrent verification is
// consumed exactly once.
func (s *PostgresStoreSuite) TestConcurrentConsume() {
	ctx := context.Background()
	t := s.newToken(s.seedCommitment())
	s.Require().NoError(s.store.Create(ctx, t))

	const goroutines = 20
	var wg sync.WaitGroup
	var consumed, replayed atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := s.store.ConsumeIfUnused(ctx, t.Value, id.NewUserID(), time.Now().UTC())
			if err == nil {
				consumed.Add(1)
			} else if errors.Is(err, sentinel.ErrAlreadyUsed) {
				replayed.Add(1)
			}
		}()
	}

	wg.Wait()

	s.Equal(int32(1), consumed.Load(), "exactly one consume should win")
	s.Equal(int32(goroutines-1), replayed.Load())

	found, err := s.store.FindByValue(ctx, t.Value)
	s.Require().NoError(err)
	s.True(found.Used)
	s.NotNil(found.UsedAt)
	s.NotNil(found.VerifiedBy)
}

// TestConsumeRecordsVerifier verifies the winning nurse identity is stored.
func (s *PostgresStoreSuite) TestConsumeRecordsVerifier() {
	ctx := context.Background()
	t := s.newToken(s.seedCommitment())
	s.Require().NoError(s.store.Create(ctx, t))

	nurse := id.NewUserID()
	at := time.Now().UTC().Truncate(time.Microsecond)

	consumed, err := s.store.ConsumeIfUnused(ctx, t.Value, nurse, at)
	s.Require().NoError(err)
	s.True(consumed.Used)
	s.Require().NotNil(consumed.VerifiedBy)
	s.Equal(nurse, *consumed.VerifiedBy)
	s.Require().NotNil(consumed.UsedAt)
	s.WithinDuration(at, *consumed.UsedAt, time.Millisecond)
}

// TestReissueAfterConsumption verifies the live-token index admits a new
// token once the previous one is consumed.
func (s *PostgresStoreSuite) TestReissueAfterConsumption() {
	ctx := context.Background()
	commitmentID := s.seedCommitment()

	first := s.newToken(commitmentID)
	s.Require().NoError(s.store.Create(ctx, first))
	_, err := s.store.ConsumeIfUnused(ctx, first.Value, id.NewUserID(), time.Now().UTC())
	s.Require().NoError(err)

	second := s.newToken(commitmentID)
	s.Require().NoError(s.store.Create(ctx, second))
}

func (s *PostgresStoreSuite) TestUnknownValue() {
	ctx := context.Background()

	_, err := s.store.FindByValue(ctx, "no-such-token")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.ConsumeIfUnused(ctx, "no-such-token", id.NewUserID(), time.Now().UTC())
	s.ErrorIs(err, sentinel.ErrNotFound)
}
