// Package donor persists the matching-relevant slice of a user: blood type,
// trust score, cooldown, and donation counters. Soft-deleted donors are
// invisible to every lookup; callers never see a deleted_at check.
package donor

import (
	"context"
	"sync"
	"time"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

// InMemory keeps donor profiles in a mutex-guarded map.
type InMemory struct {
	mu     sync.RWMutex
	donors map[id.UserID]*models.DonorProfile
}

func NewInMemory() *InMemory {
	return &InMemory{donors: make(map[id.UserID]*models.DonorProfile)}
}

func (s *InMemory) Create(ctx context.Context, d *models.DonorProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.donors[d.ID]; exists {
		return sentinel.ErrConflict
	}
	clone := *d
	s.donors[d.ID] = &clone
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, donorID id.UserID) (*models.DonorProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.donors[donorID]
	if !ok || d.DeletedAt != nil {
		return nil, sentinel.ErrNotFound
	}
	clone := *d
	return &clone, nil
}

// ApplyNoShowPenalty atomically decrements the trust score, clamped to the
// valid range, and increments the no-show counter, returning the new score.
func (s *InMemory) ApplyNoShowPenalty(ctx context.Context, donorID id.UserID, penalty int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.donors[donorID]
	if !ok || d.DeletedAt != nil {
		return 0, sentinel.ErrNotFound
	}
	d.TrustScore -= penalty
	if d.TrustScore < models.TrustScoreMin {
		d.TrustScore = models.TrustScoreMin
	}
	if d.TrustScore > models.TrustScoreMax {
		d.TrustScore = models.TrustScoreMax
	}
	d.NoShowCount++
	return d.TrustScore, nil
}

// RecordDonation awards reward points, bumps the donation counter, and
// starts the cooldown by setting the next-available date.
func (s *InMemory) RecordDonation(ctx context.Context, donorID id.UserID, points int, nextAvailable time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.donors[donorID]
	if !ok || d.DeletedAt != nil {
		return sentinel.ErrNotFound
	}
	d.RewardPoints += points
	d.TotalDonations++
	next := nextAvailable
	d.NextAvailableAt = &next
	return nil
}
