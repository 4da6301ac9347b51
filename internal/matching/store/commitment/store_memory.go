// Package commitment persists donation commitments and enforces the two
// write-side invariants: one active commitment per donor, and at most
// units_needed+1 non-terminal commitments per request.
package commitment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

// Store-level facts the service translates into domain errors. Both unwrap
// to sentinel.ErrConflict.
var (
	ErrActiveCommitment = fmt.Errorf("donor already has an active commitment: %w", sentinel.ErrConflict)
	ErrSlotLimit        = fmt.Errorf("request slot limit reached: %w", sentinel.ErrConflict)
)

// InMemory keeps commitments in a mutex-guarded map. It favors clarity over
// performance and backs unit tests and single-node development.
type InMemory struct {
	mu          sync.RWMutex
	commitments map[id.CommitmentID]*models.DonationCommitment
}

func NewInMemory() *InMemory {
	return &InMemory{commitments: make(map[id.CommitmentID]*models.DonationCommitment)}
}

// CreateExclusive inserts a new ON_THE_WAY commitment after verifying, under
// the store lock, that the donor has no active commitment and the request has
// a free slot. The check and the insert are one critical section; two
// concurrent commits cannot both observe "slot available".
func (s *InMemory) CreateExclusive(ctx context.Context, c *models.DonationCommitment, slotLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, existing := range s.commitments {
		if !existing.Status.IsActive() {
			continue
		}
		if existing.DonorID == c.DonorID {
			return ErrActiveCommitment
		}
		if existing.RequestID == c.RequestID {
			active++
		}
	}
	if active >= slotLimit {
		return ErrSlotLimit
	}

	clone := *c
	s.commitments[c.ID] = &clone
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, commitmentID id.CommitmentID) (*models.DonationCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commitments[commitmentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

// FindActiveByDonor returns the donor's single active commitment, or
// ErrNotFound when the donor is free.
func (s *InMemory) FindActiveByDonor(ctx context.Context, donorID id.UserID) (*models.DonationCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.commitments {
		if c.DonorID == donorID && c.Status.IsActive() {
			clone := *c
			return &clone, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) CountActiveForRequest(ctx context.Context, requestID id.RequestID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, c := range s.commitments {
		if c.RequestID == requestID && c.Status.IsActive() {
			count++
		}
	}
	return count, nil
}

// CASStatus transitions a commitment from exactly the given status to the
// new one. Returns ErrInvalidState when the persisted status differs, so a
// losing racer fails cleanly instead of clobbering the winner.
func (s *InMemory) CASStatus(ctx context.Context, commitmentID id.CommitmentID, from, to models.CommitmentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casLocked(commitmentID, from, to, at, "")
}

// Cancel is CASStatus to CANCELLED with the donor's reason recorded.
func (s *InMemory) Cancel(ctx context.Context, commitmentID id.CommitmentID, from models.CommitmentStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.casLocked(commitmentID, from, models.CommitmentCancelled, at, reason)
}

func (s *InMemory) casLocked(commitmentID id.CommitmentID, from, to models.CommitmentStatus, at time.Time, reason string) error {
	c, ok := s.commitments[commitmentID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if c.Status != from {
		return fmt.Errorf("commitment is %s, expected %s: %w", c.Status, from, sentinel.ErrInvalidState)
	}
	c.Status = to
	c.UpdatedAt = at
	if to == models.CommitmentArrived {
		arrived := at
		c.ArrivedAt = &arrived
	}
	if reason != "" {
		c.CancelReason = reason
	}
	return nil
}

// ListOverdue returns ON_THE_WAY commitments whose deadline elapsed before
// now, oldest first.
func (s *InMemory) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.DonationCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var overdue []*models.DonationCommitment
	for _, c := range s.commitments {
		if c.Status == models.CommitmentOnTheWay && c.Overdue(now) {
			clone := *c
			overdue = append(overdue, &clone)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].Deadline.Before(overdue[j].Deadline) })
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}
	return overdue, nil
}
