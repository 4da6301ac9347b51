// Package request persists blood requests. Status is monotone; the store
// refuses transitions out of terminal states.
package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

// InMemory keeps blood requests in a mutex-guarded map.
type InMemory struct {
	mu       sync.RWMutex
	requests map[id.RequestID]*models.BloodRequest
}

func NewInMemory() *InMemory {
	return &InMemory{requests: make(map[id.RequestID]*models.BloodRequest)}
}

func (s *InMemory) Create(ctx context.Context, r *models.BloodRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[r.ID]; exists {
		return sentinel.ErrConflict
	}
	clone := *r
	s.requests[r.ID] = &clone
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, requestID id.RequestID) (*models.BloodRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *r
	return &clone, nil
}

// CASStatus transitions a request from exactly the given status.
func (s *InMemory) CASStatus(ctx context.Context, requestID id.RequestID, from, to models.RequestStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if r.Status != from {
		return fmt.Errorf("request is %s, expected %s: %w", r.Status, from, sentinel.ErrInvalidState)
	}
	r.Status = to
	r.UpdatedAt = at
	return nil
}

// IncrementCollected adds one collected unit if the request is ACTIVE and
// below units_needed, flipping the status to FULFILLED when the target is
// reached. Returns applied=false when the request can no longer absorb a
// unit, which the caller records as a standby donation.
func (s *InMemory) IncrementCollected(ctx context.Context, requestID id.RequestID, at time.Time) (applied bool, fulfilled bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return false, false, sentinel.ErrNotFound
	}
	if r.Status != models.RequestActive || r.UnitsCollected >= r.UnitsNeeded {
		return false, false, nil
	}
	r.UnitsCollected++
	r.UpdatedAt = at
	if r.UnitsCollected >= r.UnitsNeeded {
		r.Status = models.RequestFulfilled
		return true, true, nil
	}
	return true, false, nil
}

// ExpireOverdue flips ACTIVE requests whose expiry elapsed before now to
// EXPIRED and returns the affected requests.
func (s *InMemory) ExpireOverdue(ctx context.Context, now time.Time) ([]*models.BloodRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*models.BloodRequest
	for _, r := range s.requests {
		if r.Status == models.RequestActive && r.Overdue(now) {
			r.Status = models.RequestExpired
			r.UpdatedAt = now
			clone := *r
			expired = append(expired, &clone)
		}
	}
	return expired, nil
}
