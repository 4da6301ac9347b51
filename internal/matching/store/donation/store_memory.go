// Package donation persists completed donation records. One record per
// commitment; the lookup by commitment backs verification idempotency.
package donation

import (
	"context"
	"sync"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

// InMemory keeps donation records in a mutex-guarded map.
type InMemory struct {
	mu        sync.RWMutex
	donations map[id.DonationID]*models.Donation
}

func NewInMemory() *InMemory {
	return &InMemory{donations: make(map[id.DonationID]*models.Donation)}
}

func (s *InMemory) Create(ctx context.Context, d *models.Donation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.donations {
		if existing.CommitmentID == d.CommitmentID {
			return sentinel.ErrConflict
		}
	}
	clone := *d
	s.donations[d.ID] = &clone
	return nil
}

func (s *InMemory) FindByCommitment(ctx context.Context, commitmentID id.CommitmentID) (*models.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.donations {
		if d.CommitmentID == commitmentID {
			clone := *d
			return &clone, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) ListByDonor(ctx context.Context, donorID id.UserID) ([]*models.Donation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Donation
	for _, d := range s.donations {
		if d.DonorID == donorID {
			clone := *d
			out = append(out, &clone)
		}
	}
	return out, nil
}
