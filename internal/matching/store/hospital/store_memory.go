// Package hospital persists donation sites and their geofence settings.
package hospital

import (
	"context"
	"sync"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

// InMemory keeps hospitals in a mutex-guarded map.
type InMemory struct {
	mu        sync.RWMutex
	hospitals map[id.HospitalID]*models.Hospital
}

func NewInMemory() *InMemory {
	return &InMemory{hospitals: make(map[id.HospitalID]*models.Hospital)}
}

func (s *InMemory) Create(ctx context.Context, h *models.Hospital) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.hospitals[h.ID]; exists {
		return sentinel.ErrConflict
	}
	clone := *h
	s.hospitals[h.ID] = &clone
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, hospitalID id.HospitalID) (*models.Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hospitals[hospitalID]
	if !ok || !h.Active {
		return nil, sentinel.ErrNotFound
	}
	clone := *h
	return &clone, nil
}

func (s *InMemory) ListActive(ctx context.Context) ([]*models.Hospital, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hospitals []*models.Hospital
	for _, h := range s.hospitals {
		if !h.Active {
			continue
		}
		clone := *h
		hospitals = append(hospitals, &clone)
	}
	return hospitals, nil
}
