// Package token persists verification tokens. Consumption is a single
// atomic check-and-set; a read followed by a separate write would admit
// double-spend under concurrent verification attempts.
package token

import (
	"context"
	"sync"
	"time"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

// InMemory keeps tokens in a mutex-guarded map keyed by opaque value.
type InMemory struct {
	mu     sync.RWMutex
	tokens map[string]*models.VerificationToken
}

func NewInMemory() *InMemory {
	return &InMemory{tokens: make(map[string]*models.VerificationToken)}
}

// Create inserts a token, refusing while the commitment already has an
// unconsumed token. A consumed token can never be reissued for the same
// commitment.
func (s *InMemory) Create(ctx context.Context, t *models.VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tokens {
		if existing.CommitmentID != t.CommitmentID {
			continue
		}
		if existing.Used {
			return sentinel.ErrAlreadyUsed
		}
		return sentinel.ErrConflict
	}
	clone := *t
	s.tokens[t.Value] = &clone
	return nil
}

func (s *InMemory) FindByValue(ctx context.Context, value string) (*models.VerificationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *InMemory) FindByCommitment(ctx context.Context, commitmentID id.CommitmentID) (*models.VerificationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tokens {
		if t.CommitmentID == commitmentID {
			clone := *t
			return &clone, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// ConsumeIfUnused marks the token used and records the verifier, atomically.
// Exactly one caller ever succeeds; the rest observe ErrAlreadyUsed.
func (s *InMemory) ConsumeIfUnused(ctx context.Context, value string, verifier id.UserID, at time.Time) (*models.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if t.Used {
		return nil, sentinel.ErrAlreadyUsed
	}
	t.Used = true
	used := at
	t.UsedAt = &used
	v := verifier
	t.VerifiedBy = &v

	clone := *t
	return &clone, nil
}
