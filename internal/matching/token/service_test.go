package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	tokenstore "kanver/internal/matching/store/token"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

const testTTL = 15 * time.Minute

type ServiceSuite struct {
	suite.Suite
	store   *tokenstore.InMemory
	service *Service
	ctx     context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = tokenstore.NewInMemory()
	svc, err := NewService(s.store, []byte("test-secret"), testTTL)
	s.Require().NoError(err)
	s.service = svc
	s.ctx = context.Background()
}

func (s *ServiceSuite) TestIssue() {
	s.Run("mints a signed unconsumed token", func() {
		commitment := id.NewCommitmentID()
		t, err := s.service.Issue(s.ctx, commitment)
		s.Require().NoError(err)

		s.NotEmpty(t.Value)
		s.NotEmpty(t.Signature)
		s.False(t.Used)
		s.Equal(commitment, t.CommitmentID)
		s.WithinDuration(time.Now().Add(testTTL), t.ExpiresAt, time.Second)
	})

	s.Run("values are unique across issues", func() {
		a, err := s.service.Issue(s.ctx, id.NewCommitmentID())
		s.Require().NoError(err)
		b, err := s.service.Issue(s.ctx, id.NewCommitmentID())
		s.Require().NoError(err)
		s.NotEqual(a.Value, b.Value)
	})

	s.Run("second issue for same commitment rejected", func() {
		commitment := id.NewCommitmentID()
		_, err := s.service.Issue(s.ctx, commitment)
		s.Require().NoError(err)

		_, err = s.service.Issue(s.ctx, commitment)
		s.ErrorIs(err, sentinel.ErrConflict)
	})
}

func (s *ServiceSuite) TestVerify() {
	s.Run("valid token consumed once", func() {
		t, err := s.service.Issue(s.ctx, id.NewCommitmentID())
		s.Require().NoError(err)

		verifier := id.NewUserID()
		consumed, err := s.service.Verify(s.ctx, t.Value, verifier)
		s.Require().NoError(err)
		s.True(consumed.Used)
		s.Require().NotNil(consumed.VerifiedBy)
		s.Equal(verifier, *consumed.VerifiedBy)
	})

	s.Run("second verification rejected", func() {
		t, err := s.service.Issue(s.ctx, id.NewCommitmentID())
		s.Require().NoError(err)

		_, err = s.service.Verify(s.ctx, t.Value, id.NewUserID())
		s.Require().NoError(err)

		_, err = s.service.Verify(s.ctx, t.Value, id.NewUserID())
		s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("unknown value", func() {
		_, err := s.service.Verify(s.ctx, "no-such-token", id.NewUserID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("expired token rejected and not consumed", func() {
		svc, err := NewService(s.store, []byte("test-secret"), testTTL)
		s.Require().NoError(err)
		svc.now = func() time.Time { return time.Now().Add(-time.Hour) }

		t, err := svc.Issue(s.ctx, id.NewCommitmentID())
		s.Require().NoError(err)

		// Verify with real time: the token expired 45 minutes ago.
		_, err = s.service.Verify(s.ctx, t.Value, id.NewUserID())
		s.ErrorIs(err, sentinel.ErrExpired)

		stored, err := s.store.FindByValue(s.ctx, t.Value)
		s.Require().NoError(err)
		s.False(stored.Used)
	})

	s.Run("token signed with another secret rejected", func() {
		other, err := NewService(s.store, []byte("rotated-secret"), testTTL)
		s.Require().NoError(err)

		t, err := other.Issue(s.ctx, id.NewCommitmentID())
		s.Require().NoError(err)

		_, err = s.service.Verify(s.ctx, t.Value, id.NewUserID())
		s.ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("exactly one concurrent verifier succeeds", func() {
		t, err := s.service.Issue(s.ctx, id.NewCommitmentID())
		s.Require().NoError(err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for range 10 {
			wg.Go(func() {
				if _, err := s.service.Verify(s.ctx, t.Value, id.NewUserID()); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			})
		}
		wg.Wait()
		s.Equal(1, wins)
	})
}
