// Package token issues and verifies single-use donation verification
// tokens. A token is an opaque random value plus an HMAC-SHA256 signature
// binding it to its commitment and expiry, so a forged or reassigned
// token fails verification without a database lookup of the signer.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

const valueBytes = 32

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, t *models.VerificationToken) error
	FindByValue(ctx context.Context, value string) (*models.VerificationToken, error)
	FindByCommitment(ctx context.Context, commitmentID id.CommitmentID) (*models.VerificationToken, error)
	ConsumeIfUnused(ctx context.Context, value string, verifier id.UserID, at time.Time) (*models.VerificationToken, error)
}

// Service mints and consumes verification tokens.
type Service struct {
	store  Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(store Store, secret []byte, ttl time.Duration) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	return &Service{store: store, secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue mints a token for an ARRIVED commitment. At most one unconsumed
// token exists per commitment; a second issue surfaces the store conflict.
func (s *Service) Issue(ctx context.Context, commitmentID id.CommitmentID) (*models.VerificationToken, error) {
	raw := make([]byte, valueBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token value: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now()
	expiresAt := now.Add(s.ttl)
	t := &models.VerificationToken{
		ID:           id.NewTokenID(),
		CommitmentID: commitmentID,
		Value:        value,
		Signature:    s.sign(value, commitmentID, expiresAt),
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Verify checks the signature and expiry, then consumes the token
// atomically. On success the returned token carries the verifier and
// consumption time. Signature and expiry are checked before consumption so
// a rejected attempt does not burn the token.
func (s *Service) Verify(ctx context.Context, value string, verifier id.UserID) (*models.VerificationToken, error) {
	t, err := s.store.FindByValue(ctx, value)
	if err != nil {
		return nil, err
	}

	want := s.sign(t.Value, t.CommitmentID, t.ExpiresAt)
	if !hmac.Equal([]byte(want), []byte(t.Signature)) {
		return nil, fmt.Errorf("token signature mismatch: %w", sentinel.ErrInvalidState)
	}

	now := s.now()
	if now.After(t.ExpiresAt) {
		return nil, fmt.Errorf("token expired at %s: %w", t.ExpiresAt.Format(time.RFC3339), sentinel.ErrExpired)
	}

	consumed, err := s.store.ConsumeIfUnused(ctx, value, verifier, now)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			// The token existed moments ago; treat the vanishing row as a
			// lost race rather than an unknown token.
			return nil, sentinel.ErrAlreadyUsed
		}
		return nil, err
	}
	return consumed, nil
}

func (s *Service) sign(value string, commitmentID id.CommitmentID, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	mac.Write([]byte{'|'})
	mac.Write([]byte(commitmentID.String()))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(expiresAt.Unix(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
