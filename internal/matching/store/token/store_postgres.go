package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
	"kanver/pkg/platform/tx"
)

// PostgresStore persists verification tokens in PostgreSQL. A partial
// unique index on commitment_id WHERE NOT used enforces at most one live
// token per commitment; consumption is a guarded UPDATE so concurrent
// verifiers cannot both succeed.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

const selectToken = `SELECT id, commitment_id, value, signature, expires_at,
       used, used_at, verified_by, created_at
FROM verification_tokens`

func (s *PostgresStore) Create(ctx context.Context, t *models.VerificationToken) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO verification_tokens
		   (id, commitment_id, value, signature, expires_at, used, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		t.ID.String(), t.CommitmentID.String(), t.Value, t.Signature,
		t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByValue(ctx context.Context, value string) (*models.VerificationToken, error) {
	row := s.q(ctx).QueryRowContext(ctx, selectToken+` WHERE value = $1`, value)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find token: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) FindByCommitment(ctx context.Context, commitmentID id.CommitmentID) (*models.VerificationToken, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		selectToken+` WHERE commitment_id = $1 ORDER BY created_at DESC LIMIT 1`,
		commitmentID.String(),
	)
	t, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find token by commitment: %w", err)
	}
	return t, nil
}

// ConsumeIfUnused flips used in a single guarded UPDATE and returns the
// consumed token. Zero rows means either the token does not exist or it
// was already spent; a follow-up probe disambiguates.
func (s *PostgresStore) ConsumeIfUnused(ctx context.Context, value string, verifier id.UserID, at time.Time) (*models.VerificationToken, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`UPDATE verification_tokens
		 SET used = TRUE, used_at = $2, verified_by = $3
		 WHERE value = $1 AND NOT used
		 RETURNING id, commitment_id, value, signature, expires_at,
		           used, used_at, verified_by, created_at`,
		value, at, verifier.String(),
	)
	t, err := scanToken(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consume token: %w", err)
	}

	var exists bool
	probeErr := s.q(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM verification_tokens WHERE value = $1)`, value,
	).Scan(&exists)
	if probeErr != nil {
		return nil, fmt.Errorf("probe token: %w", probeErr)
	}
	if exists {
		return nil, sentinel.ErrAlreadyUsed
	}
	return nil, sentinel.ErrNotFound
}

type row interface {
	Scan(dest ...any) error
}

func scanToken(r row) (*models.VerificationToken, error) {
	var (
		t            models.VerificationToken
		rawID        string
		rawCommit    string
		usedAt       sql.NullTime
		rawVerifiedB sql.NullString
	)
	err := r.Scan(&rawID, &rawCommit, &t.Value, &t.Signature, &t.ExpiresAt,
		&t.Used, &usedAt, &rawVerifiedB, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	tokenID, err := id.ParseTokenID(rawID)
	if err != nil {
		return nil, err
	}
	t.ID = tokenID

	commitmentID, err := id.ParseCommitmentID(rawCommit)
	if err != nil {
		return nil, err
	}
	t.CommitmentID = commitmentID

	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	if rawVerifiedB.Valid {
		verifier, err := id.ParseUserID(rawVerifiedB.String)
		if err != nil {
			return nil, err
		}
		t.VerifiedBy = &verifier
	}
	return &t, nil
}
