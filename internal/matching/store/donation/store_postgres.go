package donation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
	"kanver/pkg/platform/tx"
)

// PostgresStore persists donation records in PostgreSQL. A unique index on
// commitment_id makes completion idempotent at the storage layer.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

const selectDonation = `SELECT id, donor_id, hospital_id, request_id, commitment_id,
       token_id, kind, blood_type, verified_by, verified_at, reward_points, notes
FROM donations`

func (s *PostgresStore) Create(ctx context.Context, d *models.Donation) error {
	var requestID any
	if d.RequestID != nil {
		requestID = d.RequestID.String()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO donations
		   (id, donor_id, hospital_id, request_id, commitment_id, token_id,
		    kind, blood_type, verified_by, verified_at, reward_points, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID.String(), d.DonorID.String(), d.HospitalID.String(), requestID,
		d.CommitmentID.String(), d.TokenID.String(), string(d.Kind),
		d.BloodType.String(), d.VerifiedBy.String(), d.VerifiedAt,
		d.RewardPoints, d.Notes,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert donation: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByCommitment(ctx context.Context, commitmentID id.CommitmentID) (*models.Donation, error) {
	r := s.q(ctx).QueryRowContext(ctx,
		selectDonation+` WHERE commitment_id = $1`, commitmentID.String(),
	)
	d, err := scanDonation(r)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find donation by commitment: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListByDonor(ctx context.Context, donorID id.UserID) ([]*models.Donation, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		selectDonation+` WHERE donor_id = $1 ORDER BY verified_at DESC`,
		donorID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list donations: %w", err)
	}
	defer rows.Close()

	var out []*models.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan donation: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate donations: %w", err)
	}
	return out, nil
}

type row interface {
	Scan(dest ...any) error
}

func scanDonation(r row) (*models.Donation, error) {
	var (
		d           models.Donation
		rawID       string
		rawDonor    string
		rawHospital string
		rawRequest  sql.NullString
		rawCommit   string
		rawToken    string
		rawVerifier string
	)
	err := r.Scan(&rawID, &rawDonor, &rawHospital, &rawRequest, &rawCommit,
		&rawToken, &d.Kind, &d.BloodType, &rawVerifier, &d.VerifiedAt,
		&d.RewardPoints, &d.Notes)
	if err != nil {
		return nil, err
	}

	donationID, err := id.ParseDonationID(rawID)
	if err != nil {
		return nil, err
	}
	d.ID = donationID

	donorID, err := id.ParseUserID(rawDonor)
	if err != nil {
		return nil, err
	}
	d.DonorID = donorID

	hospitalID, err := id.ParseHospitalID(rawHospital)
	if err != nil {
		return nil, err
	}
	d.HospitalID = hospitalID

	if rawRequest.Valid {
		requestID, err := id.ParseRequestID(rawRequest.String)
		if err != nil {
			return nil, err
		}
		d.RequestID = &requestID
	}

	commitmentID, err := id.ParseCommitmentID(rawCommit)
	if err != nil {
		return nil, err
	}
	d.CommitmentID = commitmentID

	tokenID, err := id.ParseTokenID(rawToken)
	if err != nil {
		return nil, err
	}
	d.TokenID = tokenID

	verifier, err := id.ParseUserID(rawVerifier)
	if err != nil {
		return nil, err
	}
	d.VerifiedBy = verifier

	return &d, nil
}
