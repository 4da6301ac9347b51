package donor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
	"kanver/pkg/platform/tx"
)

// PostgresStore persists donor profiles in PostgreSQL.
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

func (s *PostgresStore) Create(ctx context.Context, d *models.DonorProfile) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO donors
		   (id, full_name, blood_type, trust_score, reward_points,
		    total_donations, no_show_count, next_available_at, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID.String(), d.FullName, d.BloodType.String(), d.TrustScore,
		d.RewardPoints, d.TotalDonations, d.NoShowCount, d.NextAvailableAt, d.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert donor: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, donorID id.UserID) (*models.DonorProfile, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, full_name, blood_type, trust_score, reward_points,
		        total_donations, no_show_count, next_available_at
		 FROM donors WHERE id = $1 AND deleted_at IS NULL`,
		donorID.String(),
	)

	var (
		d             models.DonorProfile
		rawID         string
		nextAvailable sql.NullTime
	)
	err := row.Scan(&rawID, &d.FullName, &d.BloodType, &d.TrustScore,
		&d.RewardPoints, &d.TotalDonations, &d.NoShowCount, &nextAvailable)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find donor: %w", err)
	}

	parsed, err := id.ParseUserID(rawID)
	if err != nil {
		return nil, err
	}
	d.ID = parsed
	if nextAvailable.Valid {
		d.NextAvailableAt = &nextAvailable.Time
	}
	return &d, nil
}

// ApplyNoShowPenalty decrements trust and bumps the no-show counter in one
// atomic UPDATE, clamped to the valid trust score range.
func (s *PostgresStore) ApplyNoShowPenalty(ctx context.Context, donorID id.UserID, penalty int) (int, error) {
	var score int
	err := s.q(ctx).QueryRowContext(ctx,
		`UPDATE donors
		 SET trust_score = LEAST($4, GREATEST($3, trust_score - $2)),
		     no_show_count = no_show_count + 1
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING trust_score`,
		donorID.String(), penalty, models.TrustScoreMin, models.TrustScoreMax,
	).Scan(&score)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sentinel.ErrNotFound
		}
		return 0, fmt.Errorf("apply no-show penalty: %w", err)
	}
	return score, nil
}

func (s *PostgresStore) RecordDonation(ctx context.Context, donorID id.UserID, points int, nextAvailable time.Time) error {
	result, err := s.q(ctx).ExecContext(ctx,
		`UPDATE donors
		 SET reward_points = reward_points + $2,
		     total_donations = total_donations + 1,
		     next_available_at = $3
		 WHERE id = $1 AND deleted_at IS NULL`,
		donorID.String(), points, nextAvailable,
	)
	if err != nil {
		return fmt.Errorf("record donation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record donation rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
