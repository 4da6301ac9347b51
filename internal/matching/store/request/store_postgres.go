package request

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

// PostgresStore persists blood requests in PostgreSQL. This store is pure
// I/O; slot accounting lives in the commitment store, and business rules in
// the service.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, r *models.BloodRequest) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO blood_requests
		   (id, code, requester_id, hospital_id, blood_type, kind, priority,
		    units_needed, units_collected, status, lat, lon, patient_name,
		    notes, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID.String(), r.Code, r.RequesterID.String(), r.HospitalID.String(),
		r.BloodType.String(), string(r.Kind), string(r.Priority),
		r.UnitsNeeded, r.UnitsCollected, string(r.Status),
		r.Location.Lat, r.Location.Lon,
		nullable(r.PatientName), nullable(r.Notes), r.ExpiresAt,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert blood request: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, requestID id.RequestID) (*models.BloodRequest, error) {
	row := s.q(ctx).QueryRowContext(ctx, selectRequest+` WHERE id = $1`, requestID.String())
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find blood request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) CASStatus(ctx context.Context, requestID id.RequestID, from, to models.RequestStatus, at time.Time) error {
	q := s.q(ctx)
	result, err := q.ExecContext(ctx,
		`UPDATE blood_requests SET status = $3, updated_at = $4
		 WHERE id = $1 AND status = $2`,
		requestID.String(), string(from), string(to), at,
	)
	if err != nil {
		return fmt.Errorf("cas request status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas request rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current string
	err = q.QueryRowContext(ctx, `SELECT status FROM blood_requests WHERE id = $1`, requestID.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read request status: %w", err)
	}
	return fmt.Errorf("request is %s, expected %s: %w", current, from, sentinel.ErrInvalidState)
}

// IncrementCollected adds one unit atomically, capped at units_needed, and
// flips the request to FULFILLED on reaching the target. The single guarded
// UPDATE makes units_collected monotone under concurrent verifications.
func (s *PostgresStore) IncrementCollected(ctx context.Context, requestID id.RequestID, at time.Time) (applied bool, fulfilled bool, err error) {
	var status string
	err = s.q(ctx).QueryRowContext(ctx,
		`UPDATE blood_requests
		 SET units_collected = units_collected + 1,
		     status = CASE WHEN units_collected + 1 >= units_needed THEN 'FULFILLED' ELSE status END,
		     updated_at = $2
		 WHERE id = $1 AND status = 'ACTIVE' AND units_collected < units_needed
		 RETURNING status`,
		requestID.String(), at,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Request missing, terminal, or already full; caller decides.
			var exists bool
			if probeErr := s.q(ctx).QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM blood_requests WHERE id = $1)`, requestID.String(),
			).Scan(&exists); probeErr != nil {
				return false, false, fmt.Errorf("probe blood request: %w", probeErr)
			}
			if !exists {
				return false, false, sentinel.ErrNotFound
			}
			return false, false, nil
		}
		return false, false, fmt.Errorf("increment collected: %w", err)
	}
	return true, status == string(models.RequestFulfilled), nil
}

func (s *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) ([]*models.BloodRequest, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`UPDATE blood_requests SET status = 'EXPIRED', updated_at = $1
		 WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at < $1
		 RETURNING `+requestColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("expire overdue requests: %w", err)
	}
	defer rows.Close()

	var expired []*models.BloodRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired request: %w", err)
		}
		expired = append(expired, r)
	}
	return expired, rows.Err()
}

const requestColumns = `id, code, requester_id, hospital_id, blood_type, kind, priority,
	       units_needed, units_collected, status, lat, lon, patient_name,
	       notes, expires_at, created_at, updated_at`

const selectRequest = `SELECT ` + requestColumns + ` FROM blood_requests`

type requestRow interface {
	Scan(dest ...any) error
}

func scanRequest(row requestRow) (*models.BloodRequest, error) {
	var (
		r            models.BloodRequest
		rawID        string
		rawRequester string
		rawHospital  string
		patientName  sql.NullString
		notes        sql.NullString
		expiresAt    sql.NullTime
	)
	if err := row.Scan(&rawID, &r.Code, &rawRequester, &rawHospital,
		&r.BloodType, &r.Kind, &r.Priority,
		&r.UnitsNeeded, &r.UnitsCollected, &r.Status,
		&r.Location.Lat, &r.Location.Lon,
		&patientName, &notes, &expiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}

	requestID, err := id.ParseRequestID(rawID)
	if err != nil {
		return nil, err
	}
	requesterID, err := id.ParseUserID(rawRequester)
	if err != nil {
		return nil, err
	}
	hospitalID, err := id.ParseHospitalID(rawHospital)
	if err != nil {
		return nil, err
	}

	r.ID = requestID
	r.RequesterID = requesterID
	r.HospitalID = hospitalID
	if patientName.Valid {
		r.PatientName = patientName.String
	}
	if notes.Valid {
		r.Notes = notes.String
	}
	if expiresAt.Valid {
		r.ExpiresAt = &expiresAt.Time
	}
	return &r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
