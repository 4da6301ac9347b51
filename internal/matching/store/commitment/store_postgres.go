package commitment

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

// PostgresStore persists commitments in PostgreSQL. The single-active-
// commitment invariant is enforced by a partial unique index on
// (donor_id) WHERE status IN ('ON_THE_WAY','ARRIVED'); the slot bound is
// enforced under a row lock on the request. Checks are therefore
// constraint-backed, not check-then-act.
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

const uniqueViolation = "23505"

// CreateExclusive inserts an ON_THE_WAY commitment inside one transaction:
// the request row is locked, the active count checked against the slot
// limit, and the insert performed. A concurrent commit for the same donor is
// rejected by the partial unique index even if it raced past the count.
func (s *PostgresStore) CreateExclusive(ctx context.Context, c *models.DonationCommitment, slotLimit int) error {
	run := func(q querier) error {
		// Serialize slot accounting per request. Slot release (cancel/
		// timeout) updates rows in the same table, so acquisition and
		// release order through this lock.
		var requestID string
		err := q.QueryRowContext(ctx,
			`SELECT id FROM blood_requests WHERE id = $1 FOR UPDATE`,
			c.RequestID.String(),
		).Scan(&requestID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("request %s: %w", c.RequestID, sentinel.ErrNotFound)
			}
			return fmt.Errorf("lock request row: %w", err)
		}

		var active int
		err = q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM donation_commitments
			 WHERE request_id = $1 AND status IN ('ON_THE_WAY', 'ARRIVED')`,
			c.RequestID.String(),
		).Scan(&active)
		if err != nil {
			return fmt.Errorf("count active commitments: %w", err)
		}
		if active >= slotLimit {
			return ErrSlotLimit
		}

		_, err = q.ExecContext(ctx,
			`INSERT INTO donation_commitments
			   (id, donor_id, request_id, status, committed_at, deadline, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID.String(), c.DonorID.String(), c.RequestID.String(),
			string(c.Status), c.CommittedAt, c.Deadline, c.UpdatedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
				return ErrActiveCommitment
			}
			return fmt.Errorf("insert commitment: %w", err)
		}
		return nil
	}

	// Honour an ambient transaction; otherwise open our own.
	if sqlTx, ok := tx.From(ctx); ok {
		return run(sqlTx)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create commitment: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()
	if err := run(sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit create commitment: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, commitmentID id.CommitmentID) (*models.DonationCommitment, error) {
	row := s.q(ctx).QueryRowContext(ctx, selectCommitment+` WHERE id = $1`, commitmentID.String())
	c, err := scanCommitment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find commitment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) FindActiveByDonor(ctx context.Context, donorID id.UserID) (*models.DonationCommitment, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		selectCommitment+` WHERE donor_id = $1 AND status IN ('ON_THE_WAY', 'ARRIVED')`,
		donorID.String(),
	)
	c, err := scanCommitment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find active commitment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CountActiveForRequest(ctx context.Context, requestID id.RequestID) (int, error) {
	var count int
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM donation_commitments
		 WHERE request_id = $1 AND status IN ('ON_THE_WAY', 'ARRIVED')`,
		requestID.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active commitments: %w", err)
	}
	return count, nil
}

// CASStatus transitions a commitment with a compare-and-swap on the current
// status. Losing a race returns ErrInvalidState; the winner's state stands.
func (s *PostgresStore) CASStatus(ctx context.Context, commitmentID id.CommitmentID, from, to models.CommitmentStatus, at time.Time) error {
	return s.cas(ctx, commitmentID, from, to, at, nil)
}

func (s *PostgresStore) Cancel(ctx context.Context, commitmentID id.CommitmentID, from models.CommitmentStatus, reason string, at time.Time) error {
	return s.cas(ctx, commitmentID, from, models.CommitmentCancelled, at, &reason)
}

func (s *PostgresStore) cas(ctx context.Context, commitmentID id.CommitmentID, from, to models.CommitmentStatus, at time.Time, reason *string) error {
	q := s.q(ctx)
	result, err := q.ExecContext(ctx,
		`UPDATE donation_commitments
		 SET status = $3,
		     arrived_at = CASE WHEN $3 = 'ARRIVED' THEN $4 ELSE arrived_at END,
		     cancel_reason = COALESCE($5, cancel_reason),
		     updated_at = $4
		 WHERE id = $1 AND status = $2`,
		commitmentID.String(), string(from), string(to), at, reason,
	)
	if err != nil {
		return fmt.Errorf("cas commitment status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas commitment rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Distinguish missing row from state mismatch for the caller.
	var current string
	err = q.QueryRowContext(ctx,
		`SELECT status FROM donation_commitments WHERE id = $1`, commitmentID.String(),
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read commitment status: %w", err)
	}
	return fmt.Errorf("commitment is %s, expected %s: %w", current, from, sentinel.ErrInvalidState)
}

func (s *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.DonationCommitment, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		selectCommitment+` WHERE status = 'ON_THE_WAY' AND deadline < $1 ORDER BY deadline LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list overdue commitments: %w", err)
	}
	defer rows.Close()

	var overdue []*models.DonationCommitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue commitment: %w", err)
		}
		overdue = append(overdue, c)
	}
	return overdue, rows.Err()
}

const selectCommitment = `
	SELECT id, donor_id, request_id, status, committed_at, deadline,
	       arrived_at, cancel_reason, updated_at
	FROM donation_commitments`

type commitmentRow interface {
	Scan(dest ...any) error
}

func scanCommitment(row commitmentRow) (*models.DonationCommitment, error) {
	var (
		c            models.DonationCommitment
		rawID        string
		rawDonor     string
		rawRequest   string
		rawStatus    string
		arrivedAt    sql.NullTime
		cancelReason sql.NullString
	)
	if err := row.Scan(&rawID, &rawDonor, &rawRequest, &rawStatus,
		&c.CommittedAt, &c.Deadline, &arrivedAt, &cancelReason, &c.UpdatedAt); err != nil {
		return nil, err
	}

	commitmentID, err := id.ParseCommitmentID(rawID)
	if err != nil {
		return nil, err
	}
	donorID, err := id.ParseUserID(rawDonor)
	if err != nil {
		return nil, err
	}
	requestID, err := id.ParseRequestID(rawRequest)
	if err != nil {
		return nil, err
	}

	c.ID = commitmentID
	c.DonorID = donorID
	c.RequestID = requestID
	c.Status = models.CommitmentStatus(rawStatus)
	if arrivedAt.Valid {
		c.ArrivedAt = &arrivedAt.Time
	}
	if cancelReason.Valid {
		c.CancelReason = cancelReason.String
	}
	return &c, nil
}
