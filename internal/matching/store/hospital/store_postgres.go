package hospital

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kanver/internal/matching/models"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
)

// PostgresStore persists hospitals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, h *models.Hospital) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hospitals (id, code, name, lat, lon, geofence_radius_m, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.ID.String(), h.Code, h.Name, h.Location.Lat, h.Location.Lon,
		h.GeofenceRadiusM, h.Active,
	)
	if err != nil {
		return fmt.Errorf("insert hospital: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, hospitalID id.HospitalID) (*models.Hospital, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, code, name, lat, lon, geofence_radius_m, active
		 FROM hospitals WHERE id = $1 AND active`,
		hospitalID.String(),
	)

	var (
		h     models.Hospital
		rawID string
	)
	err := row.Scan(&rawID, &h.Code, &h.Name, &h.Location.Lat, &h.Location.Lon,
		&h.GeofenceRadiusM, &h.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find hospital: %w", err)
	}

	parsed, err := id.ParseHospitalID(rawID)
	if err != nil {
		return nil, err
	}
	h.ID = parsed
	return &h, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*models.Hospital, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code, name, lat, lon, geofence_radius_m, active
		 FROM hospitals WHERE active ORDER BY code`,
	)
	if err != nil {
		return nil, fmt.Errorf("list hospitals: %w", err)
	}
	defer rows.Close()

	var hospitals []*models.Hospital
	for rows.Next() {
		var (
			h     models.Hospital
			rawID string
		)
		if err := rows.Scan(&rawID, &h.Code, &h.Name, &h.Location.Lat, &h.Location.Lon,
			&h.GeofenceRadiusM, &h.Active); err != nil {
			return nil, fmt.Errorf("scan hospital: %w", err)
		}
		parsed, err := id.ParseHospitalID(rawID)
		if err != nil {
			return nil, err
		}
		h.ID = parsed
		hospitals = append(hospitals, &h)
	}
	return hospitals, rows.Err()
}
