package handler

import (
	"strings"
	"time"

	"kanver/internal/bloodtype"
	"kanver/internal/matching/models"
	dErrors "kanver/pkg/domain-errors"
)

// CreateRequestBody is the HTTP request body for POST /requests. Lat and
// Lon are where the request is opened from; the service rejects requests
// anchored outside the hospital's geofence.
type CreateRequestBody struct {
	HospitalID  string     `json:"hospital_id"`
	BloodType   string     `json:"blood_type"`
	Kind        string     `json:"kind"`
	Priority    string     `json:"priority,omitempty"`
	UnitsNeeded int        `json:"units_needed"`
	Lat         float64    `json:"lat"`
	Lon         float64    `json:"lon"`
	PatientName string     `json:"patient_name,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	// Parsed values (populated by Validate)
	parsedBloodType bloodtype.BloodType
}

// Validate validates and parses the request.
func (b *CreateRequestBody) Validate() error {
	b.HospitalID = strings.TrimSpace(b.HospitalID)
	if b.HospitalID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "hospital_id is required")
	}

	bt, err := bloodtype.Parse(strings.TrimSpace(b.BloodType))
	if err != nil {
		return err
	}
	b.parsedBloodType = bt

	b.Kind = strings.ToUpper(strings.TrimSpace(b.Kind))
	if !models.RequestKind(b.Kind).IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "kind must be WHOLE_BLOOD or APHERESIS")
	}

	b.Priority = strings.ToUpper(strings.TrimSpace(b.Priority))
	if b.Priority != "" && !models.Priority(b.Priority).IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, "invalid priority")
	}

	if b.UnitsNeeded <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "units_needed must be positive")
	}
	if b.Lat < -90 || b.Lat > 90 {
		return dErrors.New(dErrors.CodeInvalidInput, "lat must be between -90 and 90")
	}
	if b.Lon < -180 || b.Lon > 180 {
		return dErrors.New(dErrors.CodeInvalidInput, "lon must be between -180 and 180")
	}
	if b.ExpiresAt != nil && b.ExpiresAt.Before(time.Now()) {
		return dErrors.New(dErrors.CodeInvalidInput, "expires_at must be in the future")
	}
	return nil
}

// ParsedBloodType returns the validated blood type.
func (b *CreateRequestBody) ParsedBloodType() bloodtype.BloodType {
	return b.parsedBloodType
}

// CancelBody is the HTTP request body for POST /commitments/{id}/cancel.
type CancelBody struct {
	Reason string `json:"reason,omitempty"`
}

func (b *CancelBody) Validate() error {
	b.Reason = strings.TrimSpace(b.Reason)
	if len(b.Reason) > 500 {
		return dErrors.New(dErrors.CodeInvalidInput, "reason must be at most 500 characters")
	}
	return nil
}

// VerifyBody is the HTTP request body for POST /verify.
type VerifyBody struct {
	Token string `json:"token"`
}

func (b *VerifyBody) Validate() error {
	b.Token = strings.TrimSpace(b.Token)
	if b.Token == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "token is required")
	}
	return nil
}
