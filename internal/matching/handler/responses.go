package handler

import (
	"time"

	"kanver/internal/matching/models"
)

// RequestResponse is the JSON shape of a blood request.
type RequestResponse struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	HospitalID     string     `json:"hospital_id"`
	BloodType      string     `json:"blood_type"`
	Kind           string     `json:"kind"`
	Priority       string     `json:"priority"`
	UnitsNeeded    int        `json:"units_needed"`
	UnitsCollected int        `json:"units_collected"`
	Status         string     `json:"status"`
	PatientName    string     `json:"patient_name,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func FromRequest(r *models.BloodRequest) RequestResponse {
	return RequestResponse{
		ID:             r.ID.String(),
		Code:           r.Code,
		HospitalID:     r.HospitalID.String(),
		BloodType:      r.BloodType.String(),
		Kind:           string(r.Kind),
		Priority:       string(r.Priority),
		UnitsNeeded:    r.UnitsNeeded,
		UnitsCollected: r.UnitsCollected,
		Status:         string(r.Status),
		PatientName:    r.PatientName,
		Notes:          r.Notes,
		ExpiresAt:      r.ExpiresAt,
		CreatedAt:      r.CreatedAt,
	}
}

// CommitmentResponse is the JSON shape of a donation commitment.
type CommitmentResponse struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	Deadline  time.Time `json:"deadline"`
	CreatedAt time.Time `json:"committed_at"`
}

func FromCommitment(c *models.DonationCommitment) CommitmentResponse {
	return CommitmentResponse{
		ID:        c.ID.String(),
		RequestID: c.RequestID.String(),
		Status:    string(c.Status),
		Deadline:  c.Deadline,
		CreatedAt: c.CommittedAt,
	}
}

// ArrivalResponse carries the updated commitment plus the verification
// token the donor presents at the donation desk.
type ArrivalResponse struct {
	Commitment CommitmentResponse `json:"commitment"`
	Token      TokenResponse      `json:"token"`
}

// TokenResponse is the JSON shape of a verification token. The signature
// travels with the value so the QR payload is self-contained.
type TokenResponse struct {
	Value     string    `json:"value"`
	Signature string    `json:"signature"`
	ExpiresAt time.Time `json:"expires_at"`
}

func FromToken(t *models.VerificationToken) TokenResponse {
	return TokenResponse{
		Value:     t.Value,
		Signature: t.Signature,
		ExpiresAt: t.ExpiresAt,
	}
}

// DonationResponse is the JSON shape of a completed donation.
type DonationResponse struct {
	ID           string    `json:"id"`
	DonorID      string    `json:"donor_id"`
	RequestID    string    `json:"request_id,omitempty"`
	Kind         string    `json:"kind"`
	BloodType    string    `json:"blood_type"`
	RewardPoints int       `json:"reward_points"`
	VerifiedAt   time.Time `json:"verified_at"`
}

func FromDonation(d *models.Donation) DonationResponse {
	resp := DonationResponse{
		ID:           d.ID.String(),
		DonorID:      d.DonorID.String(),
		Kind:         string(d.Kind),
		BloodType:    d.BloodType.String(),
		RewardPoints: d.RewardPoints,
		VerifiedAt:   d.VerifiedAt,
	}
	if d.RequestID != nil {
		resp.RequestID = d.RequestID.String()
	}
	return resp
}

// EligibilityResponse is the JSON shape of an eligibility probe.
type EligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}
