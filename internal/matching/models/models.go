// Package models defines the matching core entities. Entities reference each
// other by typed identifier only; joins are explicit store queries.
package models

import (
	"crypto/rand"
	"fmt"
	"time"

	"kanver/internal/bloodtype"
	id "kanver/pkg/domain"
	dErrors "kanver/pkg/domain-errors"
)

// Trust score bounds. Every donor starts at the maximum and loses
// NoShowPenalty per reaped commitment, floored at the minimum.
const (
	TrustScoreMin     = 0
	TrustScoreMax     = 100
	TrustScoreDefault = 100
)

// RequestKind is the donation kind a blood request asks for.
type RequestKind string

const (
	KindWholeBlood RequestKind = "WHOLE_BLOOD"
	KindApheresis  RequestKind = "APHERESIS"
)

// IsValid checks if the request kind is one of the supported enum values.
func (k RequestKind) IsValid() bool {
	return k == KindWholeBlood || k == KindApheresis
}

func (k RequestKind) String() string { return string(k) }

// ParseRequestKind creates a RequestKind from a string, validating it.
func ParseRequestKind(s string) (RequestKind, error) {
	k := RequestKind(s)
	if !k.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid request kind %q", s)
	}
	return k, nil
}

// Priority is the urgency of a blood request.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityUrgent   Priority = "URGENT"
	PriorityCritical Priority = "CRITICAL"
)

// IsValid checks if the priority is one of the supported enum values.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// SeverityScore returns the ordering weight of this priority.
func (p Priority) SeverityScore() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityUrgent:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

// RequestStatus is the lifecycle state of a blood request. Status is
// monotone: there are no transitions out of a terminal state.
type RequestStatus string

const (
	RequestActive    RequestStatus = "ACTIVE"
	RequestFulfilled RequestStatus = "FULFILLED"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestExpired   RequestStatus = "EXPIRED"
)

// IsValid checks if the request status is one of the supported enum values.
func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestActive, RequestFulfilled, RequestCancelled, RequestExpired:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s RequestStatus) IsTerminal() bool {
	return s != RequestActive
}

// CommitmentStatus is the lifecycle state of a donation commitment.
type CommitmentStatus string

const (
	CommitmentOnTheWay  CommitmentStatus = "ON_THE_WAY"
	CommitmentArrived   CommitmentStatus = "ARRIVED"
	CommitmentCompleted CommitmentStatus = "COMPLETED"
	CommitmentCancelled CommitmentStatus = "CANCELLED"
	CommitmentTimeout   CommitmentStatus = "TIMEOUT"
)

// IsValid checks if the commitment status is one of the supported enum values.
func (s CommitmentStatus) IsValid() bool {
	switch s {
	case CommitmentOnTheWay, CommitmentArrived, CommitmentCompleted,
		CommitmentCancelled, CommitmentTimeout:
		return true
	}
	return false
}

// IsActive reports whether the commitment still occupies a request slot and
// counts against the donor's single-active-commitment invariant.
func (s CommitmentStatus) IsActive() bool {
	return s == CommitmentOnTheWay || s == CommitmentArrived
}

// IsTerminal reports whether the status admits no further transitions.
func (s CommitmentStatus) IsTerminal() bool {
	return s == CommitmentCompleted || s == CommitmentCancelled || s == CommitmentTimeout
}

// CanTransitionTo encodes the commitment state machine. ARRIVED never times
// out: once physically present, a commitment is resolved by staff action or
// explicit cancellation, not by the clock.
func (s CommitmentStatus) CanTransitionTo(to CommitmentStatus) bool {
	switch s {
	case CommitmentOnTheWay:
		return to == CommitmentArrived || to == CommitmentCancelled || to == CommitmentTimeout
	case CommitmentArrived:
		return to == CommitmentCompleted || to == CommitmentCancelled
	}
	return false
}

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Hospital is a donation site with a registered location and geofence.
type Hospital struct {
	ID              id.HospitalID `json:"id"`
	Code            string        `json:"code"`
	Name            string        `json:"name"`
	Location        Point         `json:"location"`
	GeofenceRadiusM float64       `json:"geofence_radius_m"` // 0 means use the configured default
	Active          bool          `json:"active"`
}

// DonorProfile is the matching-relevant view of a user. The soft-delete
// lifecycle tag lives here and only here; other entities reference donors by
// ID and the store decides visibility.
type DonorProfile struct {
	ID              id.UserID           `json:"id"`
	FullName        string              `json:"full_name"`
	BloodType       bloodtype.BloodType `json:"blood_type"`
	TrustScore      int                 `json:"trust_score"`
	RewardPoints    int                 `json:"reward_points"`
	TotalDonations  int                 `json:"total_donations"`
	NoShowCount     int                 `json:"no_show_count"`
	NextAvailableAt *time.Time          `json:"next_available_at,omitempty"`
	DeletedAt       *time.Time          `json:"deleted_at,omitempty"`
}

// Eligible reports whether the donor's cooldown has elapsed at now.
func (d *DonorProfile) Eligible(now time.Time) bool {
	return d.NextAvailableAt == nil || !d.NextAvailableAt.After(now)
}

// BloodRequest is a hospital's need for blood.
type BloodRequest struct {
	ID             id.RequestID        `json:"id"`
	Code           string              `json:"code"`
	RequesterID    id.UserID           `json:"requester_id"`
	HospitalID     id.HospitalID       `json:"hospital_id"`
	BloodType      bloodtype.BloodType `json:"blood_type"`
	Kind           RequestKind         `json:"kind"`
	Priority       Priority            `json:"priority"`
	UnitsNeeded    int                 `json:"units_needed"`
	UnitsCollected int                 `json:"units_collected"`
	Status         RequestStatus       `json:"status"`
	Location       Point               `json:"location"`
	PatientName    string              `json:"patient_name,omitempty"`
	Notes          string              `json:"notes,omitempty"`
	ExpiresAt      *time.Time          `json:"expires_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// NewBloodRequest creates a BloodRequest with domain invariant validation.
func NewBloodRequest(
	requester id.UserID,
	hospital id.HospitalID,
	blood bloodtype.BloodType,
	kind RequestKind,
	priority Priority,
	unitsNeeded int,
	location Point,
	expiresAt *time.Time,
) (*BloodRequest, error) {
	if requester.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "requester is required")
	}
	if hospital.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "hospital is required")
	}
	if !blood.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid blood type")
	}
	if !kind.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid request kind")
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid priority")
	}
	if unitsNeeded <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "units_needed must be positive")
	}

	now := time.Now()
	return &BloodRequest{
		ID:          id.NewRequestID(),
		Code:        NewRequestCode(),
		RequesterID: requester,
		HospitalID:  hospital,
		BloodType:   blood,
		Kind:        kind,
		Priority:    priority,
		UnitsNeeded: unitsNeeded,
		Status:      RequestActive,
		Location:    location,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// SlotLimit is the N+1 bound on concurrent non-terminal commitments: units
// needed plus one standby to absorb in-flight no-shows.
func (r *BloodRequest) SlotLimit() int {
	return r.UnitsNeeded + 1
}

// Overdue reports whether the request itself has expired at now.
func (r *BloodRequest) Overdue(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// DonationCommitment is a donor's pledge against one request. Commitments
// are never deleted, only transitioned to a terminal state.
type DonationCommitment struct {
	ID           id.CommitmentID  `json:"id"`
	DonorID      id.UserID        `json:"donor_id"`
	RequestID    id.RequestID     `json:"request_id"`
	Status       CommitmentStatus `json:"status"`
	CommittedAt  time.Time        `json:"committed_at"`
	Deadline     time.Time        `json:"deadline"`
	ArrivedAt    *time.Time       `json:"arrived_at,omitempty"`
	CancelReason string           `json:"cancel_reason,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// NewDonationCommitment creates an ON_THE_WAY commitment with its deadline
// fixed at commit time.
func NewDonationCommitment(donor id.UserID, request id.RequestID, now time.Time, timeout time.Duration) (*DonationCommitment, error) {
	if donor.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "donor is required")
	}
	if request.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "request is required")
	}
	if timeout <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "timeout must be positive")
	}
	return &DonationCommitment{
		ID:          id.NewCommitmentID(),
		DonorID:     donor,
		RequestID:   request,
		Status:      CommitmentOnTheWay,
		CommittedAt: now,
		Deadline:    now.Add(timeout),
		UpdatedAt:   now,
	}, nil
}

// Overdue reports whether the commitment deadline has elapsed at now. The
// deadline is advisory until the sweeper or an explicit action observes it.
func (c *DonationCommitment) Overdue(now time.Time) bool {
	return now.After(c.Deadline)
}

// VerificationToken is a single-use credential bound 1:1 to an ARRIVED
// commitment. Destroyed logically (used flag), never physically.
type VerificationToken struct {
	ID           id.TokenID      `json:"id"`
	CommitmentID id.CommitmentID `json:"commitment_id"`
	Value        string          `json:"value"`
	Signature    string          `json:"signature"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Used         bool            `json:"used"`
	UsedAt       *time.Time      `json:"used_at,omitempty"`
	VerifiedBy   *id.UserID      `json:"verified_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *VerificationToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Donation is the terminal record of a verified commitment. Immutable after
// creation except for audit notes. RequestID is nil for standby donations
// redirected to the general bank.
type Donation struct {
	ID           id.DonationID       `json:"id"`
	DonorID      id.UserID           `json:"donor_id"`
	HospitalID   id.HospitalID       `json:"hospital_id"`
	RequestID    *id.RequestID       `json:"request_id,omitempty"`
	CommitmentID id.CommitmentID     `json:"commitment_id"`
	TokenID      id.TokenID          `json:"token_id"`
	Kind         RequestKind         `json:"kind"`
	BloodType    bloodtype.BloodType `json:"blood_type"`
	VerifiedBy   id.UserID           `json:"verified_by"`
	VerifiedAt   time.Time           `json:"verified_at"`
	RewardPoints int                 `json:"reward_points"`
	Notes        string              `json:"notes,omitempty"`
}

const requestCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewRequestCode generates a short human-readable request code (KV-XXXXXX).
func NewRequestCode() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = requestCodeAlphabet[int(b)%len(requestCodeAlphabet)]
	}
	return fmt.Sprintf("KV-%s", buf)
}
