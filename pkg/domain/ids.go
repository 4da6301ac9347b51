package domain

import (
	"github.com/google/uuid"

	dErrors "kanver/pkg/domain-errors"
)

// Typed identifiers for the matching core. Entities reference each other by
// these IDs only; joins are explicit repository queries, never object graphs.
type (
	UserID       uuid.UUID
	HospitalID   uuid.UUID
	RequestID    uuid.UUID
	CommitmentID uuid.UUID
	TokenID      uuid.UUID
	DonationID   uuid.UUID
)

// NewUserID generates a fresh random user ID.
func NewUserID() UserID { return UserID(uuid.New()) }

func NewHospitalID() HospitalID     { return HospitalID(uuid.New()) }
func NewRequestID() RequestID       { return RequestID(uuid.New()) }
func NewCommitmentID() CommitmentID { return CommitmentID(uuid.New()) }
func NewTokenID() TokenID           { return TokenID(uuid.New()) }
func NewDonationID() DonationID     { return DonationID(uuid.New()) }

func (id UserID) String() string       { return uuid.UUID(id).String() }
func (id HospitalID) String() string   { return uuid.UUID(id).String() }
func (id RequestID) String() string    { return uuid.UUID(id).String() }
func (id CommitmentID) String() string { return uuid.UUID(id).String() }
func (id TokenID) String() string      { return uuid.UUID(id).String() }
func (id DonationID) String() string   { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id HospitalID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id RequestID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id CommitmentID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id TokenID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id DonationID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

// MarshalText implementations keep the IDs as canonical UUID strings in
// JSON rather than raw byte arrays.
func (id UserID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id HospitalID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id RequestID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id CommitmentID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id TokenID) MarshalText() ([]byte, error)      { return []byte(id.String()), nil }
func (id DonationID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }

func (id *UserID) UnmarshalText(b []byte) error {
	v, err := ParseUserID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *HospitalID) UnmarshalText(b []byte) error {
	v, err := ParseHospitalID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *RequestID) UnmarshalText(b []byte) error {
	v, err := ParseRequestID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *CommitmentID) UnmarshalText(b []byte) error {
	v, err := ParseCommitmentID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *TokenID) UnmarshalText(b []byte) error {
	v, err := ParseTokenID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *DonationID) UnmarshalText(b []byte) error {
	v, err := ParseDonationID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// parseUUID enforces the shared invariant: IDs arriving at a trust boundary
// must be valid, non-nil UUIDs.
func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must be a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be the nil UUID")
	}
	return u, nil
}

func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s)
	return UserID(u), err
}

func ParseHospitalID(s string) (HospitalID, error) {
	u, err := parseUUID(s)
	return HospitalID(u), err
}

func ParseRequestID(s string) (RequestID, error) {
	u, err := parseUUID(s)
	return RequestID(u), err
}

func ParseCommitmentID(s string) (CommitmentID, error) {
	u, err := parseUUID(s)
	return CommitmentID(u), err
}

func ParseTokenID(s string) (TokenID, error) {
	u, err := parseUUID(s)
	return TokenID(u), err
}

func ParseDonationID(s string) (DonationID, error) {
	u, err := parseUUID(s)
	return DonationID(u), err
}
