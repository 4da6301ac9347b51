// Package bloodtype holds the blood type enumeration and the donor
// compatibility matrix. The matrix maps a recipient type to the set of donor
// types it may receive from; it is not symmetric.
package bloodtype

import (
	dErrors "kanver/pkg/domain-errors"
)

// BloodType is one of the eight ABO/Rh blood types.
type BloodType string

const (
	APositive  BloodType = "A+"
	ANegative  BloodType = "A-"
	BPositive  BloodType = "B+"
	BNegative  BloodType = "B-"
	ABPositive BloodType = "AB+"
	ABNegative BloodType = "AB-"
	OPositive  BloodType = "O+"
	ONegative  BloodType = "O-"
)

// All lists every valid blood type.
var All = []BloodType{
	APositive, ANegative,
	BPositive, BNegative,
	ABPositive, ABNegative,
	OPositive, ONegative,
}

// compatibleDonors maps recipient blood type to the donor types it accepts.
// O- donates to all but accepts only O-; AB+ accepts all but donates only to
// AB+.
var compatibleDonors = map[BloodType][]BloodType{
	ONegative:  {ONegative},
	OPositive:  {ONegative, OPositive},
	ANegative:  {ANegative, ONegative},
	APositive:  {APositive, ANegative, OPositive, ONegative},
	BNegative:  {BNegative, ONegative},
	BPositive:  {BPositive, BNegative, OPositive, ONegative},
	ABNegative: {ABNegative, ANegative, BNegative, ONegative},
	ABPositive: {ABPositive, ABNegative, APositive, ANegative, BPositive, BNegative, OPositive, ONegative},
}

// IsValid checks if the blood type is one of the supported enum values.
func (b BloodType) IsValid() bool {
	_, ok := compatibleDonors[b]
	return ok
}

// String returns the string representation.
func (b BloodType) String() string {
	return string(b)
}

// Parse creates a BloodType from a string, validating it.
func Parse(s string) (BloodType, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "blood type cannot be empty")
	}
	b := BloodType(s)
	if !b.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid blood type %q", s)
	}
	return b, nil
}

// CompatibleDonors returns the donor blood types a recipient may receive
// from. The returned slice is a copy.
func CompatibleDonors(recipient BloodType) []BloodType {
	donors := compatibleDonors[recipient]
	out := make([]BloodType, len(donors))
	copy(out, donors)
	return out
}

// CanDonateTo reports whether donor blood may serve a recipient.
func CanDonateTo(donor, recipient BloodType) bool {
	for _, d := range compatibleDonors[recipient] {
		if d == donor {
			return true
		}
	}
	return false
}
