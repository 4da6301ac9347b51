// Package domainerrors provides coded errors for business-rule rejections.
//
// Stores return sentinel errors (pkg/platform/sentinel) describing
// infrastructure facts; services translate those into coded domain errors
// which the transport layer maps onto HTTP statuses. Business-rule rejections
// are surfaced to the caller verbatim and never retried automatically.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a domain error category.
type Code string

const (
	// Generic codes.
	CodeInvalidInput       Code = "invalid_input"
	CodeInvariantViolation Code = "invariant_violation"
	CodeNotFound           Code = "not_found"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeConflict           Code = "conflict"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal"

	// Matching business-rule rejections. These reflect real-world state and
	// must reach the caller unchanged.
	CodeIncompatibleBloodType   Code = "incompatible_blood_type"
	CodeCooldownActive          Code = "cooldown_active"
	CodeOutsideGeofence         Code = "outside_geofence"
	CodeActiveCommitmentExists  Code = "active_commitment_exists"
	CodeSlotFull                Code = "slot_full"
	CodeInvalidTransition       Code = "invalid_transition"
	CodeCommitmentTimedOut      Code = "commitment_timed_out"
	CodeTokenExpired            Code = "token_expired"
	CodeTokenAlreadyUsed        Code = "token_already_used"
	CodeInvalidSignature        Code = "invalid_signature"
)

// Error is a coded domain error.
type Error struct {
	Code    Code
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, wrapped: err}
}

// CodeOf extracts the domain code from an error chain. Returns CodeInternal
// for errors that carry no code.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given domain code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// ToHTTPStatus maps a domain code to an HTTP status for the transport layer.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeInvariantViolation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict, CodeActiveCommitmentExists, CodeSlotFull:
		return http.StatusConflict
	case CodeIncompatibleBloodType, CodeCooldownActive, CodeOutsideGeofence:
		return http.StatusUnprocessableEntity
	case CodeInvalidTransition, CodeCommitmentTimedOut:
		return http.StatusConflict
	case CodeTokenExpired, CodeTokenAlreadyUsed, CodeInvalidSignature:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
