package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Everything here is recovered at the decision boundary
// and folded into an accept/reject verdict plus a detail code; only
// infrastructure faults propagate further.
var (
	// ErrValidation marks malformed input (bad lengths, missing fields).
	// Surfaced as a rejected authentication, never a crash.
	ErrValidation = errors.New("validation error")

	// ErrReplayRejected marks a counter or signature count that would move
	// backward or repeat. Logged distinctly from a plain wrong answer.
	ErrReplayRejected = errors.New("replay rejected")

	// ErrRejectedAuth is the opaque cryptographic rejection. Callers must
	// not learn why a signature failed.
	ErrRejectedAuth = errors.New("authentication rejected")

	// ErrLockedOut marks a token whose fail counter reached its bound.
	ErrLockedOut = errors.New("token locked out")

	// ErrEnrollment marks enrollment-time misuse surfaced to the
	// administrative caller, not to the authentication path.
	ErrEnrollment = errors.New("enrollment error")

	// ErrParameter marks a missing or ill-timed enrollment parameter
	// (e.g. client proof outside the clientwait state).
	ErrParameter = errors.New("parameter error")

	// ErrInfrastructure marks a persistence or relay fault. Authentication
	// is indeterminate and retry-safe, never implicitly accepted.
	ErrInfrastructure = errors.New("infrastructure error")
)

// ValidationErrorf wraps ErrValidation with detail.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ParameterErrorf wraps ErrParameter with detail.
func ParameterErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParameter, fmt.Sprintf(format, args...))
}

// EnrollmentErrorf wraps ErrEnrollment with detail.
func EnrollmentErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEnrollment, fmt.Sprintf(format, args...))
}

// InfrastructureErrorf wraps ErrInfrastructure around an underlying fault.
func InfrastructureErrorf(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInfrastructure, op, err)
}
