package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer of the broker.  Callers classify
// with errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrNotFound means the referenced job, runner or setting does not
	// exist, or exists but is not in a state the operation accepts.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied means a presented credential did not match.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvariantViolation marks programming or data errors: illegal
	// state moves and uniqueness violations.  Never corrected silently.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidArgument means the caller sent a malformed value.
	ErrInvalidArgument = errors.New("invalid argument")
)

// InvariantError describes an attempted state move outside the allowed
// order.
type InvariantError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s %s: illegal state change %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// Unwrap lets errors.Is(err, ErrInvariantViolation) match.
func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// IsNotFound reports whether err is a NotFound-class error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermissionDenied reports whether err is a credential failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsInvariantViolation reports whether err is an invariant violation.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
