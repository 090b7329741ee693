// Package apperr holds the error taxonomy shared by the appointment and payment
// domains. Domain packages wrap these values so callers can branch with errors.Is
// and errors.As regardless of which layer produced the error.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrForbidden              = errors.New("forbidden")
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrConflict               = errors.New("conflict")
	ErrValidation             = errors.New("validation failed")
)

// PaymentDeclinedError is returned when a provider reports a failed payment.
type PaymentDeclinedError struct {
	Provider string
	Reason   string
}

func (e *PaymentDeclinedError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("payment declined: %s", e.Reason)
	}
	return fmt.Sprintf("payment declined by %s: %s", e.Provider, e.Reason)
}

// PersistenceError wraps any failure surfaced by the data store. The driver error
// is kept intact and reachable through Unwrap.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError unless it is nil or already one.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// Validation returns an error matching ErrValidation carrying msg.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
