package services

import (
	"errors"
	"fmt"

	"brokerage/internal/models"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrExternalRejected       = errors.New("external service rejected the operation")
	ErrExternalUnknownOutcome = errors.New("external operation outcome unknown")
	ErrExternalUnavailable    = errors.New("external service unavailable")
	ErrStuck                  = errors.New("operation requires manual reconciliation")
	ErrInProgress             = errors.New("operation already in progress")
	ErrNotFound               = errors.New("not found")
	ErrUnauthorizedAccount    = errors.New("account does not belong to user")
	ErrIdempotencyMismatch    = errors.New("idempotency key reused with different parameters")
)

// StuckError identifies the subject and leg an operator has to reconcile.
type StuckError struct {
	SubjectType models.SubjectType
	SubjectID   string
	Token       string
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("%s %s stuck on %s", e.SubjectType, e.SubjectID, e.Token)
}

func (e *StuckError) Unwrap() error {
	return ErrStuck
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
