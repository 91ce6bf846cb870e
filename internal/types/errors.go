package types

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrPositionNotFound    = errors.New("position not found")
	ErrOrderNotCancellable = errors.New("order is not cancellable")
	ErrOrderNotAmendable   = errors.New("order is not amendable")
	ErrOrderNotFillable    = errors.New("order is not fillable")
	ErrStaleFill           = errors.New("fill targets a superseded order revision")
	ErrAccountForbidden    = errors.New("token is not valid for this account")
)

// ValidationError describes a malformed or out-of-range request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// InfrastructureError wraps a store or timeout failure. It is safe to retry.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// NewInfrastructureError wraps err unless it is nil or already classified.
func NewInfrastructureError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	var infra *InfrastructureError
	if errors.As(err, &infra) {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// ConsistencyViolation reports a broken internal invariant. It is never
// retried or auto-corrected.
type ConsistencyViolation struct {
	Entity string
	ID     string
	Detail string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation on %s %s: %s", e.Entity, e.ID, e.Detail)
}

// IsRetryable reports whether err is an infrastructure failure.
func IsRetryable(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra)
}

// IsDomainError reports whether err is returned verbatim to callers without retry.
func IsDomainError(err error) bool {
	var validation *ValidationError
	var violation *ConsistencyViolation
	switch {
	case errors.As(err, &validation), errors.As(err, &violation):
		return true
	case errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrPositionNotFound),
		errors.Is(err, ErrOrderNotCancellable),
		errors.Is(err, ErrOrderNotAmendable),
		errors.Is(err, ErrOrderNotFillable),
		errors.Is(err, ErrStaleFill),
		errors.Is(err, ErrAccountForbidden):
		return true
	}
	return false
}
