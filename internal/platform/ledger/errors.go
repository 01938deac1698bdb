package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrTransactionMissing = fmt.Errorf("transaction %w", ErrNotFound)
	ErrUserMissing        = fmt.Errorf("user %w", ErrNotFound)
	ErrAccountMissing     = fmt.Errorf("account %w", ErrNotFound)

	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLocked             = errors.New("account temporarily locked")
)

// ValidationError reports a missing or malformed input field. Nothing was
// mutated when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// OperationFailedError wraps a store failure raised while mutating the ledger.
type OperationFailedError struct {
	Op  string
	Err error
}

func (e *OperationFailedError) Error() string {
	return "ledger " + e.Op + " failed: " + e.Err.Error()
}

func (e *OperationFailedError) Unwrap() error {
	return e.Err
}

func operationFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	var v *ValidationError
	if errors.Is(err, ErrNotFound) || errors.As(err, &v) {
		return err
	}
	var of *OperationFailedError
	if errors.As(err, &of) {
		return err
	}
	return &OperationFailedError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsOperationFailed(err error) bool {
	var of *OperationFailedError
	return errors.As(err, &of)
}
