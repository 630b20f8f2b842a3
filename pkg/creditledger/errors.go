package creditledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrUserNotFound             = errors.New("user not found")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrInvalidReservationState  = errors.New("invalid reservation state")
	ErrReservationExpired       = errors.New("reservation expired")
	ErrIntegrityViolation       = errors.New("lot balances cannot cover reservation")
	ErrCycleLotExists           = errors.New("cycle lot already exists")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidLotID             = errors.New("invalid lot id")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidLotSource         = errors.New("invalid lot source")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrTransientStore           = errors.New("transient store error")
)

// InsufficientCreditsError carries the caller's current available balance so
// the UI can prompt a top-up.
type InsufficientCreditsError struct {
	Available int64
}

// Error returns the formatted error message.
func (insufficientError InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d available", insufficientError.Available)
}

// Unwrap ties the typed error to the ErrInsufficientCredits sentinel.
func (insufficientError InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
