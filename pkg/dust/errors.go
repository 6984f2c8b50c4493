package dust

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrLockContention          = errors.New("balance locked by another operation")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrUnknownTransaction      = errors.New("unknown transaction")
	ErrUnknownApp              = errors.New("unknown app")
	ErrAppInactive             = errors.New("app not active")
	ErrPricingMismatch         = errors.New("amount does not match action price")
	ErrUpstreamUnavailable     = errors.New("upstream lookup unavailable")
	ErrInvalidRefundTarget     = errors.New("invalid refund target")
	ErrAlreadyRefunded         = errors.New("transaction already refunded")
	ErrAppGrantExists          = errors.New("app grant already exists")
	ErrStreakAlreadyClaimed    = errors.New("streak bonus already claimed today")
	ErrGrantCeilingExceeded    = errors.New("grant amount exceeds ceiling")
	ErrInvalidStreakDays       = errors.New("invalid streak days")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidAppID            = errors.New("invalid app id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidTransactionState = errors.New("invalid transaction status")
	ErrInvalidGrantType        = errors.New("invalid grant type")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

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
