package payment

import (
	"errors"
	"fmt"

	"paycore/internal/common/money"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrUnsupportedOperation = errors.New("operation not supported by processor")
	ErrProcessing           = errors.New("payment processing failed")
	ErrUnsupportedCurrency  = errors.New("unsupported currency")
	ErrNotFound             = errors.New("payment not found")
)

// TransitionError describes a rejected status change. The record is left
// untouched when one is returned.
type TransitionError struct {
	PaymentID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("payment %s: cannot move from %s to %s", e.PaymentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// CurrencyError is returned when a processor cannot charge in the requested
// currency. It matches both ErrUnsupportedCurrency and ErrValidation.
type CurrencyError struct {
	Processor string
	Requested money.Currency
	Home      money.Currency
}

func (e *CurrencyError) Error() string {
	return fmt.Sprintf("processor %q only supports %s, got %s", e.Processor, e.Home, e.Requested)
}

func (e *CurrencyError) Unwrap() []error {
	return []error{ErrUnsupportedCurrency, ErrValidation}
}

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Unsupported builds an error wrapping ErrUnsupportedOperation.
func Unsupported(processor, operation string) error {
	return fmt.Errorf("%w: %s does not support %s", ErrUnsupportedOperation, processor, operation)
}

// ProcessingError wraps a hook failure so both ErrProcessing and the cause
// can be matched.
func ProcessingError(processor string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrProcessing, processor, cause)
}
