package core

import "errors"

// Error is a business or validation failure identified by a stable string code.
// Callers match with errors.Is against the sentinels below; extra context is
// added by wrapping with fmt.Errorf("%w: ...").
type Error struct {
	Code string
}

func (e *Error) Error() string {
	return e.Code
}

const CodeInternal = "INTERNAL_ERROR"

var (
	ErrInvalidAmount           = &Error{Code: "INVALID_AMOUNT"}
	ErrAmountOverflow          = &Error{Code: "AMOUNT_OVERFLOW"}
	ErrAmountNotPositive       = &Error{Code: "AMOUNT_NOT_POSITIVE"}
	ErrInvalidCurrency         = &Error{Code: "INVALID_CURRENCY"}
	ErrInvalidWarnThreshold    = &Error{Code: "INVALID_WARN_THRESHOLD"}
	ErrInvalidStatusTransition = &Error{Code: "INVALID_STATUS_TRANSITION"}
	ErrInvalidStatus           = &Error{Code: "INVALID_STATUS"}
	ErrInvalidDate             = &Error{Code: "INVALID_DATE"}
	ErrValidation              = &Error{Code: "VALIDATION_ERROR"}
	ErrIdempotencyInProgress   = &Error{Code: "IDEMPOTENCY_IN_PROGRESS"}
)

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsDomainError reports whether err is a typed business or validation failure.
func IsDomainError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
