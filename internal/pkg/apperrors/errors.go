package apperrors

import (
	"errors"
	"fmt"
)

// Error is the domain error type carrying a machine-readable code.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message, safe to show to players
	Cause   error  // Wrapped underlying error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}

	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Sentinels usable with errors.Is; they match any error carrying the same code.
var (
	ErrInvalidTransition         = New(CodeInvalidTransition, "operation not valid in current status")
	ErrNotPending                = New(CodeNotPending, "challenge is not pending")
	ErrInvalidParticipant        = New(CodeInvalidParticipant, "invalid participant")
	ErrDuplicateChallenge        = New(CodeDuplicateChallenge, "an active challenge already exists between these squads")
	ErrAlreadyResolved           = New(CodeAlreadyResolved, "challenge already resolved")
	ErrNotAuthorized             = New(CodeNotAuthorized, "not authorized")
	ErrInvalidArgument           = New(CodeInvalidArgument, "invalid argument")
	ErrInsufficientEvidence      = New(CodeInsufficientEvidence, "dispute needs at least one image or a description")
	ErrNotFound                  = New(CodeNotFound, "not found")
	ErrNoProtectionCharge        = New(CodeNoProtectionCharge, "no protection charge available")
	ErrBalanceInvariantViolation = New(CodeBalanceInvariantViolation, "balance invariant violated")
	ErrContended                 = New(CodeContended, "resource is busy, retry")
)

// CodeOf extracts the code of a domain error, or CodeInternal for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return CodeInternal
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	return err != nil && CodeOf(err).Retryable()
}
