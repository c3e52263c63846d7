// Package apperrors provides the machine-readable error taxonomy shared by the
// match engine, the ledger and the HTTP layer.
package apperrors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	CodeInternal Code = "INTERNAL"

	// State machine errors
	CodeInvalidTransition  Code = "INVALID_TRANSITION"
	CodeNotPending         Code = "NOT_PENDING"
	CodeInvalidParticipant Code = "INVALID_PARTICIPANT"
	CodeDuplicateChallenge Code = "DUPLICATE_CHALLENGE"
	CodeAlreadyResolved    Code = "ALREADY_RESOLVED"

	// Caller errors
	CodeNotAuthorized        Code = "NOT_AUTHORIZED"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeInsufficientEvidence Code = "INSUFFICIENT_EVIDENCE"
	CodeNotFound             Code = "NOT_FOUND"

	// Economy errors
	CodeNoProtectionCharge        Code = "NO_PROTECTION_CHARGE"
	CodeBalanceInvariantViolation Code = "BALANCE_INVARIANT_VIOLATION"

	// Concurrency errors
	CodeContended Code = "CONTENDED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument,
		CodeInsufficientEvidence,
		CodeInvalidParticipant:
		return http.StatusBadRequest

	case CodeNotAuthorized:
		return http.StatusForbidden

	case CodeNotFound:
		return http.StatusNotFound

	case CodeInvalidTransition,
		CodeNotPending,
		CodeDuplicateChallenge,
		CodeAlreadyResolved,
		CodeNoProtectionCharge,
		CodeContended:
		return http.StatusConflict

	case CodeBalanceInvariantViolation:
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the operation unchanged.
func (c Code) Retryable() bool {
	return c == CodeContended
}
