package split

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code. The codes group into four
// families: validation, state, not-found, and collaborator failures.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Validation errors: caller-fixable, rejected before any state change.
	CodeInvalidAmount             Code = "INVALID_AMOUNT"
	CodeInvalidSignatureThreshold Code = "INVALID_SIGNATURE_THRESHOLD"
	CodeInsufficientParticipants  Code = "INSUFFICIENT_PARTICIPANTS"
	CodeCapacityExceeded          Code = "CAPACITY_EXCEEDED"

	// State errors: the operation is not legal in the session's current state.
	CodeWrongState       Code = "WRONG_STATE"
	CodeAlreadyConfirmed Code = "ALREADY_CONFIRMED"
	CodeAlreadyApproved  Code = "ALREADY_APPROVED"
	CodeSessionLocked    Code = "SESSION_LOCKED"
	CodeSessionExpired   Code = "SESSION_EXPIRED"
	CodeNotCreator       Code = "NOT_CREATOR"

	// Not-found errors.
	CodeNotFound             Code = "NOT_FOUND"
	CodeNotAParticipant      Code = "NOT_A_PARTICIPANT"
	CodeDuplicateParticipant Code = "DUPLICATE_PARTICIPANT"
	CodeDuplicateSessionID   Code = "DUPLICATE_SESSION_ID"

	// Collaborator errors: the external ledger call failed; internal state
	// is guaranteed unchanged.
	CodeTransferFailed Code = "TRANSFER_FAILED"
)

// Error carries a code alongside a human-readable message and an optional
// wrapped cause (collaborator failures wrap the ledger error).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from an error produced by this package.
// Unrecognized errors map to CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
