package reconcile

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes reconciliation errors.
type ErrorCode string

const (
	// ErrCodeNotReady indicates the engine has no store or was stopped.
	ErrCodeNotReady ErrorCode = "NOT_READY"

	// ErrCodeUnsupportedPayload indicates the payload cannot be projected
	// or hashed.
	ErrCodeUnsupportedPayload ErrorCode = "UNSUPPORTED_PAYLOAD"

	// ErrCodeConflictNotFound indicates a manual resolution named a
	// conflict that does not exist or is no longer pending.
	ErrCodeConflictNotFound ErrorCode = "CONFLICT_NOT_FOUND"
)

// Error is a caller-facing reconciliation error.
type Error struct {
	Code     ErrorCode
	Message  string
	RecordID string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RecordID != "" {
		msg += fmt.Sprintf(" (record=%s)", e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNotReady returns true if err is a NOT_READY reconciliation error.
func IsNotReady(err error) bool { return hasCode(err, ErrCodeNotReady) }

// IsUnsupportedPayload returns true if err is an UNSUPPORTED_PAYLOAD error.
func IsUnsupportedPayload(err error) bool { return hasCode(err, ErrCodeUnsupportedPayload) }

// IsConflictNotFound returns true if err is a CONFLICT_NOT_FOUND error.
func IsConflictNotFound(err error) bool { return hasCode(err, ErrCodeConflictNotFound) }

func errNotReady() *Error {
	return &Error{Code: ErrCodeNotReady, Message: "reconciliation engine is not ready"}
}

func errUnsupported(dataType string, err error) *Error {
	return &Error{
		Code:    ErrCodeUnsupportedPayload,
		Message: fmt.Sprintf("cannot reconcile %s payload", dataType),
		Err:     err,
	}
}
