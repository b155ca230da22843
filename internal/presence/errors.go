package presence

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes presence errors.
type ErrorCode string

const (
	// ErrCodeNotReady indicates the directory has no store or is not started.
	ErrCodeNotReady ErrorCode = "NOT_READY"

	// ErrCodeSubscribeFailed indicates a store subscription could not be set up.
	ErrCodeSubscribeFailed ErrorCode = "SUBSCRIBE_FAILED"

	// ErrCodePersistFailed indicates the own presence record could not be written.
	ErrCodePersistFailed ErrorCode = "PERSIST_FAILED"

	// ErrCodeInvalidStatus indicates an unknown presence status.
	ErrCodeInvalidStatus ErrorCode = "INVALID_STATUS"
)

// Error is a caller-facing presence error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsNotReady returns true if err is a NOT_READY presence error.
func IsNotReady(err error) bool { return hasCode(err, ErrCodeNotReady) }

// IsSubscribeFailed returns true if err is a SUBSCRIBE_FAILED presence error.
func IsSubscribeFailed(err error) bool { return hasCode(err, ErrCodeSubscribeFailed) }

// IsPersistFailed returns true if err is a PERSIST_FAILED presence error.
func IsPersistFailed(err error) bool { return hasCode(err, ErrCodePersistFailed) }

// IsInvalidStatus returns true if err is an INVALID_STATUS presence error.
func IsInvalidStatus(err error) bool { return hasCode(err, ErrCodeInvalidStatus) }
