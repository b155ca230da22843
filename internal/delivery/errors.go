package delivery

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes delivery errors.
type ErrorCode string

const (
	// ErrCodeNotReady indicates the engine is used before Initialize.
	ErrCodeNotReady ErrorCode = "NOT_READY"

	// ErrCodePersistFailed indicates a store write failed.
	ErrCodePersistFailed ErrorCode = "PERSIST_FAILED"

	// ErrCodeNotFound indicates the referenced message does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeDuplicate indicates the outgoing content was already recorded.
	ErrCodeDuplicate ErrorCode = "DUPLICATE"

	// ErrCodeInvalidMessage indicates a draft is missing required fields.
	ErrCodeInvalidMessage ErrorCode = "INVALID_MESSAGE"

	// ErrCodeSubscribeFailed indicates a store subscription could not be set up.
	ErrCodeSubscribeFailed ErrorCode = "SUBSCRIBE_FAILED"
)

// Error is a caller-facing delivery error.
type Error struct {
	Code      ErrorCode
	Message   string
	MessageID string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.MessageID != "" {
		msg += fmt.Sprintf(" (message=%s)", e.MessageID)
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
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsNotReady returns true if err is a NOT_READY delivery error.
func IsNotReady(err error) bool { return hasCode(err, ErrCodeNotReady) }

// IsPersistFailed returns true if err is a PERSIST_FAILED delivery error.
func IsPersistFailed(err error) bool { return hasCode(err, ErrCodePersistFailed) }

// IsNotFound returns true if err is a NOT_FOUND delivery error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsDuplicate returns true if err is a DUPLICATE delivery error.
func IsDuplicate(err error) bool { return hasCode(err, ErrCodeDuplicate) }

// IsInvalidMessage returns true if err is an INVALID_MESSAGE delivery error.
func IsInvalidMessage(err error) bool { return hasCode(err, ErrCodeInvalidMessage) }

// IsSubscribeFailed returns true if err is a SUBSCRIBE_FAILED delivery error.
func IsSubscribeFailed(err error) bool { return hasCode(err, ErrCodeSubscribeFailed) }
