package core

import (
	"errors"
	"fmt"
)

// Code classifies session-level failures. Codes travel over the wire
// unchanged so both ends agree on retry semantics.
type Code string

const (
	CodeInvalidState     Code = "InvalidState"
	CodeIllegalAction    Code = "IllegalAction"
	CodeDuplicateSession Code = "DuplicateSession"
	CodeUnknownSession   Code = "UnknownSession"
	CodeCapacityExceeded Code = "CapacityExceeded"
	CodeEpisodeEnded     Code = "EpisodeEnded"
	CodeStalled          Code = "Stalled"
	CodeCancelled        Code = "Cancelled"
	CodeTimeout          Code = "Timeout"
	CodeProtocol         Code = "Protocol"
	CodeInternal         Code = "Internal"
)

// Error is a session-level error with a stable code.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same code, so errors.Is(err, ErrCancelled)
// works regardless of the message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidState     = &Error{Code: CodeInvalidState}
	ErrIllegalAction    = &Error{Code: CodeIllegalAction}
	ErrDuplicateSession = &Error{Code: CodeDuplicateSession}
	ErrUnknownSession   = &Error{Code: CodeUnknownSession}
	ErrCapacityExceeded = &Error{Code: CodeCapacityExceeded}
	ErrEpisodeEnded     = &Error{Code: CodeEpisodeEnded}
	ErrCancelled        = &Error{Code: CodeCancelled}
	ErrTimeout          = &Error{Code: CodeTimeout}
	ErrProtocol         = &Error{Code: CodeProtocol}
)

// CodeOf extracts the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether a client should retry the request with backoff.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeUnknownSession:
		return true
	}
	return false
}

// AsError converts any error into its wire form.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
