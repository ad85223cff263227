package chatsync

import (
	"context"
	"errors"
	"net"
)

// ErrorCode classifies store failures.
type ErrorCode string

const (
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeMalformed        ErrorCode = "MALFORMED"
	CodeConflict         ErrorCode = "CONFLICT"
)

var (
	ErrNotFound       = &StoreError{Code: CodeNotFound, Message: "document not found"}
	ErrClosed         = errors.New("chatsync: closed")
	ErrInvalidMessage = errors.New("chatsync: invalid message")
	ErrNotFailed      = errors.New("chatsync: message is not in failed state")
)

// StoreError is a classified remote store failure.
type StoreError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Op      string    `json:"op,omitempty"`
	Err     error     `json:"-"`
}

func (e *StoreError) Error() string {
	s := string(e.Code) + ": " + e.Message
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is matches any StoreError with the same code, so errors.Is(err, ErrNotFound)
// works for wrapped errors built by other stores.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Code == e.Code
}

// NewStoreError builds a StoreError for op.
func NewStoreError(code ErrorCode, op, msg string, err error) *StoreError {
	return &StoreError{Code: code, Op: op, Message: msg, Err: err}
}

func errorCode(err error) (ErrorCode, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// IsTransient reports whether err is a retryable failure: connectivity loss,
// timeouts and unclassified errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := errorCode(err); ok {
		return code == CodeUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return !errors.Is(err, context.Canceled)
}

// IsPermission reports whether err is a non-retryable auth failure.
func IsPermission(err error) bool {
	code, ok := errorCode(err)
	return ok && code == CodePermissionDenied
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	code, ok := errorCode(err)
	return ok && code == CodeNotFound
}

// IsMalformed reports whether err came from unparseable remote data.
func IsMalformed(err error) bool {
	code, ok := errorCode(err)
	return ok && code == CodeMalformed
}

func malformed(op, msg string) error {
	return &StoreError{Code: CodeMalformed, Op: op, Message: msg}
}
