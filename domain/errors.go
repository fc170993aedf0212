package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide how to surface them.
type ErrorKind string

const (
	KindPersistence    ErrorKind = "PERSISTENCE_ERROR"
	KindValidation     ErrorKind = "VALIDATION_ERROR"
	KindRemoteRequest  ErrorKind = "REMOTE_REQUEST_ERROR"
	KindMalformedEvent ErrorKind = "MALFORMED_EVENT"
	KindNotReady       ErrorKind = "NOT_READY"
)

// AppError carries a kind, the failed operation and a short user-facing notice.
type AppError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ErrNotInitialized is returned by mutations issued before LoadAll completed.
var ErrNotInitialized = &AppError{
	Kind:    KindNotReady,
	Op:      "store",
	Message: "store is not initialized",
}

func PersistenceError(op string, err error) *AppError {
	return &AppError{Kind: KindPersistence, Op: op, Message: "Failed to save data", Err: err}
}

func ValidationError(op, message string) *AppError {
	return &AppError{Kind: KindValidation, Op: op, Message: message}
}

func RemoteRequestError(op, message string, err error) *AppError {
	return &AppError{Kind: KindRemoteRequest, Op: op, Message: message, Err: err}
}

func MalformedEventError(op, message string) *AppError {
	return &AppError{Kind: KindMalformedEvent, Op: op, Message: message}
}

// IsKind reports whether any error in err's chain is an AppError of kind.
func IsKind(err error, kind ErrorKind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// Notice returns the user-facing message for err, or fallback when err carries none.
func Notice(err error, fallback string) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return fallback
}
