package shared

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable indicates a required collaborator is not configured.
	ErrUnavailable = errors.New("dependency unavailable")
)

// Kind classifies errors for callers and transports.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindSideEffect    Kind = "side_effect"
	KindEmailDelivery Kind = "email_delivery"
	KindStorage       Kind = "storage"
)

// Error carries a machine-readable kind and a message safe to show users.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// NewError builds an Error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf reports malformed input.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf reports a missing entity.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...), Err: ErrNotFound}
}

// Conflictf reports a write that lost against a concurrent one.
func Conflictf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...), Err: err}
}

// Storage wraps a persistence failure unless err already carries a kind.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return &Error{Kind: KindNotFound, Message: op + ": not found", Err: err}
	}
	return &Error{Kind: KindStorage, Message: op + " failed", Err: err}
}

// KindOf returns the kind of err, defaulting to storage.
func KindOf(err error) Kind {
	var typed *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &typed):
		return typed.Kind
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindConfiguration
	default:
		return KindStorage
	}
}

// UserSafeMessage returns a message that never leaks internal details.
func UserSafeMessage(err error) string {
	var typed *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out; it is safe to retry"
	case errors.As(err, &typed) && typed.Kind != KindStorage:
		return typed.Message
	case errors.Is(err, ErrNotFound):
		return "resource not found"
	default:
		return "internal error"
	}
}
