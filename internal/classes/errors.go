package classes

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrMissingParams    = errors.New("missing required parameters")
	ErrInvalid          = errors.New("invalid request")
	ErrForbidden        = errors.New("forbidden")
	ErrClassNotFound    = errors.New("class not found")
	ErrSessionCompleted = errors.New("session completed")
	ErrSessionActive    = errors.New("session already active")
	ErrNoSession        = errors.New("no session")
)

// Error is a rejection carrying the message shown to the caller. Kind is one of the sentinels above.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func reject(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Message returns the caller-facing text of err, falling back to fallback for internal errors.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return fallback
}
