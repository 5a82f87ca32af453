// Package apperr defines the error kinds surfaced by the public operations.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error classification.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindNotFound          Kind = "NOT_FOUND"
	KindDuplicateName     Kind = "DUPLICATE_NAME"
	KindNoSandbox         Kind = "NO_SANDBOX"
	KindDatabase          Kind = "DATABASE_ERROR"
	KindStorage           Kind = "STORAGE_ERROR"
	KindSandbox           Kind = "SANDBOX_ERROR"
	KindSandboxConnection Kind = "SANDBOX_CONNECTION_ERROR"
	KindMigrationSnapshot Kind = "MIGRATION_SNAPSHOT_ERROR"
	KindRestore           Kind = "RESTORE_ERROR"
	KindInternal          Kind = "INTERNAL_ERROR"
)

// Error is an operation failure with a kind and a human message.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind around err. Details carries err's text.
func Wrap(kind Kind, message string, err error) *Error {
	e := &Error{Kind: kind, Message: message, Err: err}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Database(message string, err error) *Error {
	return Wrap(KindDatabase, message, err)
}

func Storage(message string, err error) *Error {
	return Wrap(KindStorage, message, err)
}

func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// From returns err as an *Error, classifying unknown errors as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("unexpected error", err)
}

// HTTPStatus maps a kind to the status code used by the HTTP API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindNoSandbox:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateName:
		return http.StatusConflict
	case KindStorage, KindSandbox, KindSandboxConnection:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
