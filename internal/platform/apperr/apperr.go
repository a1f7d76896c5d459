// Package apperr defines the error kinds shared by the order and task
// services. Callers test for a kind with errors.Is and map it to a transport
// status at the edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrPersistence       = errors.New("persistence failure")
	ErrCollaborator      = errors.New("collaborator failure")
)

// Error carries a kind, the operation that failed and a human-readable reason.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

func newf(kind error, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...interface{}) error {
	return newf(ErrValidation, op, format, args...)
}

func InvalidState(op, format string, args ...interface{}) error {
	return newf(ErrInvalidState, op, format, args...)
}

func InvalidTransition(op, format string, args ...interface{}) error {
	return newf(ErrInvalidTransition, op, format, args...)
}

func Conflict(op, format string, args ...interface{}) error {
	return newf(ErrConflict, op, format, args...)
}

func NotFound(op, format string, args ...interface{}) error {
	return newf(ErrNotFound, op, format, args...)
}

// Persistence wraps a storage error. The operation is safe to retry.
func Persistence(op string, err error) error {
	return &Error{Kind: ErrPersistence, Op: op, Msg: "storage unavailable", Err: err}
}

// Collaborator wraps a failure of a non-critical external collaborator.
func Collaborator(op string, err error) error {
	return &Error{Kind: ErrCollaborator, Op: op, Msg: "collaborator failed", Err: err}
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrCollaborator):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
