// Package apperr holds the error taxonomy shared by every client component.
// Callers branch on the sentinel kinds with errors.Is.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks network or server failures worth retrying.
	ErrTransient = errors.New("transient remote error")
	// ErrValidation marks input rejected before any remote call.
	ErrValidation = errors.New("validation error")
	// ErrConflict marks a write the backend refused because the remote
	// state already moved on.
	ErrConflict = errors.New("conflict")
	// ErrAuthentication marks a missing or expired identity.
	ErrAuthentication = errors.New("authentication error")
	// ErrNotFound marks a missing remote entity.
	ErrNotFound = errors.New("not found")
)

// Error carries a kind, the operation that failed and an optional cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op
	if e.Msg != "" {
		if s != "" {
			s += ": "
		}
		s += e.Msg
	}
	if e.Err != nil {
		if s != "" {
			s += ": "
		}
		s += e.Err.Error()
	}
	if s == "" {
		return e.Kind.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newErr(kind error, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

func Transient(op string, cause error) error { return newErr(ErrTransient, op, "", cause) }

func Validation(op, msg string) error { return newErr(ErrValidation, op, msg, nil) }

func Validationf(op, format string, args ...any) error {
	return newErr(ErrValidation, op, fmt.Sprintf(format, args...), nil)
}

func Conflict(op string, cause error) error { return newErr(ErrConflict, op, "", cause) }

func Authentication(op, msg string) error { return newErr(ErrAuthentication, op, msg, nil) }

func NotFound(op, msg string) error { return newErr(ErrNotFound, op, msg, nil) }

// Wrap attaches an explicit kind to cause.
func Wrap(kind error, op string, cause error) error { return newErr(kind, op, "", cause) }

// Classify returns err unchanged when it already carries a kind or is a
// context cancellation. Anything else (network failures, deadlines, unknown
// causes) becomes transient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "unknown" || errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(op, err)
}

// KindOf names the kind of err for metric labels and logs.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failed write may be attempted again later.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
