// Package apperr defines the error taxonomy shared by every layer of the
// platform. Callers classify failures by Kind and decide behavior from it;
// an embedding API maps kinds to transport codes via HTTPStatus.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	// KindValidation rejects malformed input, unknown task types, bad
	// parameter sets, malformed schedule rules.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing config, execution, or schedule instance.
	KindNotFound Kind = "not_found"
	// KindConflict marks duplicate registration and concurrent-modification
	// collisions.
	KindConflict Kind = "conflict"
	// KindPermission marks forbidden operations.
	KindPermission Kind = "permission"
	// KindTransient marks infrastructure unavailability (Redis down,
	// scheduler engine not running). Safe to retry.
	KindTransient Kind = "transient"
	// KindIntegrity marks relational-constraint violations surfaced by the
	// database.
	KindIntegrity Kind = "integrity"
	// KindInternal is the unexpected-failure catch-all.
	KindInternal Kind = "internal"
)

// Error carries a kind, an operator-readable message, optional structured
// details, and the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails attaches structured details and returns the error for
// chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause. Returns nil when
// cause is nil so call sites can wrap unconditionally.
func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// Conflictf builds a conflict error.
func Conflictf(format string, args ...any) *Error {
	return Newf(KindConflict, format, args...)
}

// Permissionf builds a permission error.
func Permissionf(format string, args ...any) *Error {
	return Newf(KindPermission, format, args...)
}

// Transientf builds a transient infrastructure error.
func Transientf(format string, args ...any) *Error {
	return Newf(KindTransient, format, args...)
}

// Integrityf builds a relational-integrity error.
func Integrityf(format string, args ...any) *Error {
	return Newf(KindIntegrity, format, args...)
}

// Internalf builds an internal error.
func Internalf(format string, args ...any) *Error {
	return Newf(KindInternal, format, args...)
}

// KindOf walks the error chain and returns the kind of the outermost
// *Error, or KindInternal when no classified error is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// DetailsOf returns the structured details of the outermost *Error, or nil.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// HTTPStatus maps a kind to the status an embedding HTTP layer should
// return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindIntegrity:
		return http.StatusConflict
	case KindPermission:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
