// Package apperrors defines the error taxonomy shared by services and handlers.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
	ErrSchemaUnavailable = errors.New("schema unavailable")
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindDatabase        Kind = "database"
	KindCacheDegraded   Kind = "cache_degraded"
	KindInternal        Kind = "internal"
)

// Database error subkinds, reported as the error code.
const (
	CodeDBTimeout    = "db_timeout"
	CodeDBConnection = "db_connection"
	CodeDBError      = "db_error"
)

// Error carries a kind, a stable machine-readable code and a user-facing message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// InvalidInput reports a malformed or disallowed request.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Code: string(KindInvalidInput), Message: fmt.Sprintf(format, args...)}
}

// Unauthenticated reports a missing or invalid identity.
func Unauthenticated(message string) *Error {
	return &Error{Kind: KindUnauthenticated, Code: string(KindUnauthenticated), Message: message}
}

// Forbidden reports an authenticated actor lacking permission.
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Code: string(KindForbidden), Message: fmt.Sprintf(format, args...), Cause: ErrForbidden}
}

// NotFound reports a missing row, change record or table.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: string(KindNotFound), Message: fmt.Sprintf(format, args...), Cause: ErrNotFound}
}

// Conflict reports a value that cannot be applied to the current state.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: string(KindConflict), Message: fmt.Sprintf(format, args...), Cause: ErrConflict}
}

// Database wraps a storage failure with one of the db_* codes.
func Database(code, message string, cause error) *Error {
	return &Error{Kind: KindDatabase, Code: code, Message: message, Cause: cause}
}

// CacheDegraded wraps a cache backend fault. It never reaches clients.
func CacheDegraded(op string, cause error) *Error {
	return &Error{Kind: KindCacheDegraded, Code: string(KindCacheDegraded), Message: "cache " + op + " failed", Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain, or "internal_error".
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal_error"
}

// MessageOf returns a client-safe message for err.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDatabase:
		switch appErr.Code {
		case CodeDBTimeout, CodeDBConnection:
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
