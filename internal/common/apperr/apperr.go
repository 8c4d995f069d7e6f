// Package apperr defines the error kinds surfaced by repositories and
// services, and their mapping to HTTP status codes at the API boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds. Callers classify with errors.Is and wrap with the
// helper constructors below so the kind survives fmt.Errorf chains.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrBusy            = errors.New("busy")
	ErrUnavailable     = errors.New("unavailable")
	ErrCancelled       = errors.New("cancelled")
	ErrInvariant       = errors.New("invariant violation")
	ErrStorage         = errors.New("storage error")
)

// NotFoundf wraps a formatted message with the NotFound kind.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// InvalidArgumentf wraps a formatted message with the InvalidArgument kind.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}

// Conflictf wraps a formatted message with the Conflict kind.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Unavailablef wraps a formatted message with the Unavailable kind.
func Unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}

// Invariantf wraps a formatted message with the Invariant kind.
// These indicate bugs; handlers log them and return a generic 500.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvariant)...)
}

// Storagef wraps a formatted message with the Storage kind.
func Storagef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrStorage)...)
}

// IsNotFound reports whether err carries the NotFound kind.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidArgument reports whether err carries the InvalidArgument kind.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsConflict reports whether err carries the Conflict kind.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsBusy reports whether err carries the Busy kind.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

// IsCancelled reports whether err carries the Cancelled kind.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// Busyf wraps a formatted message with the Busy kind.
func Busyf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrBusy)...)
}

// Cancelledf wraps a formatted message with the Cancelled kind.
func Cancelledf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrCancelled)...)
}

// Unauthorizedf wraps a formatted message with the Unauthorized kind.
func Unauthorizedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnauthorized)...)
}

// HTTPStatus maps an error to the HTTP status code the API boundary
// should return. Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBusy), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrCancelled):
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
