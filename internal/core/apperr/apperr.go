// Package apperr defines the error kinds shared by the cache, geocode and dispatch layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUpstreamUnavailable marks a tile, geocode or dispatch source that could not be reached
	// or answered with an error. Never memoized.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUnresolvableAddress is returned when the geocoder answered with zero matches.
	ErrUnresolvableAddress = errors.New("unresolvable address")

	// ErrStoreUnavailable wraps persistent store failures. Callers treat it as a miss.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrTileNotFound = errors.New("tile not found")
)

// ValidationError is a client error: bad input, never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Upstream wraps err so that errors.Is(err, ErrUpstreamUnavailable) holds.
func Upstream(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", name, ErrUpstreamUnavailable, err)
}

func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store %s: %w: %w", op, ErrStoreUnavailable, err)
}

// HTTPStatus maps an error kind to the status code surfaced to clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrTileNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
