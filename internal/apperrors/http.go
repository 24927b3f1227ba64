package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, ErrLocked):
		return http.StatusConflict
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode returns the process exit status for err: 0 for nil, otherwise the
// low byte of the operator code, never zero.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	code := Code(err)
	if c := code % 256; c != 0 {
		return c
	}
	return 1
}

// Code returns the stable numeric code carried by err, or CodeFatal when err
// is not an *Error.
func Code(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != 0 {
		return appErr.Code
	}
	return CodeFatal
}
