package web

import (
	"errors"
	"net/http"

	"github.com/cabewaldrop/logfs/internal/fserr"
)

// StatusFor maps a filesystem error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, fserr.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, fserr.ErrNotSupported), errors.Is(err, fserr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, fserr.ErrNoResources):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// GetErrorHint returns a helpful hint for common filesystem errors.
// Returns empty string if no hint is available.
func GetErrorHint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, fserr.ErrNoResources):
		return "The log is full. Download the data, then clear the log to continue."
	case fserr.IsIllegalWrite(err):
		return "The flash region holds data that would need an erase. Clear the log."
	case errors.Is(err, fserr.ErrInvalidParameter):
		return "Check the request values against the log geometry."
	case errors.Is(err, fserr.ErrInvalidState):
		return "Retry after the current operation finishes."
	case errors.Is(err, fserr.ErrIO):
		return "The flash device did not respond. Check the transport."
	default:
		return ""
	}
}
