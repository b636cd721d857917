package httpserver

import (
	"errors"
	"net/http"

	"mailtask/internal/domain"
)

const (
	ErrInvalidJSON  = "invalid json"
	ErrMissingID    = "missing id"
	ErrDependency   = "dependency error"
	ErrNotFound     = "not found"
	ErrInvalidQuery = "invalid query"
)

// statusFor maps domain errors to HTTP status codes and client-facing text.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, ErrNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrMissingFields), errors.Is(err, domain.ErrInvalidStatus):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrDuplicateAttempt):
		return http.StatusConflict, err.Error()
	}
	return http.StatusBadGateway, ErrDependency
}
