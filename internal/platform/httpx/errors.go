package httpx

import (
	"errors"
	"net/http"

	"github.com/timeledger/timeledger/internal/shared"
)

// ErrUnauthenticated indicates a request without a resolvable actor.
var ErrUnauthenticated = errors.New("unauthenticated")

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrInvalidState), errors.Is(err, shared.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, shared.ErrPrecondition), errors.Is(err, shared.ErrNoRateFound):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	kind := shared.KindOf(err)
	if errors.Is(err, ErrUnauthenticated) {
		kind = "unauthenticated"
	}
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = ""
	}
	Problem(w, status, kind, detail)
}
