// Package httpx provides HTTP response utilities.
package httpx

import (
	"net/http"

	"github.com/freelancehq/portal/internal/shared"
)

// StatusFor maps an error kind to the HTTP status reported to callers.
func StatusFor(kind shared.Kind) int {
	switch kind {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindEmailDelivery:
		return http.StatusBadGateway
	case shared.KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	kind := shared.KindOf(err)
	status := StatusFor(kind)
	JSON(w, status, ProblemDetail{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Kind:   string(kind),
		Detail: shared.UserSafeMessage(err),
	})
}
