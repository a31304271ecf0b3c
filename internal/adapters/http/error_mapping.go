package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrIndexNotReady):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrExternalService):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage keeps internal details out of 5xx bodies except for the
// cases a client can act on.
func errorMessage(status int, err error) string {
	switch {
	case domain.IsKind(err, domain.ErrIndexNotReady):
		return "no data available"
	case status == http.StatusBadGateway:
		return "upstream model service failed, please retry"
	case status >= 500:
		return http.StatusText(status)
	default:
		return err.Error()
	}
}
