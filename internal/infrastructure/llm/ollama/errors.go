package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/resilience"
)

// HTTPStatusError is a non-2xx answer from the Ollama API.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ollama %s status: %s: %s", e.Operation, e.Status, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *HTTPStatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func classifyOllamaError(err error) resilience.ErrorClassification {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return resilience.ErrorClassification{}
	case domain.IsKind(err, domain.ErrTemporary):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		// 4xx means a bad request or a missing model, the server itself is fine.
		return resilience.ErrorClassification{Retryable: statusErr.Temporary(), RecordFailure: statusErr.Temporary()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyOllamaError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "ollama "+operation, err)
	}
	return err
}
