package httpadapter

import (
	"errors"
	"net/http"
	"testing"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

func TestRetrieveMapsIndexNotReadyTo503(t *testing.T) {
	f := newRouterFixture()
	f.retriever.err = domain.WrapError(domain.ErrIndexNotReady, "retrieve", errors.New("no snapshot"))

	res := f.do(http.MethodPost, "/v1/retrieve", map[string]any{"query": "notice"})
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
	var body map[string]string
	decodeResponse(t, res, &body)
	if body["error"] != "no data available" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestAskMapsExternalServiceTo502(t *testing.T) {
	f := newRouterFixture()
	f.chat.askErr = domain.WrapError(domain.ErrExternalService, "complete", errors.New("connection refused"))

	res := f.do(http.MethodPost, "/v1/sessions/s-1/ask", map[string]any{"question": "notice period?"})
	if res.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", res.Code)
	}
	var body map[string]string
	decodeResponse(t, res, &body)
	if body["request_id"] == "" {
		t.Fatalf("expected request id in error body")
	}
}

func TestAskUnknownSessionReturns404(t *testing.T) {
	f := newRouterFixture()
	res := f.do(http.MethodPost, "/v1/sessions/nope/ask", map[string]any{"question": "hi"})
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestSetFilterMapsInvalidInputTo400(t *testing.T) {
	f := newRouterFixture()
	res := f.do(http.MethodPut, "/v1/sessions/s-1/filter", map[string]string{"document": "missing.pdf"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestListDocumentsWithoutIndexReturns503(t *testing.T) {
	f := newRouterFixture()
	f.index.ready = false
	if res := f.do(http.MethodGet, "/v1/documents", nil); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestInvalidJSONReturns400(t *testing.T) {
	f := newRouterFixture()
	if res := f.do(http.MethodPost, "/v1/retrieve", "not an object"); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.WrapError(domain.ErrInvalidInput, "op", errors.New("x")), http.StatusBadRequest},
		{domain.WrapError(domain.ErrSessionNotFound, "op", errors.New("x")), http.StatusNotFound},
		{domain.WrapError(domain.ErrIndexNotReady, "op", errors.New("x")), http.StatusServiceUnavailable},
		{domain.WrapError(domain.ErrExternalService, "op", errors.New("x")), http.StatusBadGateway},
		{domain.WrapError(domain.ErrConfiguration, "op", errors.New("x")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := mapErrorToHTTPStatus(tc.err); got != tc.want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
