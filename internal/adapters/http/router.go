package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/contracts-rag/internal/config"
	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/core/ports"
)

const maxRequestBody = 1 << 20

// BuildHistory lists recorded index builds, newest first.
type BuildHistory interface {
	RecentBuilds(ctx context.Context, limit int) ([]domain.IndexManifest, error)
}

// Metrics is the optional prometheus surface of the API.
type Metrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
	RecordAnswer(answer *domain.Answer)
}

type Router struct {
	cfg       config.Config
	retriever ports.Retriever
	index     ports.IndexManager
	chat      ports.ConversationService
	builds    BuildHistory
	metrics   Metrics
}

type RouterOption func(*Router)

func WithBuildHistory(builds BuildHistory) RouterOption {
	return func(rt *Router) { rt.builds = builds }
}

func WithMetrics(metrics Metrics) RouterOption {
	return func(rt *Router) { rt.metrics = metrics }
}

func NewRouter(
	cfg config.Config,
	retriever ports.Retriever,
	index ports.IndexManager,
	chat ports.ConversationService,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:       cfg,
		retriever: retriever,
		index:     index,
		chat:      chat,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /v1/documents", rt.listDocuments)
	api.HandleFunc("GET /v1/index", rt.indexStatus)
	api.HandleFunc("POST /v1/index/reindex", rt.reindex)
	if rt.builds != nil {
		api.HandleFunc("GET /v1/index/builds", rt.listBuilds)
	}
	api.HandleFunc("POST /v1/retrieve", rt.retrieve)
	api.HandleFunc("POST /v1/sessions", rt.createSession)
	api.HandleFunc("DELETE /v1/sessions/{id}", rt.endSession)
	api.HandleFunc("POST /v1/sessions/{id}/ask", rt.ask)
	api.HandleFunc("GET /v1/sessions/{id}/history", rt.history)
	api.HandleFunc("DELETE /v1/sessions/{id}/history", rt.clearHistory)
	api.HandleFunc("PUT /v1/sessions/{id}/filter", rt.setFilter)
	api.HandleFunc("POST /v1/sessions/{id}/suggestions", rt.suggestions)

	var guarded http.Handler = api
	guarded = backpressureMiddleware(guarded, rt.cfg.APIMaxInFlight, rt.cfg.APIQueueTimeout)
	guarded = rateLimitMiddleware(guarded, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", rt.healthz)
	root.Handle("/v1/", guarded)
	if rt.metrics != nil {
		root.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = root
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	manifest, ready := rt.index.Manifest()
	payload := map[string]any{"status": "ok", "index_ready": ready}
	if ready {
		payload["index_version"] = manifest.Version
	}
	writeJSON(w, http.StatusOK, payload)
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	manifest, ok := rt.index.Manifest()
	if !ok {
		rt.writeError(w, r, domain.WrapError(domain.ErrIndexNotReady, "list documents", errors.New("no index loaded")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   manifest.Version,
		"documents": nonNil(manifest.Documents),
		"warnings":  nonNil(manifest.Warnings),
	})
}

func (rt *Router) indexStatus(w http.ResponseWriter, r *http.Request) {
	manifest, ok := rt.index.Manifest()
	if !ok {
		rt.writeError(w, r, domain.WrapError(domain.ErrIndexNotReady, "index status", errors.New("no index loaded")))
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (rt *Router) reindex(w http.ResponseWriter, r *http.Request) {
	manifest, err := rt.index.RebuildAndSwap(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (rt *Router) listBuilds(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	builds, err := rt.builds.RecentBuilds(r.Context(), limit)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": builds})
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query          string   `json:"query"`
		K              int      `json:"k"`
		SemanticWeight *float64 `json:"semantic_weight"`
		Document       string   `json:"document"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	if req.K < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "k must not be negative"})
		return
	}

	results, err := rt.retriever.Retrieve(r.Context(), domain.RetrievalRequest{
		Query:          req.Query,
		K:              req.K,
		SemanticWeight: req.SemanticWeight,
		Filter:         domain.DocumentFilter(req.Document),
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": nonNil(results)})
}

func (rt *Router) createSession(w http.ResponseWriter, r *http.Request) {
	session, err := rt.chat.NewSession(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (rt *Router) endSession(w http.ResponseWriter, r *http.Request) {
	if err := rt.chat.EndSession(r.Context(), r.PathValue("id")); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) ask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
		// Document overrides the session filter for this question only;
		// an empty string searches every document.
		Document *string `json:"document"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	var filter *domain.DocumentFilter
	if req.Document != nil {
		f := domain.DocumentFilter(*req.Document)
		filter = &f
	}

	answer, err := rt.chat.Ask(r.Context(), r.PathValue("id"), req.Question, filter)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordAnswer(answer)
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) history(w http.ResponseWriter, r *http.Request) {
	turns, err := rt.chat.History(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": nonNil(turns)})
}

func (rt *Router) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := rt.chat.ClearHistory(r.Context(), r.PathValue("id")); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) setFilter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Document string `json:"document"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := rt.chat.SetFilter(r.Context(), r.PathValue("id"), domain.DocumentFilter(req.Document)); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) suggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := rt.chat.Suggest(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": nonNil(suggestions)})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= 500 {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{
		"error":      errorMessage(status, err),
		"request_id": requestIDFromContext(r.Context()),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
