package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"ollama-metrics-proxy/internal/metrics"
	"ollama-metrics-proxy/internal/observability"
	"ollama-metrics-proxy/internal/usage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Instrumented endpoints.
const (
	ChatPath     = "/api/chat"
	GeneratePath = "/api/generate"
)

// UsagePath serves the usage ledger. It lives outside /api so it cannot
// shadow an upstream route.
const UsagePath = "/proxy/usage"

// NewRouter wires the proxy routes. Anything not matched exactly, including a
// known path with another method, is passed through to the upstream. store may
// be nil, in which case the usage routes are not mounted.
func NewRouter(h *ProxyHandler, reg *metrics.Registry, store usage.Store, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.RequestID)
	r.Use(observability.AccessLog(logger))
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", reg.Handler())

	r.Post(ChatPath, h.ServeInstrumented)
	r.Post(GeneratePath, h.ServeInstrumented)

	if store != nil {
		r.Get(UsagePath, listUsage(store, logger))
		r.Get(UsagePath+"/*", getUsage(store, logger))
	}

	r.NotFound(h.ServePassthrough)
	r.MethodNotAllowed(h.ServePassthrough)

	return r
}

func listUsage(store usage.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := store.ListUsage(r.Context())
		if err != nil {
			logger.Error("Failed to list usage", "error", err)
			http.Error(w, "Failed to retrieve usage", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"models": all})
	}
}

// getUsage takes the model from the wildcard so names like "library/llama3:8b" work.
func getUsage(store usage.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "*")
		if model == "" {
			http.Error(w, "model is required", http.StatusBadRequest)
			return
		}

		u, err := store.GetUsage(r.Context(), model)
		if err != nil {
			logger.Error("Failed to get usage", "model", model, "error", err)
			http.Error(w, "Failed to retrieve usage", http.StatusInternalServerError)
			return
		}
		writeJSON(w, u)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
