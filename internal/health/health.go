// Package health provides the HTTP liveness endpoints.
//
// The package exposes two endpoints:
//
//   - /ping   — returns {"status":"ok"} with 200.
//   - /health — returns {"status":"healthy"} with 200.
//
// Both report process liveness only; a running process that can serve HTTP
// is considered alive. Deeper checks (backend reachability, credentials)
// belong to the session path, which degrades per-connection instead of
// flipping a global probe.
package health

import (
	"encoding/json"
	"net/http"
)

// result is the JSON response body for health endpoints.
type result struct {
	Status string `json:"status"`
}

// Handler serves the /ping and /health endpoints. The zero value is ready
// for use and safe for concurrent requests.
type Handler struct{}

// Ping always returns 200 with {"status":"ok"}.
func (h *Handler) Ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Health always returns 200 with {"status":"healthy"}.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "healthy"})
}

// Register adds the /ping and /health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", h.Ping)
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
