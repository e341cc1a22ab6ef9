package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/visp-platform/session-broker/internal/ratelimit"
)

// SetupRoutes configures the control surface under /v1 and mounts the
// proxy router on everything else, so any session-scoped path is
// transparently forwarded.
func (h *Handler) SetupRoutes(proxyServer http.Handler, limiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(RequireOwner)

	// Session creation is the expensive operation; it alone is rate
	// limited.
	limited := api.NewRoute().Subrouter()
	limited.Use(RateLimitMiddleware(limiter, requestsPerHour))
	limited.HandleFunc("/sessions", h.CreateSession).Methods("POST")

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{token}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{token}", h.DeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{token}/commit", h.CommitSession).Methods("POST")
	api.HandleFunc("/status", h.Status).Methods("GET")

	// Everything outside /v1 and /healthz is the proxied surface.
	r.PathPrefix("/").Handler(proxyServer)

	return r
}
