package api

import (
	"collab-engine/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes mounts the API, websocket and metrics endpoints. allowedOrigins
// feeds the CORS middleware.
func SetupRoutes(h *Handler, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware(allowedOrigins)) // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Session endpoints
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/ai-context", h.GetAIContext).Methods("GET")

	api.HandleFunc("/stats", h.GetStats).Methods("GET")
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket route
	r.HandleFunc("/ws/session", h.HandleSessionWebSocket)

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}
