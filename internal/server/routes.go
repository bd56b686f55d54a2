package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Pool
	mux.HandleFunc("/api/pool/status", s.app.PoolHandler.StatusHandler)
	mux.HandleFunc("/api/pool/accounts", s.app.PoolHandler.ListAccountsHandler)
	mux.HandleFunc("/api/pool/accounts/", s.app.PoolHandler.AccountRoutes) // GET /{id}, GET /{id}/validations, POST /{id}/validate
	mux.HandleFunc("/api/pool/leases", s.app.PoolHandler.LeasesHandler)
	mux.HandleFunc("/api/pool/reload", s.app.PoolHandler.ReloadHandler)

	// API routes - Circuit breaker
	mux.HandleFunc("/api/pool/breaker/pause", s.app.PoolHandler.PauseHandler)
	mux.HandleFunc("/api/pool/breaker/reset", s.app.PoolHandler.ResetBreakerHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// Prometheus scrape endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{}))

	// 404 for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}
