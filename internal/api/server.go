package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/skybridge-io/skybridge/internal/proxy"
	"github.com/skybridge-io/skybridge/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()

	// Operational endpoints live outside the session chain
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", metricsHandler).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// The debug endpoint upgrades to a websocket, so it skips the session
	// middleware; wrapped writers cannot be hijacked
	api.HandleFunc("/debug/engine", proxyServer.HandleEngineDebug).Methods("GET")

	// Session-scoped endpoints
	sessioned := api.PathPrefix("").Subrouter()
	sessioned.Use(LoggingMiddleware(h.logger))
	sessioned.Use(SessionMiddleware(h.logger))
	sessioned.Use(RateLimitMiddleware(rateLimiter))

	sessioned.HandleFunc("/weather/current", h.CurrentConditions).Methods("GET")
	sessioned.HandleFunc("/locations/search", h.SearchLocations).Methods("GET")
	sessioned.HandleFunc("/auth/login", h.Login).Methods("POST")
	sessioned.HandleFunc("/auth/logout", h.Logout).Methods("POST")
	sessioned.HandleFunc("/auth/accounts", h.Accounts).Methods("GET")
	sessioned.HandleFunc("/favorites", h.ListFavorites).Methods("GET")
	sessioned.HandleFunc("/favorites", h.AddFavorite).Methods("POST")
	sessioned.HandleFunc("/favorites/{city}", h.RemoveFavorite).Methods("DELETE")
	sessioned.HandleFunc("/session", h.SessionInfo).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Session-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
