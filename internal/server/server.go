// Package server implements the aggregator HTTP API: the /track merge
// endpoint the agents deliver to, plus the read endpoints that serve
// stats and dashboard views.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/codetally/codetally/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the aggregator server configuration.
type Config struct {
	ListenAddr string
}

// Server represents the aggregator HTTP server.
type Server struct {
	config   Config
	store    storage.Store
	auth     *AuthService
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new aggregator server.
func NewServer(cfg Config, store storage.Store, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		config: cfg,
		store:  store,
		auth:   NewAuthService(store.Users(), logger),
		router: router,
		logger: logger.With().Str("component", "server").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	// Public routes (no auth required)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Authenticated routes
	authRouter := s.router.PathPrefix("/").Subrouter()
	authRouter.Use(AuthMiddleware())

	authRouter.HandleFunc("/track", s.handleTrack).Methods("POST")
	authRouter.HandleFunc("/stats/{userId}", s.handleStats).Methods("GET")
	authRouter.HandleFunc("/dashboard/{userId}", s.handleDashboard).Methods("GET")
	authRouter.HandleFunc("/users/{userId}/days", s.handlePruneDays).Methods("DELETE")
	authRouter.HandleFunc("/users/{userId}", s.handleDeleteUser).Methods("DELETE")
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting aggregator server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Aggregator server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping aggregator server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// LoggingMiddleware creates middleware for logging HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("API request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
