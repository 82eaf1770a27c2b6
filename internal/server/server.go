// Package server provides the HTTP surface of the session orchestrator.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/workspace/agentd/internal/auth"
	"github.com/workspace/agentd/internal/config"
	"github.com/workspace/agentd/internal/registry"
)

// Server is the HTTP server fronting the session registry.
type Server struct {
	config       *config.Config
	httpServer   *http.Server
	registry     *registry.Registry
	jwtValidator *auth.JWTValidator
}

// New creates a new server instance. The JWT validator is optional; when
// nil the API is unauthenticated.
func New(cfg *config.Config, reg *registry.Registry, validator *auth.JWTValidator) *Server {
	s := &Server{
		config:       cfg,
		registry:     reg,
		jwtValidator: validator,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally zero because the event stream is a
	// long-lived WebSocket. Go's http.Server.WriteTimeout sets a deadline
	// on the underlying net.Conn BEFORE the handler runs, which kills
	// hijacked WebSocket connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(s.authMiddleware(mux), cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	slog.Info("Starting session orchestrator", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the HTTP server. In-flight requests get until the
// context deadline to finish; session draining is the registry's job and
// happens before this is called.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{sessionId}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{sessionId}/cancel", s.handleCancelSession)
	mux.HandleFunc("DELETE /sessions/{sessionId}", s.handleRetireSession)

	// Event stream WebSocket
	mux.HandleFunc("GET /sessions/{sessionId}/stream", s.handleSessionStream)
}

// authMiddleware enforces bearer-token authentication when a JWT validator
// is configured. The health endpoint stays open for probes. WebSocket
// clients may pass the token as a query parameter since browsers cannot
// set headers on upgrade requests.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.jwtValidator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		if _, err := s.jwtValidator.Validate(token); err != nil {
			slog.Warn("Token validation failed", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			// Support wildcard subdomain patterns like "https://*.example.com"
			if strings.Contains(o, "*.") {
				wildcardIdx := strings.Index(o, "*.")
				prefix := o[:wildcardIdx]
				suffix := o[wildcardIdx+1:] // includes the dot
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
