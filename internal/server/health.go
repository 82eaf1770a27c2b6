package server

import "net/http"

// handleHealth handles the health check endpoint. It reports degraded
// while draining so load balancers stop routing new work here.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.registry.Draining() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"activeSessions": s.registry.ActiveCount(),
		"maxSessions":    s.config.MaxConcurrentSessions,
	})
}
