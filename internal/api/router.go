package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/session", s.handleSessionStatus)
			r.Post("/session", s.handleAuthenticate)
			r.Post("/code", s.handleRequestCode)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/refresh", s.handleRefreshDevice)
				r.Get("/history", s.handleDeviceHistory)
				r.Get("/water", s.handleWaterUsage)
				r.Get("/commands", s.handleListCommands)
				r.Post("/commands", s.handleSetField)
				r.Get("/commands/{cid}", s.handleGetCommand)
			})
		})

		if s.metrics != nil {
			r.Handle("/metrics", s.metrics)
		}
	})

	wsPath := s.hub.cfg.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	return r
}

// handleHealth returns basic liveness and version information.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"devices":        len(s.shadows.List()),
		"ws_clients":     s.hub.ClientCount(),
	}
	if s.sessions != nil {
		cur, ok := s.sessions.Current()
		resp["session_valid"] = ok && !cur.Expired(time.Now())
	}
	writeJSON(w, http.StatusOK, resp)
}
