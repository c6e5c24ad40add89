package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	// Prometheus exposition (no auth, same as health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Device endpoints. Paths are fixed by deployed firmware.
		r.Post("/tds", s.handleLegacyTelemetry)
		r.Post("/sensors", s.handleTelemetry)
		r.Get("/motor/state", s.handleMotorState)

		// Operator endpoints
		r.Get("/sensors", s.handleGetSensors)
		r.Post("/motor/on", s.handleMotorOn)
		r.Post("/motor/off", s.handleMotorOff)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// healthResponse is the body of GET /api/health.
type healthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	MQTTConnected     bool   `json:"mqtt_connected"`
	InfluxDBConnected bool   `json:"influxdb_connected"`
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		Version:           s.version,
		MQTTConnected:     healthy(r.Context(), s.mqtt),
		InfluxDBConnected: healthy(r.Context(), s.influx),
	})
}
