package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/tds-relay/internal/relay"
)

// statusResponse is the acknowledgement body of the write endpoints.
type statusResponse struct {
	Status string `json:"status"`
}

// handleLegacyTelemetry handles POST /api/tds.
//
// The body must carry both tds and voltage. Distance and the motor mirror
// are left untouched.
func (s *Server) handleLegacyTelemetry(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	t, err := relay.DecodeLegacyTelemetry(body)
	if err != nil {
		s.rejectInvalid(w, r, err)
		return
	}

	s.store.ApplyLegacyTelemetry(t)
	s.logger.Info("TDS received", "tds", t.TDS, "voltage", t.Voltage, "source", "http")

	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

// handleTelemetry handles POST /api/sensors.
//
// Every field is optional; absent or null fields keep their stored value.
// An empty body is an empty update and only refreshes the timestamp.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	t, err := relay.DecodeTelemetry(body)
	if err != nil {
		s.rejectInvalid(w, r, err)
		return
	}

	snap := s.store.ApplyTelemetry(t)
	s.logger.Info("telemetry received",
		"tds", snap.TDS,
		"voltage", snap.Voltage,
		"distance_cm", snap.DistanceCm,
		"motor_on", snap.MotorOn,
		"source", "http",
	)

	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// handleGetSensors handles GET /api/sensors.
func (s *Server) handleGetSensors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetSnapshot())
}

// readBody reads the request body, answering 413 when it exceeds
// maxRequestBodySize. ok is false when a response has been written.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (body []byte, ok bool) {
	if r.Body == nil {
		return nil, true
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body exceeds 1 MB")
			return nil, false
		}
		writeBadRequest(w, "failed to read request body")
		return nil, false
	}
	return body, true
}

// rejectInvalid answers 400 invalid_input and counts the rejection.
// The store has not been touched.
func (s *Server) rejectInvalid(w http.ResponseWriter, r *http.Request, err error) {
	route := routePattern(r)
	s.metrics.invalidRequests.WithLabelValues(route).Inc()
	s.logger.Warn("invalid telemetry rejected",
		"route", route,
		"error", err,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)

	msg := err.Error()
	if !errors.Is(err, relay.ErrInvalidInput) {
		msg = "invalid request body"
	}
	writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, msg)
}
