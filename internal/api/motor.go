package api

import (
	"net/http"
)

// motorStateResponse is the body of GET /api/motor/state and the payload of
// motor.changed WebSocket events.
type motorStateResponse struct {
	MotorOn bool `json:"motor_on"`
}

// handleMotorOn handles POST /api/motor/on. Any request body is ignored.
func (s *Server) handleMotorOn(w http.ResponseWriter, r *http.Request) {
	s.setMotor(w, r, true)
}

// handleMotorOff handles POST /api/motor/off. Any request body is ignored.
func (s *Server) handleMotorOff(w http.ResponseWriter, r *http.Request) {
	s.setMotor(w, r, false)
}

// setMotor applies an operator command and acknowledges it.
func (s *Server) setMotor(w http.ResponseWriter, r *http.Request, on bool) {
	s.store.SetCommand(on)

	status := "motor_off"
	if on {
		status = "motor_on"
	}
	s.logger.Info("motor command",
		"motor_on", on,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)

	writeJSON(w, http.StatusOK, statusResponse{Status: status})
}

// handleMotorState handles GET /api/motor/state.
func (s *Server) handleMotorState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, motorStateResponse{MotorOn: s.store.GetCommand()})
}
