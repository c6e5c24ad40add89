package bridge

import (
	"encoding/json"

	"github.com/nerrad567/tds-relay/internal/relay"
)

// motorCommandMessage is the retained payload on the command topic.
type motorCommandMessage struct {
	MotorOn bool `json:"motor_on"`
}

func encodeMotorCommand(on bool) []byte {
	data, _ := json.Marshal(motorCommandMessage{MotorOn: on}) //nolint:errcheck // a bool always marshals
	return data
}

// encodeState renders the snapshot exactly as GET /api/sensors does.
func encodeState(s relay.Snapshot) ([]byte, error) {
	return json.Marshal(s)
}
