package relay

import (
	"encoding/json"
	"time"
)

// TimestampFormat is the wire format of Snapshot.Timestamp: RFC 3339 in UTC
// with millisecond precision, e.g. 2026-01-02T03:04:05.000Z.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Snapshot is the most recently known device telemetry plus the commanded
// actuator state. The JSON field names are what pollers read from
// GET /api/sensors.
type Snapshot struct {
	// TDS is the last reported total dissolved solids value (ppm).
	TDS float64 `json:"tds"`

	// Voltage is the last reported probe/supply voltage.
	Voltage float64 `json:"voltage"`

	// DistanceCm is the last reported ultrasonic distance reading.
	// It is stored and relayed but never drives any decision.
	DistanceCm float64 `json:"distance_cm"`

	// MotorOn mirrors the operator command as of the last telemetry update.
	MotorOn bool `json:"motor_on"`

	// Timestamp is when the snapshot was last written (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON renders the timestamp with TimestampFormat.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type wire struct {
		TDS        float64 `json:"tds"`
		Voltage    float64 `json:"voltage"`
		DistanceCm float64 `json:"distance_cm"`
		MotorOn    bool    `json:"motor_on"`
		Timestamp  string  `json:"timestamp"`
	}
	return json.Marshal(wire{
		TDS:        s.TDS,
		Voltage:    s.Voltage,
		DistanceCm: s.DistanceCm,
		MotorOn:    s.MotorOn,
		Timestamp:  s.Timestamp.UTC().Format(TimestampFormat),
	})
}

// Telemetry is a sparse telemetry update. A nil field is absent and leaves
// the stored value unchanged.
//
// There is no motor field: the device never sets the motor state.
type Telemetry struct {
	TDS        *float64
	Voltage    *float64
	DistanceCm *float64
}

// LegacyTelemetry is the payload of the original TDS-only endpoint.
// Both fields always overwrite the stored values.
type LegacyTelemetry struct {
	TDS     float64
	Voltage float64
}

// ChangeKind identifies which operation produced a Change.
type ChangeKind string

// Change kinds.
const (
	ChangeTelemetry       ChangeKind = "telemetry"
	ChangeLegacyTelemetry ChangeKind = "legacy_telemetry"
	ChangeCommand         ChangeKind = "command"
)

// Change describes one completed mutation of the store. Listeners receive
// copies, so they may keep or modify them freely.
type Change struct {
	Kind ChangeKind

	// Snapshot is the snapshot right after the mutation.
	Snapshot Snapshot

	// MotorOn is the command right after the mutation.
	MotorOn bool
}

// Float returns a pointer to v. Handy for building Telemetry literals.
func Float(v float64) *float64 {
	return &v
}
