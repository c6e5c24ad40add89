package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Number is a telemetry reading as it arrives on the wire. It accepts a JSON
// number or a string holding a finite decimal number ("12.5"), because some
// device firmware formats readings as strings.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var v float64
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %s is not a number", ErrInvalidInput, data)
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrInvalidInput, s)
		}
		v = parsed
	} else if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %s is not a number", ErrInvalidInput, data)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is not a finite number", ErrInvalidInput, data)
	}

	*n = Number(v)
	return nil
}

// telemetryPayload is the wire shape of a sparse telemetry update.
// Unknown keys, including any motor_on sent by the device, are ignored.
type telemetryPayload struct {
	TDS        *Number `json:"tds"`
	Voltage    *Number `json:"voltage"`
	DistanceCm *Number `json:"distance_cm"`
}

// legacyPayload is the wire shape of the TDS-only update.
type legacyPayload struct {
	TDS     *Number `json:"tds"`
	Voltage *Number `json:"voltage"`
}

// DecodeTelemetry parses a sparse telemetry payload. An empty body is an
// empty update. Absent and null fields stay nil.
//
// Returns ErrInvalidInput (wrapped) for malformed JSON or non-numeric fields.
func DecodeTelemetry(data []byte) (Telemetry, error) {
	var p telemetryPayload
	if err := decodeObject(data, &p); err != nil {
		return Telemetry{}, err
	}

	return Telemetry{
		TDS:        p.TDS.float(),
		Voltage:    p.Voltage.float(),
		DistanceCm: p.DistanceCm.float(),
	}, nil
}

// DecodeLegacyTelemetry parses a TDS-only payload. Both tds and voltage are
// required.
//
// Returns ErrInvalidInput (wrapped) for malformed JSON, missing fields or
// non-numeric fields.
func DecodeLegacyTelemetry(data []byte) (LegacyTelemetry, error) {
	var p legacyPayload
	if err := decodeObject(data, &p); err != nil {
		return LegacyTelemetry{}, err
	}

	var missing []string
	if p.TDS == nil {
		missing = append(missing, "tds")
	}
	if p.Voltage == nil {
		missing = append(missing, "voltage")
	}
	if len(missing) > 0 {
		return LegacyTelemetry{}, fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}

	return LegacyTelemetry{
		TDS:     float64(*p.TDS),
		Voltage: float64(*p.Voltage),
	}, nil
}

// decodeObject unmarshals a JSON object into v, treating an empty body as {}.
func decodeObject(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	err := json.Unmarshal(data, v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidInput):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
}

func (n *Number) float() *float64 {
	if n == nil {
		return nil
	}
	v := float64(*n)
	return &v
}
