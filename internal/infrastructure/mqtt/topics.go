package mqtt

import "fmt"

// TopicPrefix is the root of every relay topic.
//
// Layout:
//
//	tdsrelay/telemetry/{device_id}         device → relay, sparse telemetry
//	tdsrelay/telemetry/{device_id}/legacy  device → relay, tds + voltage
//	tdsrelay/command/{device_id}/motor     relay → device, retained command
//	tdsrelay/state/{device_id}             relay → anyone, retained snapshot
//	tdsrelay/system/status                 relay online/offline (LWT)
const TopicPrefix = "tdsrelay"

// Topics provides builders for relay MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmd := topics.MotorCommand("esp32-01")
//	// Returns: "tdsrelay/command/esp32-01/motor"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// Telemetry returns the topic a device publishes sparse telemetry on.
//
// Example: tdsrelay/telemetry/esp32-01
func (Topics) Telemetry(deviceID string) string {
	return fmt.Sprintf("%s/telemetry/%s", TopicPrefix, deviceID)
}

// LegacyTelemetry returns the topic for TDS-only telemetry.
//
// Example: tdsrelay/telemetry/esp32-01/legacy
func (Topics) LegacyTelemetry(deviceID string) string {
	return fmt.Sprintf("%s/telemetry/%s/legacy", TopicPrefix, deviceID)
}

// MotorCommand returns the retained actuator command topic.
//
// Example: tdsrelay/command/esp32-01/motor
func (Topics) MotorCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s/motor", TopicPrefix, deviceID)
}

// State returns the retained snapshot topic.
//
// Example: tdsrelay/state/esp32-01
func (Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, deviceID)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the system status topic.
//
// Example: tdsrelay/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", TopicPrefix)
}
