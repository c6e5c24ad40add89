// Package relay provides the State Store for the TDS relay.
//
// The store holds the most recent sensor snapshot reported by the remote
// device and the operator's actuator (pump) command. HTTP handlers, the MQTT
// link and the InfluxDB mirror are thin adapters around it.
//
// # Architecture
//
//	┌──────────────┐  telemetry   ┌──────────────────────────────┐  Change   ┌──────────────┐
//	│ ESP32 device │─────────────▶│            Store             │──────────▶│  listeners   │
//	└──────────────┘              │                              │           │ • WebSocket  │
//	                              │ • Snapshot (tds, voltage,    │           │ • MQTT link  │
//	┌──────────────┐  command     │   distance_cm, motor_on, ts) │           │ • InfluxDB   │
//	│   Operator   │─────────────▶│ • command (bool)             │           │ • metrics    │
//	└──────────────┘              └──────────────────────────────┘           └──────────────┘
//
// # Update Semantics
//
//   - ApplyTelemetry is a sparse merge: nil fields keep their stored value.
//     MotorOn is always copied from the command, never from the device.
//   - ApplyLegacyTelemetry overwrites tds and voltage only.
//   - SetCommand changes the command only. The snapshot picks it up on the
//     next ApplyTelemetry.
//
// # Numeric Input
//
// DecodeTelemetry and DecodeLegacyTelemetry accept JSON numbers and strings
// holding a finite decimal number. Anything else fails with ErrInvalidInput
// and the store is left untouched.
//
// # Thread Safety
//
// One mutex guards the snapshot and the command together, so no reader ever
// sees fields from two different writes. Listeners run after the lock is
// released.
//
// # Usage
//
//	store := relay.NewStore(relay.Options{MotorOn: true})
//	store.SetCommand(false)
//	store.ApplyTelemetry(relay.Telemetry{TDS: relay.Float(412)})
//	snap := store.GetSnapshot() // snap.MotorOn == false
package relay
