package main

import (
	"time"

	"github.com/nerrad567/tds-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/tds-relay/internal/relay"
)

// readingWriter is the subset of *influxdb.Client the mirror needs.
type readingWriter interface {
	WriteSensorReading(r influxdb.SensorReading)
	WriteMotorCommand(deviceID string, motorOn bool, at time.Time)
}

// influxMirror returns a store listener that copies every change to w.
// Telemetry changes become sensor readings stamped with the snapshot time;
// commands are stamped when written.
func influxMirror(w readingWriter, deviceID string) relay.Listener {
	return func(c relay.Change) {
		switch c.Kind {
		case relay.ChangeCommand:
			w.WriteMotorCommand(deviceID, c.MotorOn, time.Time{})
		case relay.ChangeTelemetry, relay.ChangeLegacyTelemetry:
			w.WriteSensorReading(influxdb.SensorReading{
				DeviceID:   deviceID,
				TDS:        c.Snapshot.TDS,
				Voltage:    c.Snapshot.Voltage,
				DistanceCm: c.Snapshot.DistanceCm,
				MotorOn:    c.Snapshot.MotorOn,
				Time:       c.Snapshot.Timestamp,
			})
		}
	}
}
