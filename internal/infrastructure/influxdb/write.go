package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementSensorReadings = "sensor_readings"
	measurementMotorCommands  = "motor_commands"
)

// SensorReading is one telemetry snapshot as written to InfluxDB.
type SensorReading struct {
	DeviceID   string
	TDS        float64
	Voltage    float64
	DistanceCm float64
	MotorOn    bool
	Time       time.Time
}

// WriteSensorReading records a telemetry snapshot.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Does nothing when the client is not connected.
//
// Example:
//
//	client.WriteSensorReading(influxdb.SensorReading{
//	    DeviceID: "esp32-01", TDS: 412, Voltage: 1.8, DistanceCm: 23, Time: time.Now(),
//	})
func (c *Client) WriteSensorReading(r SensorReading) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sensorReadingPoint(r))
}

// WriteMotorCommand records an operator command.
func (c *Client) WriteMotorCommand(deviceID string, motorOn bool, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(motorCommandPoint(deviceID, motorOn, at))
}

func sensorReadingPoint(r SensorReading) *write.Point {
	return write.NewPoint(
		measurementSensorReadings,
		map[string]string{
			"device_id": r.DeviceID,
		},
		map[string]interface{}{
			"tds":         r.TDS,
			"voltage":     r.Voltage,
			"distance_cm": r.DistanceCm,
			"motor_on":    r.MotorOn,
		},
		pointTime(r.Time),
	)
}

func motorCommandPoint(deviceID string, motorOn bool, at time.Time) *write.Point {
	return write.NewPoint(
		measurementMotorCommands,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"motor_on": motorOn,
		},
		pointTime(at),
	)
}

// pointTime substitutes now for a zero timestamp.
func pointTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
