// Package influxdb mirrors relay telemetry and motor commands into InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The relay only writes;
// nothing is ever read back, so the relay itself keeps no history.
//
// # Measurements
//
//	sensor_readings  tag device_id; fields tds, voltage, distance_cm, motor_on
//	motor_commands   tag device_id; field motor_on
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteMotorCommand("esp32-01", true, time.Now())
//
// # Error Handling
//
// Writes are non-blocking and batched (batch_size, flush_interval in
// config.yaml). Batch errors are delivered to the SetOnError callback.
// Connection and health check errors are returned directly.
package influxdb
