// Package mqtt provides MQTT client connectivity for the TDS relay.
//
// This package manages:
//   - Connection to the broker, with backoff on the first attempt and
//     auto-reconnect afterwards
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// MQTT is an optional second transport next to HTTP. Devices that keep a
// broker connection publish telemetry and receive the retained motor command
// without polling.
//
//	ESP32 ↔ MQTT Broker ↔ TDS relay ↔ HTTP clients
//
// The topic layout lives in topics.go.
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS=true) when the broker is not on a trusted LAN
//   - Credentials are validated against the broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.Telemetry("esp32-01"), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	client.PublishRetained(mqtt.Topics{}.MotorCommand("esp32-01"), []byte(`{"motor_on":true}`))
package mqtt
