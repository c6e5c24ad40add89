// Package bridge links the relay store to an MQTT broker.
//
// Devices that hold a broker connection can use MQTT instead of polling the
// HTTP API:
//
//	ESP32 ──► tdsrelay/telemetry/{id}[/legacy] ──► Bridge ──► relay.Store
//	ESP32 ◄── tdsrelay/command/{id}/motor (retained) ◄── Bridge ◄── store changes
//	          tdsrelay/state/{id} (retained snapshot)
//
// Inbound payloads use the same JSON as POST /api/sensors and POST /api/tds
// and are decoded with the same rules. Invalid payloads are logged and
// dropped.
//
// Outbound publishes run on a single worker goroutine woken by a store
// listener, so HTTP handlers never wait on the broker. The worker always
// publishes the store's current values. Publishes pass through a circuit
// breaker; anything refused stays pending and is retried until the broker
// accepts it. Resync republishes after a reconnect.
//
// Usage:
//
//	b, err := bridge.New(bridge.Options{
//	    DeviceID: cfg.Relay.DeviceID,
//	    Store:    store,
//	    MQTT:     mqttClient,
//	    Logger:   log,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Stop()
package bridge
