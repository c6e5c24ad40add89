// Package api implements the HTTP API and WebSocket feed of the TDS relay.
//
// This package provides:
//   - The device endpoints: POST /api/tds, POST /api/sensors, GET /api/motor/state
//   - The operator endpoints: GET /api/sensors, POST /api/motor/on, POST /api/motor/off
//   - GET /api/health and Prometheus exposition on GET /metrics
//   - A WebSocket hub (GET /api/ws) that pushes store changes to dashboards
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server owns no state. Every handler is a thin adapter over relay.Store:
// decode, call one store method, encode. The server also subscribes to the
// store, so changes arriving over MQTT reach WebSocket clients and metrics
// the same way HTTP changes do.
//
//	ESP32 ──HTTP──► api.Server ──► relay.Store ◄── bridge (MQTT)
//	                     │               │
//	                     ▼               ▼
//	               WebSocket hub    Prometheus gauges
//
// # Security
//
// There is no authentication. Any origin may call the API; restrict
// api.cors.allowed_origins to narrow that.
//
// # Errors
//
// Every error response is JSON: {"status": <http status>, "code": "...", "message": "..."}.
package api
