package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/tds-relay/internal/infrastructure/config"
	"github.com/nerrad567/tds-relay/internal/infrastructure/logging"
	"github.com/nerrad567/tds-relay/internal/relay"
)

// fakeStatus is a HealthChecker with a fixed answer.
type fakeStatus bool

func (f fakeStatus) HealthCheck(ctx context.Context) error {
	if !f {
		return errors.New("not connected")
	}
	return ctx.Err()
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Host: "127.0.0.1",
		Port: 0,
		Timeouts: config.APITimeoutConfig{
			Read:  5,
			Write: 5,
			Idle:  5,
		},
	}
}

// testServer creates a Server over a fresh store with the pump commanded on.
func testServer(t *testing.T) (*Server, *relay.Store) {
	t.Helper()
	return testServerWith(t, func(*Deps) {})
}

func testServerWith(t *testing.T, mutate func(*Deps)) (*Server, *relay.Store) {
	t.Helper()

	store := relay.NewStore(relay.Options{MotorOn: true})
	log := logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)

	deps := Deps{
		Config: testAPIConfig(),
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:  log,
		Store:   store,
		Version: "test",
	}
	mutate(&deps)

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // test cleanup

	return srv, store
}

// do sends one request through the server's router.
func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

// wireSnapshot mirrors the GET /api/sensors body.
type wireSnapshot struct {
	TDS        float64 `json:"tds"`
	Voltage    float64 `json:"voltage"`
	DistanceCm float64 `json:"distance_cm"`
	MotorOn    bool    `json:"motor_on"`
	Timestamp  string  `json:"timestamp"`
}

func getSensors(t *testing.T, srv *Server) wireSnapshot {
	t.Helper()

	w := do(t, srv, http.MethodGet, "/api/sensors", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/sensors status = %d, want %d", w.Code, http.StatusOK)
	}
	return decodeBody[wireSnapshot](t, w)
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
	store := relay.NewStore(relay.Options{})

	if _, err := New(Deps{Store: store}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without store should fail")
	}
}

func TestNew_UsesProvidedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	testServerWith(t, func(d *Deps) { d.Registry = reg })

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "tdsrelay_motor_on" {
			found = true
		}
	}
	if !found {
		t.Error("tdsrelay_motor_on not registered on the provided registry")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decodeBody[healthResponse](t, w)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("version = %q, want test", resp.Version)
	}
	if resp.MQTTConnected || resp.InfluxDBConnected {
		t.Error("adapters reported connected with none configured")
	}
}

func TestHealth_AdapterStatus(t *testing.T) {
	srv, _ := testServerWith(t, func(d *Deps) {
		d.MQTT = fakeStatus(true)
		d.InfluxDB = fakeStatus(false)
	})

	resp := decodeBody[healthResponse](t, do(t, srv, http.MethodGet, "/api/health", ""))
	if !resp.MQTTConnected {
		t.Error("mqtt_connected = false, want true")
	}
	if resp.InfluxDBConnected {
		t.Error("influxdb_connected = true, want false")
	}
}

func TestHealth_ContentType(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/health", "")
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/health", "")
	requestID := w.Header().Get("X-Request-ID")
	if _, err := uuid.Parse(requestID); err != nil {
		t.Errorf("X-Request-ID = %q, want a UUID: %v", requestID, err)
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_NoOriginAllowsAny(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/sensors", "")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("ACAO = %q, want %q", got, "*")
	}
}

func TestCORS_EchoesOrigin(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sensors", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("ACAO = %q, want %q", got, "http://dashboard.local")
	}
	if got := w.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	srv, _ := testServerWith(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://dashboard.local"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sensors", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO = %q for disallowed origin, want empty", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, store := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/motor/off", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
	if !store.GetCommand() {
		t.Error("preflight must not reach the handler")
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if e := decodeBody[Error](t, w); e.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeNotFound)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/tds", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/tds status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
	if e := decodeBody[Error](t, w); e.Code != ErrCodeMethodNotAllow {
		t.Errorf("code = %q, want %q", e.Code, ErrCodeMethodNotAllow)
	}
}

func TestBodySizeLimit(t *testing.T) {
	srv, store := testServer(t)
	before := store.GetSnapshot()

	body := `{"tds": 1, "pad": "` + strings.Repeat("x", maxRequestBodySize) + `"}`
	w := do(t, srv, http.MethodPost, "/api/sensors", body)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
	if e := decodeBody[Error](t, w); e.Code != ErrCodePayloadTooLarge {
		t.Errorf("code = %q, want %q", e.Code, ErrCodePayloadTooLarge)
	}
	if store.GetSnapshot() != before {
		t.Error("oversized body changed the snapshot")
	}
}

// ─── Telemetry Endpoint Tests ──────────────────────────────────────

func TestLegacyTelemetry(t *testing.T) {
	srv, store := testServer(t)
	store.ApplyTelemetry(relay.Telemetry{DistanceCm: relay.Float(20)})
	store.SetCommand(false)

	w := do(t, srv, http.MethodPost, "/api/tds", `{"tds": 10, "voltage": 3.3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if resp := decodeBody[statusResponse](t, w); resp.Status != "success" {
		t.Errorf("status = %q, want success", resp.Status)
	}

	got := getSensors(t, srv)
	if got.TDS != 10 || got.Voltage != 3.3 {
		t.Errorf("tds/voltage = %v/%v, want 10/3.3", got.TDS, got.Voltage)
	}
	if got.DistanceCm != 20 {
		t.Errorf("distance_cm = %v, want 20 (unchanged)", got.DistanceCm)
	}
	// The legacy write leaves the motor mirror as of the last sparse update.
	if !got.MotorOn {
		t.Error("motor_on = false, want true (unchanged)")
	}
}

func TestLegacyTelemetry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing voltage", `{"tds": 10}`},
		{"null tds", `{"tds": null, "voltage": 3.3}`},
		{"empty body", ``},
		{"malformed JSON", `{"tds": 10,`},
		{"bool field", `{"tds": true, "voltage": 3.3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store := testServer(t)
			before := store.GetSnapshot()

			w := do(t, srv, http.MethodPost, "/api/tds", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if e := decodeBody[Error](t, w); e.Code != ErrCodeInvalidInput {
				t.Errorf("code = %q, want %q", e.Code, ErrCodeInvalidInput)
			}
			if store.GetSnapshot() != before {
				t.Error("invalid request changed the snapshot")
			}
		})
	}
}

func TestTelemetry_PartialUpdate(t *testing.T) {
	srv, _ := testServer(t)

	if w := do(t, srv, http.MethodPost, "/api/sensors", `{"tds": 100, "voltage": 3.1, "distance_cm": 15}`); w.Code != http.StatusOK {
		t.Fatalf("first update status = %d", w.Code)
	}

	w := do(t, srv, http.MethodPost, "/api/sensors", `{"tds": 42}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp := decodeBody[statusResponse](t, w); resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}

	got := getSensors(t, srv)
	if got.TDS != 42 {
		t.Errorf("tds = %v, want 42", got.TDS)
	}
	if got.Voltage != 3.1 || got.DistanceCm != 15 {
		t.Errorf("voltage/distance_cm = %v/%v, want 3.1/15 (unchanged)", got.Voltage, got.DistanceCm)
	}
}

func TestTelemetry_MotorMirrorsCommand(t *testing.T) {
	srv, _ := testServer(t)

	do(t, srv, http.MethodPost, "/api/motor/off", "")
	do(t, srv, http.MethodPost, "/api/motor/on", "")

	// A device-sent motor_on is ignored.
	w := do(t, srv, http.MethodPost, "/api/sensors", `{"tds": 42, "motor_on": false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	got := getSensors(t, srv)
	if !got.MotorOn {
		t.Error("motor_on = false, want true from the command")
	}
	if got.TDS != 42 {
		t.Errorf("tds = %v, want 42", got.TDS)
	}
}

func TestTelemetry_EmptyBodyRefreshesTimestamp(t *testing.T) {
	srv, store := testServer(t)
	before := store.GetSnapshot()
	time.Sleep(2 * time.Millisecond)

	w := do(t, srv, http.MethodPost, "/api/sensors", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	after := store.GetSnapshot()
	if !after.Timestamp.After(before.Timestamp) {
		t.Errorf("timestamp %v did not advance past %v", after.Timestamp, before.Timestamp)
	}
	if after.TDS != before.TDS || after.Voltage != before.Voltage || after.DistanceCm != before.DistanceCm {
		t.Error("empty update changed readings")
	}
}

func TestTelemetry_InvalidLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"tds":`},
		{"non-numeric string", `{"tds": "high"}`},
		{"object field", `{"voltage": {"v": 3}}`},
		{"array body", `[1, 2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store := testServer(t)
			before := store.GetSnapshot()

			w := do(t, srv, http.MethodPost, "/api/sensors", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if e := decodeBody[Error](t, w); e.Code != ErrCodeInvalidInput {
				t.Errorf("code = %q, want %q", e.Code, ErrCodeInvalidInput)
			}
			if store.GetSnapshot() != before {
				t.Error("invalid request changed the snapshot")
			}
			if got := testutil.ToFloat64(srv.metrics.invalidRequests.WithLabelValues("/api/sensors")); got != 1 {
				t.Errorf("invalid_requests_total = %v, want 1", got)
			}
		})
	}
}

func TestTelemetry_NumericStrings(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodPost, "/api/sensors", `{"tds": "12.5", "voltage": 3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := getSensors(t, srv); got.TDS != 12.5 || got.Voltage != 3 {
		t.Errorf("tds/voltage = %v/%v, want 12.5/3", got.TDS, got.Voltage)
	}
}

func TestGetSensors_Shape(t *testing.T) {
	srv, _ := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/sensors", "")
	raw := decodeBody[map[string]any](t, w)
	for _, key := range []string{"tds", "voltage", "distance_cm", "motor_on", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("response missing %q: %s", key, w.Body.String())
		}
	}

	ts, _ := raw["timestamp"].(string) //nolint:errcheck // checked by Parse below
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t.Fatalf("timestamp %q is not RFC 3339: %v", ts, err)
	}
	if !strings.HasSuffix(ts, "Z") || parsed.Location() != time.UTC {
		t.Errorf("timestamp %q is not UTC", ts)
	}
}

// ─── Motor Endpoint Tests ──────────────────────────────────────────

func TestMotorCommands(t *testing.T) {
	srv, store := testServer(t)
	before := store.GetSnapshot()

	tests := []struct {
		path       string
		wantStatus string
		wantOn     bool
	}{
		{"/api/motor/off", "motor_off", false},
		{"/api/motor/on", "motor_on", true},
		{"/api/motor/off", "motor_off", false},
	}

	for _, tt := range tests {
		w := do(t, srv, http.MethodPost, tt.path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("POST %s status = %d, want %d", tt.path, w.Code, http.StatusOK)
		}
		if resp := decodeBody[statusResponse](t, w); resp.Status != tt.wantStatus {
			t.Errorf("POST %s status = %q, want %q", tt.path, resp.Status, tt.wantStatus)
		}

		state := decodeBody[motorStateResponse](t, do(t, srv, http.MethodGet, "/api/motor/state", ""))
		if state.MotorOn != tt.wantOn {
			t.Errorf("after %s motor_on = %v, want %v", tt.path, state.MotorOn, tt.wantOn)
		}
	}

	if store.GetSnapshot() != before {
		t.Error("motor commands must not touch the snapshot")
	}
}

func TestMotorCommand_IgnoresBody(t *testing.T) {
	srv, store := testServer(t)

	w := do(t, srv, http.MethodPost, "/api/motor/off", `{"motor_on": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if store.GetCommand() {
		t.Error("command = true, want false")
	}
}

// ─── Metrics Tests ─────────────────────────────────────────────────

func TestMetrics_TrackStoreChanges(t *testing.T) {
	srv, store := testServer(t)

	do(t, srv, http.MethodPost, "/api/sensors", `{"tds": 42, "voltage": 3.3, "distance_cm": 12}`)
	do(t, srv, http.MethodPost, "/api/tds", `{"tds": 50, "voltage": 3.2}`)
	do(t, srv, http.MethodPost, "/api/motor/off", "")

	// Changes that bypass HTTP (MQTT) are counted too.
	store.ApplyTelemetry(relay.Telemetry{DistanceCm: relay.Float(9)})

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"telemetry", srv.metrics.telemetryUpdates.WithLabelValues("telemetry"), 2},
		{"legacy", srv.metrics.telemetryUpdates.WithLabelValues("legacy_telemetry"), 1},
		{"motor off", srv.metrics.motorCommands.WithLabelValues("off"), 1},
		{"motor on", srv.metrics.motorCommands.WithLabelValues("on"), 0},
		{"tds", srv.metrics.sensorTDS, 50},
		{"voltage", srv.metrics.sensorVoltage, 3.2},
		{"distance", srv.metrics.sensorDistanceCm, 9},
		{"motor gauge", srv.metrics.motorOn, 0},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestMetrics_Endpoint(t *testing.T) {
	srv, _ := testServer(t)

	do(t, srv, http.MethodPost, "/api/sensors", `{"tds": 42}`)

	w := do(t, srv, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want %d", w.Code, http.StatusOK)
	}

	body := w.Body.String()
	for _, want := range []string{
		"tdsrelay_sensor_tds 42",
		"tdsrelay_motor_on 1",
		"tdsrelay_websocket_clients 0",
		`tdsrelay_http_request_duration_seconds_count{method="POST",route="/api/sensors",status="200"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	logs := &syncBuffer{}
	store := relay.NewStore(relay.Options{MotorOn: true})
	srv, err := New(Deps{
		Config:  testAPIConfig(),
		Logger:  logging.NewWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, "test", logs),
		Store:   store,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if srv.Addr() == "" {
		t.Fatal("Addr() empty after Start")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
	if !strings.Contains(logs.String(), "API running at http://127.0.0.1:") {
		t.Errorf("startup line missing from logs: %s", logs.String())
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/motor/state")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}

	// Detached from the store after Close.
	store.SetCommand(false)
	if got := testutil.ToFloat64(srv.metrics.motorOn); got != 1 {
		t.Errorf("motor gauge = %v after Close, want 1", got)
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first, _ := testServer(t)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	_, port, _ := strings.Cut(first.Addr(), ":")
	second, _ := testServerWith(t, func(d *Deps) {
		n, err := strconv.Atoi(port)
		if err != nil {
			t.Fatalf("port %q: %v", port, err)
		}
		d.Config.Port = n
	})
	if err := second.Start(context.Background()); err == nil {
		t.Error("Start() on a bound port should fail")
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendWS(t *testing.T, conn *websocket.Conn, msg WSMessage) {
	t.Helper()

	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error: %v", err)
	}
}

// readWS reads messages until one satisfies match, failing after 2 seconds.
func readWS(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline) //nolint:errcheck // test deadline
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func isType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func isEvent(eventType string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		return m["type"] == WSTypeEvent && m["event_type"] == eventType
	}
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()

	sendWS(t, conn, WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	})
	readWS(t, conn, isType(WSTypeResponse))
}

func TestWebSocket_InitialValues(t *testing.T) {
	srv, store := testServer(t)
	store.ApplyTelemetry(relay.Telemetry{TDS: relay.Float(77)})

	conn := dialWS(t, srv)
	sendWS(t, conn, WSMessage{
		Type:    WSTypeSubscribe,
		Payload: WSSubscribePayload{Channels: []string{ChannelSensors, ChannelMotor}},
	})

	readWS(t, conn, isType(WSTypeResponse))

	sensors := readWS(t, conn, isEvent(EventSensorsUpdated))
	payload, _ := sensors["payload"].(map[string]any) //nolint:errcheck // nil fails below
	if payload["tds"] != float64(77) {
		t.Errorf("initial tds = %v, want 77", payload["tds"])
	}

	motor := readWS(t, conn, isEvent(EventMotorChanged))
	payload, _ = motor["payload"].(map[string]any) //nolint:errcheck // nil fails below
	if payload["motor_on"] != true {
		t.Errorf("initial motor_on = %v, want true", payload["motor_on"])
	}
}

func TestWebSocket_BroadcastsChanges(t *testing.T) {
	srv, store := testServer(t)
	conn := dialWS(t, srv)
	subscribe(t, conn, ChannelSensors, ChannelMotor)

	if w := do(t, srv, http.MethodPost, "/api/motor/off", ""); w.Code != http.StatusOK {
		t.Fatalf("motor off status = %d", w.Code)
	}
	motor := readWS(t, conn, func(m map[string]any) bool {
		p, _ := m["payload"].(map[string]any) //nolint:errcheck // nil never matches
		return isEvent(EventMotorChanged)(m) && p["motor_on"] == false
	})
	if motor["event_type"] != EventMotorChanged {
		t.Errorf("event_type = %v, want %s", motor["event_type"], EventMotorChanged)
	}

	// A change from outside HTTP, as the MQTT link makes.
	store.ApplyTelemetry(relay.Telemetry{TDS: relay.Float(123)})
	readWS(t, conn, func(m map[string]any) bool {
		p, _ := m["payload"].(map[string]any) //nolint:errcheck // nil never matches
		return isEvent(EventSensorsUpdated)(m) && p["tds"] == float64(123) && p["motor_on"] == false
	})
}

func TestWebSocket_Ping(t *testing.T) {
	srv, _ := testServer(t)
	conn := dialWS(t, srv)

	sendWS(t, conn, WSMessage{Type: WSTypePing, ID: "p1"})
	pong := readWS(t, conn, isType(WSTypePong))
	if pong["id"] != "p1" {
		t.Errorf("pong id = %v, want p1", pong["id"])
	}
}

func TestWebSocket_UnknownChannel(t *testing.T) {
	srv, _ := testServer(t)
	conn := dialWS(t, srv)

	sendWS(t, conn, WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "s1",
		Payload: WSSubscribePayload{Channels: []string{"devices"}},
	})
	msg := readWS(t, conn, isType(WSTypeError))
	payload, _ := msg["payload"].(map[string]any) //nolint:errcheck // nil fails below
	if payload["message"] != "unknown channel: devices" {
		t.Errorf("error message = %v", payload["message"])
	}
}

func TestWebSocket_UnknownType(t *testing.T) {
	srv, _ := testServer(t)
	conn := dialWS(t, srv)

	sendWS(t, conn, WSMessage{Type: "bogus"})
	readWS(t, conn, isType(WSTypeError))
}

// ─── Hub Tests ─────────────────────────────────────────────────────

func newTestClient(hub *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           hub,
		send:          make(chan []byte, 4),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	return c
}

func TestHub_BroadcastOnlyToSubscribers(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard))

	sensors := newTestClient(hub, ChannelSensors)
	motor := newTestClient(hub, ChannelMotor)
	hub.Register(sensors)
	hub.Register(motor)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("ClientCount() = %d, want 2", got)
	}

	hub.Broadcast(ChannelMotor, EventMotorChanged, motorStateResponse{MotorOn: true})

	if len(sensors.send) != 0 {
		t.Error("sensors subscriber received a motor event")
	}
	if len(motor.send) != 1 {
		t.Fatalf("motor subscriber got %d messages, want 1", len(motor.send))
	}

	var msg WSMessage
	if err := json.Unmarshal(<-motor.send, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != EventMotorChanged {
		t.Errorf("message = %+v, want event %s", msg, EventMotorChanged)
	}
}

func TestHub_UnregisterClosesSendOnce(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard))
	c := newTestClient(hub, ChannelSensors)
	hub.Register(c)

	hub.Unregister(c)
	hub.Unregister(c) // must not panic on double close

	if _, ok := <-c.send; ok {
		t.Error("send channel still open after Unregister")
	}
	// Broadcast to a departed client is absorbed.
	c.trySend([]byte("late"))
}

func TestHub_RunClosesClientsOnCancel(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard))
	c := newTestClient(hub)
	hub.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d after Run, want 0", got)
	}
}

func TestNewHub_AppliesDefaults(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard))

	if hub.cfg.PingInterval != defaultWSPingInterval {
		t.Errorf("PingInterval = %d, want %d", hub.cfg.PingInterval, defaultWSPingInterval)
	}
	if hub.cfg.PongTimeout != defaultWSPongTimeout {
		t.Errorf("PongTimeout = %d, want %d", hub.cfg.PongTimeout, defaultWSPongTimeout)
	}
	if hub.cfg.MaxMessageSize != defaultWSMaxMessageSize {
		t.Errorf("MaxMessageSize = %d, want %d", hub.cfg.MaxMessageSize, defaultWSMaxMessageSize)
	}
}
