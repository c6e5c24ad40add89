package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/tds-relay/internal/relay"
)

// metricsNamespace prefixes every collector name.
const metricsNamespace = "tdsrelay"

// metrics holds the Prometheus collectors exposed on GET /metrics.
type metrics struct {
	telemetryUpdates *prometheus.CounterVec
	motorCommands    *prometheus.CounterVec
	invalidRequests  *prometheus.CounterVec

	sensorTDS        prometheus.Gauge
	sensorVoltage    prometheus.Gauge
	sensorDistanceCm prometheus.Gauge
	motorOn          prometheus.Gauge

	requestDuration *prometheus.HistogramVec
}

// newMetrics creates the collectors and registers them on reg, together with
// the Go runtime and process collectors.
func newMetrics(reg prometheus.Registerer, hub *Hub) (*metrics, error) {
	m := &metrics{
		telemetryUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "telemetry_updates_total",
			Help:      "Telemetry updates applied to the store, by kind.",
		}, []string{"kind"}),
		motorCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "motor_commands_total",
			Help:      "Motor commands applied to the store, by resulting state.",
		}, []string{"state"}),
		invalidRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invalid_requests_total",
			Help:      "Requests rejected as invalid input, by route.",
		}, []string{"route"}),
		sensorTDS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sensor_tds",
			Help:      "Last reported total dissolved solids (ppm).",
		}),
		sensorVoltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sensor_voltage",
			Help:      "Last reported probe voltage.",
		}),
		sensorDistanceCm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sensor_distance_cm",
			Help:      "Last reported ultrasonic distance (cm).",
		}),
		motorOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "motor_on",
			Help:      "Current motor command (1 = on).",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	wsClients := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "websocket_clients",
		Help:      "Connected WebSocket clients.",
	}, func() float64 { return float64(hub.ClientCount()) })

	for _, c := range []prometheus.Collector{
		m.telemetryUpdates,
		m.motorCommands,
		m.invalidRequests,
		m.sensorTDS,
		m.sensorVoltage,
		m.sensorDistanceCm,
		m.motorOn,
		m.requestDuration,
		wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// observeChange updates counters and gauges for one store mutation.
func (m *metrics) observeChange(c relay.Change) {
	switch c.Kind {
	case relay.ChangeCommand:
		m.motorCommands.WithLabelValues(motorLabel(c.MotorOn)).Inc()
	case relay.ChangeTelemetry, relay.ChangeLegacyTelemetry:
		m.telemetryUpdates.WithLabelValues(string(c.Kind)).Inc()
	}
	m.observeSnapshot(c.Snapshot, c.MotorOn)
}

// observeSnapshot sets the gauges to the given state.
func (m *metrics) observeSnapshot(s relay.Snapshot, motorOn bool) {
	m.sensorTDS.Set(s.TDS)
	m.sensorVoltage.Set(s.Voltage)
	m.sensorDistanceCm.Set(s.DistanceCm)
	if motorOn {
		m.motorOn.Set(1)
	} else {
		m.motorOn.Set(0)
	}
}

// observeRequest records one HTTP request in the latency histogram.
func (m *metrics) observeRequest(method, route string, status int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(method, route, statusLabel(status)).Observe(elapsed.Seconds())
}

func motorLabel(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
