package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/tds-relay/internal/infrastructure/config"
	"github.com/nerrad567/tds-relay/internal/infrastructure/logging"
	"github.com/nerrad567/tds-relay/internal/relay"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// healthCheckTimeout bounds each adapter check behind GET /api/health.
const healthCheckTimeout = 2 * time.Second

// HealthChecker verifies an optional adapter's connection.
// Satisfied by *mqtt.Client and *influxdb.Client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger
	Store  *relay.Store

	// MQTT and InfluxDB are optional and only feed GET /api/health.
	MQTT     HealthChecker
	InfluxDB HealthChecker

	// Registry receives the server's collectors and backs GET /metrics.
	// New creates a private registry when nil.
	Registry *prometheus.Registry

	Version string
}

// Server is the HTTP API server for the TDS relay.
//
// It manages the HTTP listener, routes, middleware, metrics and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	store    *relay.Store
	mqtt     HealthChecker
	influx   HealthChecker
	version  string
	registry *prometheus.Registry
	metrics  *metrics
	hub      *Hub
	router   http.Handler

	server      *http.Server
	listener    net.Listener
	cancel      context.CancelFunc // cancels background goroutines on Close()
	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a new API server with the given dependencies.
//
// The server subscribes to the store immediately, so WebSocket clients and
// metrics see every change from then on. The listener is not opened until
// Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, store); adapters are optional
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("relay store is required")
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		store:    deps.Store,
		mqtt:     deps.MQTT,
		influx:   deps.InfluxDB,
		version:  deps.Version,
		registry: registry,
	}

	s.hub = NewHub(s.wsCfg, s.logger)
	s.hub.SetInitialEvents(s.initialEvent)

	m, err := newMetrics(registry, s.hub)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	s.metrics = m
	s.metrics.observeSnapshot(s.store.GetSnapshot(), s.store.GetCommand())

	s.router = s.buildRouter()
	s.unsubscribe = s.store.Subscribe(s.handleStoreChange)

	return s, nil
}

// Handler returns the root HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start opens the listener and serves in a background goroutine.
//
// The listener is bound before Start returns, so a port already in use is
// reported here rather than logged later.
//
// Parameters:
//   - ctx: Parent for the hub's lifetime; cancelling it disconnects
//     WebSocket clients but does not stop the listener (use Close)
//
// Returns:
//   - error: If the address cannot be bound
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	srv := &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}
	s.server = srv
	s.listener = ln

	scheme := "http"
	if s.cfg.TLS.Enabled {
		scheme = "https"
	}
	s.logger.Info(fmt.Sprintf("API running at %s://%s", scheme, s.displayAddr()))

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// displayAddr is the configured host with the bound port, so port 0
// resolves to the real port in the startup line.
func (s *Server) displayAddr() string {
	_, port, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		return s.server.Addr
	}
	return net.JoinHostPort(s.cfg.Host, port)
}

// Close gracefully shuts down the API server.
//
// It detaches from the store, disconnects WebSocket clients and waits up to
// 10 seconds for in-flight requests to complete.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.server == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		s.logger.Info("API server shutting down")
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutting down API server: %w", shutdownErr)
		}
	})
	return err
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// handleStoreChange fans a store mutation out to metrics and WebSocket clients.
func (s *Server) handleStoreChange(c relay.Change) {
	s.metrics.observeChange(c)

	switch c.Kind {
	case relay.ChangeCommand:
		s.hub.Broadcast(ChannelMotor, EventMotorChanged, motorStateResponse{MotorOn: c.MotorOn})
	case relay.ChangeTelemetry, relay.ChangeLegacyTelemetry:
		s.hub.Broadcast(ChannelSensors, EventSensorsUpdated, c.Snapshot)
	}
}

// initialEvent returns the current value pushed to a client on subscribe.
func (s *Server) initialEvent(channel string) (string, any, bool) {
	switch channel {
	case ChannelSensors:
		return EventSensorsUpdated, s.store.GetSnapshot(), true
	case ChannelMotor:
		return EventMotorChanged, motorStateResponse{MotorOn: s.store.GetCommand()}, true
	default:
		return "", nil, false
	}
}

// healthy runs an optional adapter's check; nil means not configured.
func healthy(ctx context.Context, c HealthChecker) bool {
	if c == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return c.HealthCheck(ctx) == nil
}
