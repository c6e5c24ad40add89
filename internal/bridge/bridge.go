package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nerrad567/tds-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/tds-relay/internal/relay"
)

// Bridge operation constants.
const (
	// breakerFailures is how many consecutive publish failures open the breaker.
	breakerFailures = 5

	// defaultBreakerTimeout is how long the breaker stays open before a trial publish.
	defaultBreakerTimeout = 30 * time.Second

	// breakerInterval resets the failure counts while closed.
	breakerInterval = 60 * time.Second

	// defaultRetryInterval paces retries of publishes that did not go out.
	defaultRetryInterval = 5 * time.Second
)

// MQTTClient is the subset of *mqtt.Client the bridge needs.
// This allows mocking in tests.
type MQTTClient interface {
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Logger is the structured logger the bridge writes to.
// Satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// DeviceID selects the topics (tdsrelay/.../{DeviceID}).
	DeviceID string

	// QoS for the telemetry subscriptions.
	QoS byte

	// Store is the state the bridge reads and writes.
	Store *relay.Store

	// MQTT is the broker connection.
	MQTT MQTTClient

	// Logger is optional.
	Logger Logger

	// RetryInterval paces retries of unpublished state. Default: 5s.
	RetryInterval time.Duration

	// BreakerTimeout is how long the publish breaker stays open. Default: 30s.
	BreakerTimeout time.Duration
}

// Bridge moves telemetry from MQTT into the store and store changes back out.
//
// Outbound publishes always carry the store's current values. A change marks
// the command (and after telemetry the snapshot) dirty; the worker clears the
// mark only once the broker has accepted the publish.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	deviceID string
	qos      byte
	store    *relay.Store
	mqtt     MQTTClient
	logger   Logger
	breaker  *gobreaker.CircuitBreaker

	topics struct {
		telemetry, legacy, command, state string
	}

	wake          chan struct{}
	commandDirty  atomic.Bool
	stateDirty    atomic.Bool
	stateSeen     atomic.Bool
	retryInterval time.Duration
	unsubscribe   func()

	done     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("%w: MQTT client", ErrMissingDependency)
	}
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("%w: device ID", ErrMissingDependency)
	}

	b := &Bridge{
		deviceID:      opts.DeviceID,
		qos:           opts.QoS,
		store:         opts.Store,
		mqtt:          opts.MQTT,
		logger:        opts.Logger,
		wake:          make(chan struct{}, 1),
		retryInterval: opts.RetryInterval,
		done:          make(chan struct{}),
	}
	if b.retryInterval <= 0 {
		b.retryInterval = defaultRetryInterval
	}
	breakerTimeout := opts.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = defaultBreakerTimeout
	}

	t := mqtt.Topics{}
	b.topics.telemetry = t.Telemetry(opts.DeviceID)
	b.topics.legacy = t.LegacyTelemetry(opts.DeviceID)
	b.topics.command = t.MotorCommand(opts.DeviceID)
	b.topics.state = t.State(opts.DeviceID)

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "mqtt-publish",
		Interval: breakerInterval,
		Timeout:  breakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logWarn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			if to != gobreaker.StateOpen {
				b.Resync()
			}
		},
	})

	return b, nil
}

// Start subscribes to the telemetry topics, starts the publish worker and
// publishes the current command so a late-joining device sees it.
func (b *Bridge) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return nil
	}

	if err := b.mqtt.Subscribe(b.topics.telemetry, b.qos, b.handleTelemetry); err != nil {
		return fmt.Errorf("subscribe to telemetry: %w", err)
	}
	if err := b.mqtt.Subscribe(b.topics.legacy, b.qos, b.handleLegacyTelemetry); err != nil {
		if uerr := b.mqtt.Unsubscribe(b.topics.telemetry); uerr != nil {
			b.logDebug("unsubscribe failed", "topic", b.topics.telemetry, "error", uerr)
		}
		return fmt.Errorf("subscribe to legacy telemetry: %w", err)
	}

	b.wg.Add(1)
	go b.run(ctx)

	b.unsubscribe = b.store.Subscribe(b.onChange)
	b.commandDirty.Store(true)
	b.signal()
	b.started = true

	b.logInfo("MQTT bridge started",
		"device_id", b.deviceID,
		"telemetry_topic", b.topics.telemetry,
		"command_topic", b.topics.command)

	return nil
}

// Stop detaches from the store, flushes pending publishes and unsubscribes.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.startMu.Lock()
		started := b.started
		b.startMu.Unlock()

		if b.unsubscribe != nil {
			b.unsubscribe()
		}
		close(b.done)
		b.wg.Wait()

		if started && b.mqtt.IsConnected() {
			for _, topic := range []string{b.topics.telemetry, b.topics.legacy} {
				if err := b.mqtt.Unsubscribe(topic); err != nil {
					b.logDebug("unsubscribe failed", "topic", topic, "error", err)
				}
			}
		}

		b.logInfo("MQTT bridge stopped")
	})
}

// Resync republishes the current command, and the snapshot once telemetry
// has been seen. Call it after the broker connection is re-established.
func (b *Bridge) Resync() {
	b.commandDirty.Store(true)
	if b.stateSeen.Load() {
		b.stateDirty.Store(true)
	}
	b.signal()
}

// handleTelemetry applies a sparse telemetry payload.
func (b *Bridge) handleTelemetry(topic string, payload []byte) error {
	t, err := relay.DecodeTelemetry(payload)
	if err != nil {
		return fmt.Errorf("decoding telemetry from %s: %w", topic, err)
	}

	snap := b.store.ApplyTelemetry(t)
	b.logInfo("telemetry received",
		"source", "mqtt",
		"tds", snap.TDS,
		"voltage", snap.Voltage,
		"distance_cm", snap.DistanceCm,
		"motor_on", snap.MotorOn)
	return nil
}

// handleLegacyTelemetry applies a TDS-only payload.
func (b *Bridge) handleLegacyTelemetry(topic string, payload []byte) error {
	t, err := relay.DecodeLegacyTelemetry(payload)
	if err != nil {
		return fmt.Errorf("decoding legacy telemetry from %s: %w", topic, err)
	}

	b.store.ApplyLegacyTelemetry(t)
	b.logInfo("TDS received",
		"source", "mqtt",
		"tds", t.TDS,
		"voltage", t.Voltage)
	return nil
}

// onChange is the store listener. It never blocks the writer.
func (b *Bridge) onChange(c relay.Change) {
	b.commandDirty.Store(true)
	if c.Kind != relay.ChangeCommand {
		b.stateSeen.Store(true)
		b.stateDirty.Store(true)
	}
	b.signal()
}

func (b *Bridge) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// run publishes dirty values until Stop, retrying on a ticker while the
// broker or breaker refuses them.
func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.wake:
			b.flush()
		case <-ticker.C:
			if b.commandDirty.Load() || b.stateDirty.Load() {
				b.flush()
			}
		case <-ctx.Done():
			b.flush()
			return
		case <-b.done:
			b.flush()
			return
		}
	}
}

// flush publishes the store's current command and snapshot for whichever
// is dirty. The mark is cleared before reading the store so a change that
// lands mid-publish is picked up on the next pass.
func (b *Bridge) flush() {
	if b.commandDirty.Swap(false) {
		if err := b.publish(b.topics.command, encodeMotorCommand(b.store.GetCommand())); err != nil {
			b.commandDirty.Store(true)
		}
	}

	if b.stateDirty.Swap(false) {
		state, err := encodeState(b.store.GetSnapshot())
		if err != nil {
			b.logError("encoding state failed", "error", err)
			return
		}
		if err := b.publish(b.topics.state, state); err != nil {
			b.stateDirty.Store(true)
		}
	}
}

// publish sends one retained message through the circuit breaker.
func (b *Bridge) publish(topic string, payload []byte) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.mqtt.PublishRetained(topic, payload)
	})
	switch {
	case err == nil:
		b.logDebug("published", "topic", topic)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.logDebug("publish deferred, breaker open", "topic", topic)
	default:
		b.logError("publish failed", "topic", topic, "error", err)
	}
	return err
}

func (b *Bridge) logDebug(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, args...)
	}
}

func (b *Bridge) logInfo(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Info(msg, args...)
	}
}

func (b *Bridge) logWarn(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
}

func (b *Bridge) logError(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Error(msg, args...)
	}
}
