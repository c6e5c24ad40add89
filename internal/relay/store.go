package relay

import (
	"sync"
	"time"
)

// Listener is called after every store mutation.
type Listener func(Change)

// Options configures a new Store.
type Options struct {
	// MotorOn is the actuator command at startup.
	MotorOn bool

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Store holds one Snapshot and one actuator command.
//
// All public methods are thread-safe. A single mutex covers both values,
// so every read observes exactly one completed write.
type Store struct {
	mu       sync.Mutex
	snapshot Snapshot
	motorOn  bool
	clock    func() time.Time

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	nextID      uint64
}

// NewStore creates a store with zeroed readings and the configured command.
// The initial snapshot carries the command and the construction time.
func NewStore(opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store{
		motorOn:   opts.MotorOn,
		clock:     clock,
		listeners: make(map[uint64]Listener),
	}
	// The snapshot starts in step with the command.
	s.snapshot = Snapshot{
		MotorOn:   opts.MotorOn,
		Timestamp: s.now(),
	}
	return s
}

// ApplyLegacyTelemetry overwrites tds and voltage and refreshes the timestamp.
// DistanceCm and MotorOn are left as they are.
func (s *Store) ApplyLegacyTelemetry(t LegacyTelemetry) Snapshot {
	s.mu.Lock()
	s.snapshot.TDS = t.TDS
	s.snapshot.Voltage = t.Voltage
	s.snapshot.Timestamp = s.now()
	change := Change{Kind: ChangeLegacyTelemetry, Snapshot: s.snapshot, MotorOn: s.motorOn}
	s.mu.Unlock()

	s.notify(change)
	return change.Snapshot
}

// ApplyTelemetry merges a sparse update into the snapshot, copies the
// current command into MotorOn and refreshes the timestamp.
func (s *Store) ApplyTelemetry(t Telemetry) Snapshot {
	s.mu.Lock()
	mergeFloat(&s.snapshot.TDS, t.TDS)
	mergeFloat(&s.snapshot.Voltage, t.Voltage)
	mergeFloat(&s.snapshot.DistanceCm, t.DistanceCm)
	s.snapshot.MotorOn = s.motorOn
	s.snapshot.Timestamp = s.now()
	change := Change{Kind: ChangeTelemetry, Snapshot: s.snapshot, MotorOn: s.motorOn}
	s.mu.Unlock()

	s.notify(change)
	return change.Snapshot
}

// GetSnapshot returns a copy of the current snapshot.
func (s *Store) GetSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// SetCommand sets the actuator command. The snapshot is not modified.
func (s *Store) SetCommand(on bool) {
	s.mu.Lock()
	s.motorOn = on
	change := Change{Kind: ChangeCommand, Snapshot: s.snapshot, MotorOn: on}
	s.mu.Unlock()

	s.notify(change)
}

// GetCommand returns the current actuator command.
func (s *Store) GetCommand() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motorOn
}

// Subscribe registers a listener for every future mutation and returns a
// function that removes it.
//
// Listeners run synchronously in the writer's goroutine after the store lock
// is released. Slow listeners delay the writer's response, not other writers.
// When writers race, listeners may see their changes in either order; the
// snapshot timestamp tells which is newer.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// notify delivers a change to all listeners.
func (s *Store) notify(c Change) {
	s.listenersMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(c)
	}
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// mergeFloat overwrites *dst when v is present.
func mergeFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
