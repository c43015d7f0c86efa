// Package status provides a thread-safe status tracker for the
// hall-keyboard daemon. It is designed to be read by HTTP handlers and
// the telemetry publisher while the tick loop writes it.
package status

import (
	"sync"
	"time"
)

// KeyInfo is a point-in-time view of one key's matrix state.
type KeyInfo struct {
	Filtered  uint16
	Rest      uint16
	BottomOut uint16
	Distance  uint8
	Pressed   bool
}

// EventCounts tracks dispatched key edges since startup.
type EventCounts struct {
	Presses  int
	Releases int
}

// Config contains daemon configuration for display.
type Config struct {
	TickRateMS int64
	Broker     string
	HTTPPort   string
	ConfigPath string
	StorePath  string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type — safe to use after the lock is released.
type Snapshot struct {
	Profile       uint8
	Layer         uint8
	DefaultLayer  uint8
	Keys          []KeyInfo
	Counts        EventCounts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// PressedCount returns how many keys are logically pressed.
func (s Snapshot) PressedCount() int {
	n := 0
	for _, k := range s.Keys {
		if k.Pressed {
			n++
		}
	}
	return n
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update sets the engine view. Called from the tick loop.
func (t *Tracker) Update(prof, layer, defaultLayer uint8, keys []KeyInfo) {
	t.mu.Lock()
	t.snap.Profile = prof
	t.snap.Layer = layer
	t.snap.DefaultLayer = defaultLayer
	t.snap.Keys = keys
	t.mu.Unlock()
}

// CountEvent adds one press or release to the counters.
func (t *Tracker) CountEvent(pressed bool) {
	t.mu.Lock()
	if pressed {
		t.snap.Counts.Presses++
	} else {
		t.snap.Counts.Releases++
	}
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Counts returns the current event counters.
func (t *Tracker) Counts() EventCounts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap.Counts
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	keys := make([]KeyInfo, len(s.Keys))
	copy(keys, s.Keys)
	s.Keys = keys
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
