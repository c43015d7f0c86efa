// Package mqtt publishes keyboard telemetry with abstraction for
// testing. Key edges and lifecycle events go to separate topics so
// home-automation consumers can subscribe narrowly.
package mqtt

import (
	"encoding/json"
	"time"
)

// Topic is the MQTT topic for key events.
const Topic = "input/keyboard/hall/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "input/keyboard/hall/system"

// KeyEvent is one dispatched key edge.
type KeyEvent struct {
	Timestamp time.Time
	Key       uint8
	Pressed   bool
	Layer     uint8
	Profile   uint8
}

// Publisher publishes telemetry to MQTT.
type Publisher interface {
	// Publish sends a key event to the broker.
	// Returns error if publishing fails (must not crash the daemon).
	Publish(event KeyEvent) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (startup, shutdown,
// heartbeat, calibration).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "CALIBRATED"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload is the key-event message structure.
type Payload struct {
	Keyboard KeyboardPayload `json:"keyboard"`
}

// KeyboardPayload contains the key event details.
type KeyboardPayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Key       uint8  `json:"key"`
	Layer     uint8  `json:"layer"`
	Profile   uint8  `json:"profile"`
}

// FormatPayload creates the JSON payload for a key event.
func FormatPayload(event KeyEvent) ([]byte, error) {
	ev := "RELEASE"
	if event.Pressed {
		ev = "PRESS"
	}
	payload := Payload{
		Keyboard: KeyboardPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
			Event:     ev,
			Key:       event.Key,
			Layer:     event.Layer,
			Profile:   event.Profile,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload is the system-event message structure, used for simple
// events that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full
// status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
