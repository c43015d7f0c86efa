package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string     `json:"event,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Profile       uint8      `json:"profile"`
	Layer         uint8      `json:"layer"`
	DefaultLayer  uint8      `json:"default_layer"`
	PressedKeys   int        `json:"pressed_keys"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	StartTime     string     `json:"start_time"`
	Timestamp     string     `json:"timestamp"`
	MQTT          MQTTStatus `json:"mqtt"`
	Counts        CountsJSON `json:"event_counts"`
	Keys          []KeyJSON  `json:"keys,omitempty"`
	Config        ConfigJSON `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Presses  int `json:"presses"`
	Releases int `json:"releases"`
}

// KeyJSON is the JSON representation of one key's matrix state.
type KeyJSON struct {
	Key       int    `json:"key"`
	Filtered  uint16 `json:"filtered"`
	Rest      uint16 `json:"rest"`
	BottomOut uint16 `json:"bottom_out"`
	Distance  uint8  `json:"distance"`
	Pressed   bool   `json:"pressed"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickRateMS int64  `json:"tick_rate_ms"`
	Broker     string `json:"broker"`
	HTTPPort   string `json:"http_port"`
	ConfigPath string `json:"config_path,omitempty"`
	StorePath  string `json:"store_path,omitempty"`
}

func buildInner(snap Snapshot, withKeys bool) StatusInner {
	inner := StatusInner{
		Profile:       snap.Profile,
		Layer:         snap.Layer,
		DefaultLayer:  snap.DefaultLayer,
		PressedKeys:   snap.PressedCount(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Presses:  snap.Counts.Presses,
			Releases: snap.Counts.Releases,
		},
		Config: ConfigJSON{
			TickRateMS: snap.Config.TickRateMS,
			Broker:     snap.Config.Broker,
			HTTPPort:   snap.Config.HTTPPort,
			ConfigPath: snap.Config.ConfigPath,
			StorePath:  snap.Config.StorePath,
		},
	}
	if withKeys {
		inner.Keys = make([]KeyJSON, len(snap.Keys))
		for i, k := range snap.Keys {
			inner.Keys[i] = KeyJSON{
				Key:       i,
				Filtered:  k.Filtered,
				Rest:      k.Rest,
				BottomOut: k.BottomOut,
				Distance:  k.Distance,
				Pressed:   k.Pressed,
			}
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint, including
// the per-key table.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap, true)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
// Key detail is omitted to keep retained messages small.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap, false)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
