package mqtt

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestFormatPayload(t *testing.T) {
	ts := time.Date(2026, 8, 5, 10, 30, 0, 0, time.UTC)
	data, err := FormatPayload(KeyEvent{Timestamp: ts, Key: 12, Pressed: true, Layer: 1, Profile: 2})
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Keyboard.Event != "PRESS" {
		t.Errorf("event = %q", p.Keyboard.Event)
	}
	if p.Keyboard.Key != 12 || p.Keyboard.Layer != 1 || p.Keyboard.Profile != 2 {
		t.Errorf("fields = %+v", p.Keyboard)
	}
	if p.Keyboard.Timestamp != "2026-08-05T10:30:00Z" {
		t.Errorf("timestamp = %q", p.Keyboard.Timestamp)
	}

	data, _ = FormatPayload(KeyEvent{Timestamp: ts, Key: 12, Pressed: false})
	json.Unmarshal(data, &p)
	if p.Keyboard.Event != "RELEASE" {
		t.Errorf("release event = %q", p.Keyboard.Event)
	}
}

func TestFormatSystemPayload(t *testing.T) {
	ts := time.Date(2026, 8, 5, 10, 30, 0, 0, time.UTC)
	data, err := FormatSystemPayload(SystemEvent{Timestamp: ts, Event: "SHUTDOWN", Reason: "SIGTERM"})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	var p SystemPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.System.Event != "SHUTDOWN" || p.System.Reason != "SIGTERM" {
		t.Errorf("system payload = %+v", p.System)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{}}`)
	data, err := FormatSystemPayload(SystemEvent{RawPayload: raw})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if string(data) != string(raw) {
		t.Errorf("raw payload must pass through, got %s", data)
	}
}

func TestFakePublisherRecords(t *testing.T) {
	f := NewFakePublisher()
	if err := f.Publish(KeyEvent{Key: 1, Pressed: true, Timestamp: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(f.Events) != 1 || len(f.Payloads) != 1 {
		t.Fatal("event not recorded")
	}
	if err := f.PublishSystem(SystemEvent{Event: "STARTUP", Timestamp: time.Now()}); err != nil {
		t.Fatalf("publish system: %v", err)
	}
	if len(f.SystemEvents) != 1 {
		t.Fatal("system event not recorded")
	}
	f.Close()
	if !f.Closed {
		t.Fatal("close not recorded")
	}
	f.Reset()
	if len(f.Events) != 0 || f.Closed {
		t.Fatal("reset incomplete")
	}
}

func TestReplayQueueFIFO(t *testing.T) {
	q := newReplayQueue(4)
	for i := 0; i < 3; i++ {
		q.push(queuedMsg{topic: fmt.Sprintf("t%d", i)})
	}
	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}
	msgs := q.drainAll()
	if len(msgs) != 3 {
		t.Fatalf("drained %d", len(msgs))
	}
	for i, m := range msgs {
		if m.topic != fmt.Sprintf("t%d", i) {
			t.Errorf("order broken at %d: %s", i, m.topic)
		}
	}
	if q.len() != 0 || q.drainAll() != nil {
		t.Error("drain must empty the queue")
	}
}

func TestReplayQueueOverflowDropsOldest(t *testing.T) {
	q := newReplayQueue(3)
	for i := 0; i < 5; i++ {
		q.push(queuedMsg{topic: fmt.Sprintf("t%d", i)})
	}
	msgs := q.drainAll()
	if len(msgs) != 3 {
		t.Fatalf("drained %d, want capacity 3", len(msgs))
	}
	want := []string{"t2", "t3", "t4"}
	for i, m := range msgs {
		if m.topic != want[i] {
			t.Errorf("slot %d = %s, want %s", i, m.topic, want[i])
		}
	}
}

func TestReplayQueueWrapAround(t *testing.T) {
	q := newReplayQueue(2)
	q.push(queuedMsg{topic: "a"})
	q.drainAll()
	q.push(queuedMsg{topic: "b"})
	q.push(queuedMsg{topic: "c"})
	msgs := q.drainAll()
	if len(msgs) != 2 || msgs[0].topic != "b" || msgs[1].topic != "c" {
		t.Errorf("wrap-around broken: %+v", msgs)
	}
}
