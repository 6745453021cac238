package valkey

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"knxlink/config"
)

// TestTelegramMessage_Structure tests the TelegramMessage JSON structure.
func TestTelegramMessage_Structure(t *testing.T) {
	pub := NewPublisher(&config.ValkeyConfig{Name: "v"}, "knxlink")
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	data, err := json.Marshal(pub.telegramMessage("tx", 1, 2, []byte{0xbc, 0x11}, ts))
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	requiredFields := []string{"namespace", "direction", "channel_id", "sequence", "raw", "timestamp"}
	for _, field := range requiredFields {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	if decoded["raw"] != "bc11" {
		t.Errorf("raw = %v", decoded["raw"])
	}
	// Timestamps are stored in UTC
	if decoded["timestamp"] != "2024-05-01T11:00:00Z" {
		t.Errorf("timestamp = %v", decoded["timestamp"])
	}
}

func TestStatusMessage_Structure(t *testing.T) {
	data, _ := json.Marshal(StatusMessage{Namespace: "knxlink", Gateway: "gw", Connected: true, Timestamp: time.Now().UTC()})

	var decoded map[string]interface{}
	json.Unmarshal(data, &decoded)
	if decoded["connected"] != true {
		t.Errorf("connected = %v", decoded["connected"])
	}
	if _, ok := decoded["reason"]; ok {
		t.Error("empty reason should be omitted")
	}
}

func TestProcessSendRequest(t *testing.T) {
	var sent []byte
	pub := NewPublisher(&config.ValkeyConfig{Name: "v"}, "knxlink")
	pub.SetSendHandler(func(raw []byte) error {
		sent = raw
		if raw[0] == 0xff {
			return errors.New("bus busy")
		}
		return nil
	})

	t.Run("success", func(t *testing.T) {
		resp := pub.processSendRequest([]byte(`{"id":"1","raw":"29 00 bc"}`))
		if !resp.Success || resp.ID != "1" {
			t.Errorf("resp = %+v", resp)
		}
		if string(sent) != string([]byte{0x29, 0x00, 0xbc}) {
			t.Errorf("handler got % x", sent)
		}
	})

	t.Run("handler error", func(t *testing.T) {
		resp := pub.processSendRequest([]byte(`{"raw":"ff"}`))
		if resp.Success || resp.Error != "bus busy" {
			t.Errorf("resp = %+v", resp)
		}
	})

	tests := []struct {
		name    string
		payload string
	}{
		{"bad json", `not json`},
		{"bad hex", `{"raw":"xyz"}`},
		{"empty", `{"raw":""}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := pub.processSendRequest([]byte(tc.payload))
			if resp.Success || resp.Error == "" {
				t.Errorf("expected failure, got %+v", resp)
			}
		})
	}

	t.Run("no handler", func(t *testing.T) {
		bare := NewPublisher(&config.ValkeyConfig{Name: "bare"}, "knxlink")
		resp := bare.processSendRequest([]byte(`{"raw":"01"}`))
		if resp.Error != "no send handler configured" {
			t.Errorf("resp = %+v", resp)
		}
	})
}

func TestPublisher_NotRunning(t *testing.T) {
	pub := NewPublisher(&config.ValkeyConfig{Name: "v", Address: "localhost:6379"}, "knxlink")
	if pub.IsRunning() {
		t.Error("new publisher should not be running")
	}
	if err := pub.Publish("rx", 1, 0, []byte{1}, time.Now()); err != nil {
		t.Errorf("Publish when stopped should be a no-op: %v", err)
	}
	if err := pub.Stop(); err != nil {
		t.Errorf("Stop when stopped: %v", err)
	}
}

func TestPublisher_Address(t *testing.T) {
	plain := NewPublisher(&config.ValkeyConfig{Address: "cache:6379"}, "knxlink")
	if got := plain.Address(); got != "redis://cache:6379" {
		t.Errorf("Address = %q", got)
	}
	secure := NewPublisher(&config.ValkeyConfig{Address: "cache:6380", UseTLS: true}, "knxlink")
	if got := secure.Address(); got != "rediss://cache:6380" {
		t.Errorf("Address = %q", got)
	}
}

func TestManager(t *testing.T) {
	m := NewManager("knxlink")
	m.SetSendHandler(func(raw []byte) error { return nil })
	m.LoadFromConfig([]config.ValkeyConfig{{Name: "a"}, {Name: "b"}})

	if len(m.List()) != 2 {
		t.Fatalf("expected 2 publishers, got %d", len(m.List()))
	}
	if pub := m.Get("b"); pub == nil || pub.sendHandler == nil || pub.namespace != "knxlink" {
		t.Error("publisher should inherit namespace and send handler")
	}
	if m.StartAll() != 0 || m.AnyRunning() {
		t.Error("disabled publishers must not start")
	}
	if !m.Remove("a") || m.Remove("a") {
		t.Error("Remove should succeed exactly once")
	}
	m.Publish("rx", 1, 0, []byte{1}, time.Now())
	m.PublishStatus("gw", true, 1, "")
	m.StopAll()
}
