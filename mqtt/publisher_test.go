package mqtt

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"knxlink/config"
)

// TestPublisher_MessagePayload tests that the JSON message payload is correct.
func TestPublisher_MessagePayload(t *testing.T) {
	pub := NewPublisher(&config.MQTTConfig{Name: "test"}, "knxlink")
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	msg := pub.telegramMessage("rx", 0x5e, 0xd3, []byte{0x29, 0x00, 0xbc}, ts)
	data, err := json.Marshal(msg)
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
	if decoded["raw"] != "2900bc" {
		t.Errorf("raw = %v, want 2900bc", decoded["raw"])
	}
	if decoded["channel_id"] != float64(0x5e) || decoded["sequence"] != float64(0xd3) {
		t.Errorf("header fields = %v/%v", decoded["channel_id"], decoded["sequence"])
	}
	if decoded["timestamp"] != "2024-05-01T12:00:00Z" {
		t.Errorf("timestamp = %v", decoded["timestamp"])
	}
}

func TestStatusMessage_OmitsEmptyReason(t *testing.T) {
	data, _ := json.Marshal(StatusMessage{Namespace: "knxlink", Connected: true})
	if strings.Contains(string(data), "reason") {
		t.Errorf("reason should be omitted: %s", data)
	}
}

func TestParseSendRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []byte
		wantErr string
	}{
		{"plain hex", `{"raw":"2900bc"}`, []byte{0x29, 0x00, 0xbc}, ""},
		{"spaced hex", `{"id":"a1","raw":"29 00 BC"}`, []byte{0x29, 0x00, 0xbc}, ""},
		{"bad json", `{raw`, nil, "invalid JSON"},
		{"empty", `{"raw":""}`, nil, "empty telegram"},
		{"bad hex", `{"raw":"zz"}`, nil, "invalid hex"},
		{"odd length", `{"raw":"290"}`, nil, "invalid hex"},
		{"bare hex", `29 00 bc`, []byte{0x29, 0x00, 0xbc}, ""},
		{"bare hex with newline", "2900bc\n", []byte{0x29, 0x00, 0xbc}, ""},
		{"bare bad hex", `not hex`, nil, "invalid hex"},
		{"empty payload", ``, nil, "empty telegram"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, raw, err := parseSendRequest([]byte(tc.payload))
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Errorf("error = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(raw) != string(tc.want) {
				t.Errorf("raw = % x, want % x", raw, tc.want)
			}
		})
	}

	t.Run("id is preserved", func(t *testing.T) {
		req, _, _ := parseSendRequest([]byte(`{"id":"req-7","raw":"01"}`))
		if req.ID != "req-7" {
			t.Errorf("ID = %q", req.ID)
		}
	})
}

// TestPublisher_NewPublisher tests publisher creation.
func TestPublisher_NewPublisher(t *testing.T) {
	cfg := &config.MQTTConfig{
		Name:    "test",
		Broker:  "localhost",
		Port:    1883,
		Enabled: true,
	}
	pub := NewPublisher(cfg, "knxlink")

	if pub == nil {
		t.Fatal("expected non-nil publisher")
	}
	if pub.Name() != "test" {
		t.Errorf("expected name 'test', got %q", pub.Name())
	}
	if pub.IsRunning() {
		t.Error("new publisher should not be running")
	}
	if pub.Publish("rx", 1, 0, []byte{0x01}, time.Now()) {
		t.Error("Publish should fail when not running")
	}
	if pub.PublishStatus("gw", true, 1, "") {
		t.Error("PublishStatus should fail when not running")
	}
	pub.Stop() // no-op when not running
}

// TestPublisher_Address tests address formatting.
func TestPublisher_Address(t *testing.T) {
	t.Run("tcp address", func(t *testing.T) {
		cfg := &config.MQTTConfig{
			Broker: "localhost",
			Port:   1883,
			UseTLS: false,
		}
		pub := NewPublisher(cfg, "test")
		addr := pub.Address()

		if addr != "tcp://localhost:1883" {
			t.Errorf("expected 'tcp://localhost:1883', got %q", addr)
		}
	})

	t.Run("ssl address", func(t *testing.T) {
		cfg := &config.MQTTConfig{
			Broker: "localhost",
			Port:   8883,
			UseTLS: true,
		}
		pub := NewPublisher(cfg, "test")
		addr := pub.Address()

		if addr != "ssl://localhost:8883" {
			t.Errorf("expected 'ssl://localhost:8883', got %q", addr)
		}
	})
}

func TestManager(t *testing.T) {
	m := NewManager()
	m.SetSendHandler(func(raw []byte) error { return nil })

	m.LoadFromConfig([]config.MQTTConfig{
		{Name: "a", Broker: "localhost", Port: 1883},
		{Name: "b", Broker: "localhost", Port: 1884},
	}, "knxlink")

	if len(m.List()) != 2 {
		t.Fatalf("expected 2 publishers, got %d", len(m.List()))
	}
	if pub := m.Get("a"); pub == nil || pub.sendHandler == nil {
		t.Error("publisher should inherit send handler")
	}

	// Nothing enabled, nothing started.
	if n := m.StartAll(); n != 0 {
		t.Errorf("StartAll started %d", n)
	}
	if m.AnyRunning() {
		t.Error("no publisher should be running")
	}

	m.Publish("rx", 1, 0, []byte{0x01}, time.Now())
	m.PublishStatus("gw", false, 0, "test")

	m.Remove("a")
	if m.Get("a") != nil {
		t.Error("publisher not removed")
	}
	m.StopAll()
}
