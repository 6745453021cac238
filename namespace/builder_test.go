package namespace

import "testing"

func TestBuilder(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		got      func(*Builder) string
		want     string
	}{
		{"mqtt telegrams", "", (*Builder).MQTTTelegramTopic, "knx/telegrams"},
		{"mqtt telegrams selector", "line1", (*Builder).MQTTTelegramTopic, "knx/line1/telegrams"},
		{"mqtt send", "", (*Builder).MQTTSendTopic, "knx/send"},
		{"mqtt send response", "line1", (*Builder).MQTTSendResponseTopic, "knx/line1/send/response"},
		{"mqtt status", "", (*Builder).MQTTStatusTopic, "knx/gateway/status"},
		{"mqtt base", "line1", (*Builder).MQTTBase, "knx/line1"},
		{"valkey last", "", (*Builder).ValkeyLastTelegramKey, "knx:telegrams:last"},
		{"valkey last selector", "line1", (*Builder).ValkeyLastTelegramKey, "knx:line1:telegrams:last"},
		{"valkey channel", "", (*Builder).ValkeyTelegramChannel, "knx:telegrams"},
		{"valkey status", "line1", (*Builder).ValkeyStatusKey, "knx:line1:gateway:status"},
		{"valkey send queue", "", (*Builder).ValkeySendQueue, "knx:send"},
		{"valkey send responses", "line1", (*Builder).ValkeySendResponseChannel, "knx:line1:send:responses"},
		{"kafka telegrams", "", (*Builder).KafkaTelegramTopic, "knx-telegrams"},
		{"kafka telegrams selector", "line1", (*Builder).KafkaTelegramTopic, "knx-line1-telegrams"},
		{"kafka status", "", (*Builder).KafkaStatusTopic, "knx-status"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.got(New("knx", tc.selector)); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
