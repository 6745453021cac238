package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Bus traffic
	EventTelegramReceived EventType = iota + 1
	EventTelegramSent
	EventTelegramFailed

	// Gateway events
	EventGatewayConnected
	EventGatewayDisconnected

	// MQTT events
	EventMQTTCreated
	EventMQTTDeleted
	EventMQTTStarted
	EventMQTTStopped

	// Valkey events
	EventValkeyCreated
	EventValkeyDeleted
	EventValkeyStarted
	EventValkeyStopped

	// Kafka events
	EventKafkaCreated
	EventKafkaDeleted
	EventKafkaConnected
	EventKafkaDisconnected
)

var eventNames = map[EventType]string{
	EventTelegramReceived:    "telegram_received",
	EventTelegramSent:        "telegram_sent",
	EventTelegramFailed:      "telegram_failed",
	EventGatewayConnected:    "gateway_connected",
	EventGatewayDisconnected: "gateway_disconnected",
	EventMQTTCreated:         "mqtt_created",
	EventMQTTDeleted:         "mqtt_deleted",
	EventMQTTStarted:         "mqtt_started",
	EventMQTTStopped:         "mqtt_stopped",
	EventValkeyCreated:       "valkey_created",
	EventValkeyDeleted:       "valkey_deleted",
	EventValkeyStarted:       "valkey_started",
	EventValkeyStopped:       "valkey_stopped",
	EventKafkaCreated:        "kafka_created",
	EventKafkaDeleted:        "kafka_deleted",
	EventKafkaConnected:      "kafka_connected",
	EventKafkaDisconnected:   "kafka_disconnected",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// TelegramEvent is the payload for telegram traffic events.
type TelegramEvent struct {
	Record TelegramRecord
	Err    error // set for EventTelegramFailed
}

// GatewayEvent is the payload for gateway connect and disconnect.
type GatewayEvent struct {
	Gateway   string
	ChannelID byte
	Reason    string
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka lifecycle events.
type ServiceEvent struct {
	Name string
}
