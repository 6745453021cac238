// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all sinks (MQTT, Valkey, Kafka).
package namespace

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTTelegramTopic returns the topic for bus telegrams: {ns}[/{sel}]/telegrams
func (b *Builder) MQTTTelegramTopic() string {
	return b.mqttBase() + "/telegrams"
}

// MQTTSendTopic returns the topic for outbound telegram requests: {ns}[/{sel}]/send
func (b *Builder) MQTTSendTopic() string {
	return b.mqttBase() + "/send"
}

// MQTTSendResponseTopic returns the topic for send results: {ns}[/{sel}]/send/response
func (b *Builder) MQTTSendResponseTopic() string {
	return b.mqttBase() + "/send/response"
}

// MQTTStatusTopic returns the retained gateway status topic: {ns}[/{sel}]/gateway/status
func (b *Builder) MQTTStatusTopic() string {
	return b.mqttBase() + "/gateway/status"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyLastTelegramKey returns the key holding the latest telegram: {ns}[:{sel}]:telegrams:last
func (b *Builder) ValkeyLastTelegramKey() string {
	return b.valkeyBase() + ":telegrams:last"
}

// ValkeyTelegramChannel returns the pub/sub channel for telegrams: {ns}[:{sel}]:telegrams
func (b *Builder) ValkeyTelegramChannel() string {
	return b.valkeyBase() + ":telegrams"
}

// ValkeyStatusKey returns the key for gateway status: {ns}[:{sel}]:gateway:status
func (b *Builder) ValkeyStatusKey() string {
	return b.valkeyBase() + ":gateway:status"
}

// ValkeySendQueue returns the list key for send requests: {ns}[:{sel}]:send
func (b *Builder) ValkeySendQueue() string {
	return b.valkeyBase() + ":send"
}

// ValkeySendResponseChannel returns the channel for send results: {ns}[:{sel}]:send:responses
func (b *Builder) ValkeySendResponseChannel() string {
	return b.valkeyBase() + ":send:responses"
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: -) ---

// KafkaTelegramTopic returns the topic for telegrams: {ns}[-{sel}]-telegrams
func (b *Builder) KafkaTelegramTopic() string {
	return b.kafkaBase() + "-telegrams"
}

// KafkaStatusTopic returns the topic for gateway status: {ns}[-{sel}]-status
func (b *Builder) KafkaStatusTopic() string {
	return b.kafkaBase() + "-status"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
