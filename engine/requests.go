package engine

import "time"

// MQTTCreateRequest holds fields for creating an MQTT broker.
type MQTTCreateRequest struct {
	Name         string `json:"name"`
	Broker       string `json:"broker"`
	Port         int    `json:"port"`
	ClientID     string `json:"client_id"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Selector     string `json:"selector"`
	UseTLS       bool   `json:"use_tls"`
	AcceptWrites bool   `json:"accept_writes"`
	Enabled      bool   `json:"enabled"`
}

// ValkeyCreateRequest holds fields for creating a Valkey server.
type ValkeyCreateRequest struct {
	Name            string        `json:"name"`
	Address         string        `json:"address"`
	Password        string        `json:"password"`
	Database        int           `json:"database"`
	Selector        string        `json:"selector"`
	KeyTTL          time.Duration `json:"key_ttl"`
	UseTLS          bool          `json:"use_tls"`
	PublishChanges  bool          `json:"publish_changes"`
	EnableWriteback bool          `json:"enable_writeback"`
	Enabled         bool          `json:"enabled"`
}

// KafkaCreateRequest holds fields for creating a Kafka cluster.
type KafkaCreateRequest struct {
	Name          string        `json:"name"`
	Brokers       []string      `json:"brokers"`
	UseTLS        bool          `json:"use_tls"`
	TLSSkipVerify bool          `json:"tls_skip_verify"`
	SASLMechanism string        `json:"sasl_mechanism"`
	Username      string        `json:"username"`
	Password      string        `json:"password"`
	Selector      string        `json:"selector"`
	RequiredAcks  int           `json:"required_acks"`
	MaxRetries    int           `json:"max_retries"`
	RetryBackoff  time.Duration `json:"retry_backoff"`
	Enabled       bool          `json:"enabled"`
}
