// Package config handles configuration persistence for knxlink.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultKNXPort is the standard KNXnet/IP UDP port.
const DefaultKNXPort = 3671

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Prefix for MQTT topics, Valkey keys, Kafka topics
	Gateway   GatewayConfig  `yaml:"gateway"`
	MQTT      []MQTTConfig   `yaml:"mqtt"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Web       WebConfig      `yaml:"web"`
	History   int            `yaml:"history,omitempty"` // Telegrams kept for the API (default 1000)

	// dataMu protects all config fields. Callers that modify config should
	// Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// GatewayConfig describes the KNXnet/IP tunneling gateway.
type GatewayConfig struct {
	Name              string        `yaml:"name"`
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`                 // Gateway IP or hostname
	Port              int           `yaml:"port,omitempty"`          // Default 3671
	LocalAddress      string        `yaml:"local_address,omitempty"` // Bind address, empty = any
	NAT               bool          `yaml:"nat,omitempty"`           // Send 0.0.0.0:0 endpoints
	ConnectTimeout    time.Duration `yaml:"connect_timeout,omitempty"`
	AckTimeout        time.Duration `yaml:"ack_timeout,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
}

// Addr returns host:port of the gateway, applying the default port.
func (g *GatewayConfig) Addr() string {
	port := g.Port
	if port <= 0 {
		port = DefaultKNXPort
	}
	return net.JoinHostPort(g.Address, fmt.Sprintf("%d", port))
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name         string `yaml:"name"`
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`
	ClientID     string `yaml:"client_id"`
	Selector     string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS       bool   `yaml:"use_tls,omitempty"`
	AcceptWrites bool   `yaml:"accept_writes,omitempty"` // Subscribe to {ns}/send and forward to the bus
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`          // 0 = no expiry
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`  // Also PUBLISH on the telegram channel
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Pop send requests from {ns}:send
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Selector      string        `yaml:"selector,omitempty"`
}

// WebConfig holds REST API configuration.
type WebConfig struct {
	Enabled bool      `yaml:"enabled"`
	Host    string    `yaml:"host"`
	Port    int       `yaml:"port"`
	Users   []WebUser `yaml:"users,omitempty"` // Basic auth; empty = open API

	SessionSecret string `yaml:"session_secret,omitempty"` // base64, >= 32 bytes; random per run when empty
}

// WebUser is an API user.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// API user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "knxlink",
		Gateway: GatewayConfig{
			Name:              "gateway",
			Port:              DefaultKNXPort,
			ConnectTimeout:    5 * time.Second,
			AckTimeout:        time.Second,
			HeartbeatInterval: 60 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:    []MQTTConfig{},
		Valkey:  []ValkeyConfig{},
		Kafka:   []KafkaConfig{},
		History: 1000,
	}
}

// DefaultMQTTConfig returns an MQTT config pointing at a local broker.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "knxlink-" + name,
	}
}

// DefaultValkeyConfig returns a Valkey config pointing at a local server.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka config pointing at a local broker.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:         name,
		Brokers:      []string{"localhost:9092"},
		RequiredAcks: -1, // All replicas must acknowledge
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// DefaultPath returns the default configuration file path (~/.knxlink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".knxlink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values left by a partial YAML file.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Gateway.Port == 0 {
		c.Gateway.Port = def.Gateway.Port
	}
	if c.Gateway.ConnectTimeout == 0 {
		c.Gateway.ConnectTimeout = def.Gateway.ConnectTimeout
	}
	if c.Gateway.AckTimeout == 0 {
		c.Gateway.AckTimeout = def.Gateway.AckTimeout
	}
	if c.Gateway.HeartbeatInterval == 0 {
		c.Gateway.HeartbeatInterval = def.Gateway.HeartbeatInterval
	}
	if c.History <= 0 {
		c.History = def.History
	}
	for i := range c.Kafka {
		if c.Kafka[i].RequiredAcks == 0 {
			c.Kafka[i].RequiredAcks = -1
		}
		if c.Kafka[i].MaxRetries == 0 {
			c.Kafka[i].MaxRetries = 3
		}
		if c.Kafka[i].RetryBackoff == 0 {
			c.Kafka[i].RetryBackoff = 100 * time.Millisecond
		}
	}
}

// AddOnChangeListener registers a callback run after every successful Save.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals with the lock held, then unlocks before touching disk.
// The file is replaced atomically through a temp file in the same directory.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// FindWebUser returns the API user with the given username, or nil if not found.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new API user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// RemoveWebUser removes an API user by username.
func (c *Config) RemoveWebUser(username string) bool {
	for i, u := range c.Web.Users {
		if u.Username == username {
			c.Web.Users = append(c.Web.Users[:i], c.Web.Users[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace %q: use alphanumeric characters, hyphens, underscores, and dots", c.Namespace)
	}
	if c.Gateway.Enabled && c.Gateway.Address == "" {
		return fmt.Errorf("gateway %q: address is required", c.Gateway.Name)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway %q: invalid port %d", c.Gateway.Name, c.Gateway.Port)
	}

	seen := make(map[string]bool)
	for _, m := range c.MQTT {
		if m.Name == "" || seen["mqtt/"+m.Name] {
			return fmt.Errorf("mqtt: missing or duplicate name %q", m.Name)
		}
		seen["mqtt/"+m.Name] = true
	}
	for _, v := range c.Valkey {
		if v.Name == "" || seen["valkey/"+v.Name] {
			return fmt.Errorf("valkey: missing or duplicate name %q", v.Name)
		}
		seen["valkey/"+v.Name] = true
	}
	for _, k := range c.Kafka {
		if k.Name == "" || seen["kafka/"+k.Name] {
			return fmt.Errorf("kafka: missing or duplicate name %q", k.Name)
		}
		seen["kafka/"+k.Name] = true
		if k.Enabled && len(k.Brokers) == 0 {
			return fmt.Errorf("kafka %q: at least one broker is required", k.Name)
		}
	}
	for _, u := range c.Web.Users {
		if u.Role != RoleAdmin && u.Role != RoleViewer {
			return fmt.Errorf("web user %q: invalid role %q", u.Username, u.Role)
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
