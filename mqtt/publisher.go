// Package mqtt publishes bus telegrams to MQTT brokers and accepts send
// requests on a per-namespace topic.
package mqtt

import (
	"bytes"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"knxlink/config"
	"knxlink/logging"
	"knxlink/namespace"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("MQTT", format, args...)
}

// sendJob represents a pending send request from the broker.
type sendJob struct {
	client  pahomqtt.Client
	id      string
	raw     []byte
	err     error // set when the request was rejected before queueing
	handler SendHandler
}

// MaxSendWorkers is the maximum number of concurrent send goroutines per publisher.
const MaxSendWorkers = 2

// MaxSendQueueSize is the maximum number of pending send jobs per publisher.
const MaxSendQueueSize = 100

// Publisher handles one MQTT broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	builder   *namespace.Builder
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	sendHandler SendHandler

	// Worker pool for bounded send goroutines
	sendQueue chan sendJob
	wg        sync.WaitGroup
	stopChan  chan struct{}
}

// TelegramMessage is the JSON structure published for each telegram.
type TelegramMessage struct {
	Namespace string `json:"namespace"`
	Direction string `json:"direction"` // "rx" or "tx"
	ChannelID byte   `json:"channel_id"`
	Sequence  byte   `json:"sequence"`
	Raw       string `json:"raw"` // hex
	Timestamp string `json:"timestamp"`
}

// StatusMessage is the retained gateway status.
type StatusMessage struct {
	Namespace string `json:"namespace"`
	Gateway   string `json:"gateway"`
	Connected bool   `json:"connected"`
	ChannelID byte   `json:"channel_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SendRequest is the JSON structure for incoming send requests.
type SendRequest struct {
	ID  string `json:"id,omitempty"`
	Raw string `json:"raw"` // hex, whitespace ignored
}

// SendResponse is the JSON structure for send results.
type SendResponse struct {
	ID        string `json:"id,omitempty"`
	Raw       string `json:"raw"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// SendHandler puts a telegram on the bus. Returns an error if the send fails.
type SendHandler func(raw []byte) error

// NewPublisher creates a new MQTT publisher for a single broker.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: ns,
		builder:   namespace.New(ns, cfg.Selector),
		sendQueue: make(chan sendJob, MaxSendQueueSize),
		stopChan:  make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options and connect without holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := p.config.ClientID
	if clientID == "" {
		clientID = "knxlink-" + p.config.Name
	}
	opts.SetClientID(clientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// Last will marks the gateway offline if we drop off the broker.
	will, _ := json.Marshal(StatusMessage{Namespace: p.namespace, Reason: "bridge offline"})
	opts.SetWill(p.builder.MQTTStatusTopic(), string(will), 1, true)

	// Resubscribe after auto-reconnect
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		p.subscribeSendTopic(c)
	})

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	p.startSendWorkers()
	return nil
}

// startSendWorkers starts the send worker goroutines.
func (p *Publisher) startSendWorkers() {
	p.mu.RLock()
	queue, stop := p.sendQueue, p.stopChan
	p.mu.RUnlock()

	for i := 0; i < MaxSendWorkers; i++ {
		p.wg.Add(1)
		go p.sendWorker(queue, stop)
	}
}

// sendWorker processes send jobs from the queue.
func (p *Publisher) sendWorker(queue chan sendJob, stop chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			err := job.err
			if err == nil {
				if job.handler == nil {
					err = fmt.Errorf("no send handler configured")
				} else {
					logMQTT("Sending telegram % x", job.raw)
					err = job.handler(job.raw)
				}
			}
			if err != nil {
				logMQTT("Send error: %v", err)
			}
			p.publishSendResponse(job.client, job.id, job.raw, err)
		}
	}
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.sendQueue = make(chan sendJob, MaxSendQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for send workers to stop")
	}

	if client != nil {
		client.Disconnect(500)
	}
}

// Publish sends one telegram to the telegram topic.
func (p *Publisher) Publish(direction string, channelID, sequence byte, raw []byte, ts time.Time) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	payload, err := json.Marshal(p.telegramMessage(direction, channelID, sequence, raw, ts))
	if err != nil {
		return false
	}

	token := client.Publish(p.builder.MQTTTelegramTopic(), 1, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	return token.Error() == nil
}

func (p *Publisher) telegramMessage(direction string, channelID, sequence byte, raw []byte, ts time.Time) TelegramMessage {
	return TelegramMessage{
		Namespace: p.namespace,
		Direction: direction,
		ChannelID: channelID,
		Sequence:  sequence,
		Raw:       hex.EncodeToString(raw),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}

// PublishStatus publishes the retained gateway status.
func (p *Publisher) PublishStatus(gateway string, connected bool, channelID byte, reason string) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	payload, _ := json.Marshal(StatusMessage{
		Namespace: p.namespace,
		Gateway:   gateway,
		Connected: connected,
		ChannelID: channelID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})

	token := client.Publish(p.builder.MQTTStatusTopic(), 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	return token.Error() == nil
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetSendHandler sets the callback for send requests.
func (p *Publisher) SetSendHandler(handler SendHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendHandler = handler
}

// subscribeSendTopic subscribes to the send topic when writes are accepted.
func (p *Publisher) subscribeSendTopic(client pahomqtt.Client) {
	if !p.config.AcceptWrites {
		return
	}

	topic := p.builder.MQTTSendTopic()
	logMQTT("Subscribing to send topic: %s", topic)
	token := client.Subscribe(topic, 1, p.handleSendMessage)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		logMQTT("Failed to subscribe to %s: %v", topic, token.Error())
	}
}

// parseSendRequest decodes a send request payload into raw telegram bytes.
// The payload is either a JSON SendRequest or bare hex such as "29 00 bc".
func parseSendRequest(payload []byte) (SendRequest, []byte, error) {
	var req SendRequest
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &req); err != nil {
			return req, nil, fmt.Errorf("invalid JSON: %v", err)
		}
	} else {
		req.Raw = string(trimmed)
	}
	clean := strings.Join(strings.Fields(req.Raw), "")
	if clean == "" {
		return req, nil, fmt.Errorf("empty telegram")
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return req, nil, fmt.Errorf("invalid hex: %v", err)
	}
	return req, raw, nil
}

// handleSendMessage processes incoming send requests.
func (p *Publisher) handleSendMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received send request on topic: %s", msg.Topic())

	p.mu.RLock()
	handler := p.sendHandler
	queue := p.sendQueue
	p.mu.RUnlock()

	req, raw, err := parseSendRequest(msg.Payload())
	job := sendJob{client: client, id: req.ID, raw: raw, err: err, handler: handler}

	select {
	case queue <- job:
	default:
		logMQTT("Send queue full, rejecting request %s", req.ID)
		go p.publishSendResponse(client, req.ID, raw, fmt.Errorf("send queue full, try again later"))
	}
}

// publishSendResponse publishes a send result.
func (p *Publisher) publishSendResponse(client pahomqtt.Client, id string, raw []byte, err error) {
	resp := SendResponse{
		ID:        id,
		Raw:       hex.EncodeToString(raw),
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)
	token := client.Publish(p.builder.MQTTSendResponseTopic(), 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers  map[string]*Publisher
	mu          sync.RWMutex
	sendHandler SendHandler
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.sendHandler
	m.mu.Unlock()

	if handler != nil {
		pub.SetSendHandler(handler)
	}
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				logMQTT("Successfully started %s (%s)", pub.Name(), pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// Publish sends a telegram to all running publishers.
func (m *Manager) Publish(direction string, channelID, sequence byte, raw []byte, ts time.Time) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.Publish(direction, channelID, sequence, raw, ts)
		}
	}
}

// PublishStatus sends the gateway status to all running publishers.
func (m *Manager) PublishStatus(gateway string, connected bool, channelID byte, reason string) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishStatus(gateway, connected, channelID, reason)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, ns string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], ns))
	}
}

// SetSendHandler sets the send handler for all publishers.
func (m *Manager) SetSendHandler(handler SendHandler) {
	m.mu.Lock()
	m.sendHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetSendHandler(handler)
	}
}
