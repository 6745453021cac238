package kafka

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"knxlink/config"
	"knxlink/logging"
	"knxlink/namespace"
)

// Batching configuration
const (
	MaxBatchSize       = 100
	BatchFlushInterval = 20 * time.Millisecond
	MaxBatchQueueSize  = 1000
)

// TelegramMessage is the JSON value produced for each telegram.
type TelegramMessage struct {
	Namespace string `json:"namespace"`
	Direction string `json:"direction"`
	ChannelID byte   `json:"channel_id"`
	Sequence  byte   `json:"sequence"`
	Raw       string `json:"raw"`
	Timestamp string `json:"timestamp"`
}

// StatusMessage is the JSON value produced on gateway state changes.
type StatusMessage struct {
	Namespace string `json:"namespace"`
	Gateway   string `json:"gateway"`
	Connected bool   `json:"connected"`
	ChannelID byte   `json:"channel_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// publishJob is one message bound for a producer and topic.
type publishJob struct {
	producer *Producer
	topic    string
	msg      kafka.Message
}

type batchKey struct {
	producer *Producer
	topic    string
}

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("Kafka", format, args...)
}

// Manager manages Kafka producers and batches telegrams to them.
type Manager struct {
	namespace string
	producers map[string]*Producer
	builders  map[string]*namespace.Builder
	mu        sync.RWMutex

	batchChan chan publishJob
	stopChan  chan struct{}
	wg        sync.WaitGroup
	started   bool
}

// NewManager creates a new Kafka manager.
func NewManager(ns string) *Manager {
	return &Manager{
		namespace: ns,
		producers: make(map[string]*Producer),
		builders:  make(map[string]*namespace.Builder),
		batchChan: make(chan publishJob, MaxBatchQueueSize),
		stopChan:  make(chan struct{}),
	}
}

// startWorker starts the batch goroutine once.
func (m *Manager) startWorker() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs, stop := m.batchChan, m.stopChan
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchWorker(jobs, stop)
}

// batchWorker groups jobs by producer and topic and flushes them every
// BatchFlushInterval or when a batch reaches MaxBatchSize.
func (m *Manager) batchWorker(jobs chan publishJob, stop chan struct{}) {
	defer m.wg.Done()

	batches := make(map[batchKey][]kafka.Message)
	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	flush := func(key batchKey) {
		msgs := batches[key]
		if len(msgs) == 0 {
			return
		}
		delete(batches, key)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := key.producer.ProduceWithRetry(ctx, key.topic, msgs); err != nil {
			logKafka("Failed to publish %d msgs to %s/%s: %v", len(msgs), key.producer.Name(), key.topic, err)
		}
	}
	flushAll := func() {
		for key := range batches {
			flush(key)
		}
	}

	for {
		select {
		case <-stop:
			flushAll()
			return
		case job := <-jobs:
			key := batchKey{producer: job.producer, topic: job.topic}
			batches[key] = append(batches[key], job.msg)
			if len(batches[key]) >= MaxBatchSize {
				flush(key)
			}
		case <-ticker.C:
			flushAll()
		}
	}
}

// AddCluster adds a Kafka cluster. Existing names are ignored.
func (m *Manager) AddCluster(cfg *config.KafkaConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	m.producers[cfg.Name] = NewProducer(cfg)
	m.builders[cfg.Name] = namespace.New(m.namespace, cfg.Selector)
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	if exists {
		delete(m.producers, name)
		delete(m.builders, name)
	}
	m.mu.Unlock()

	if exists && producer != nil {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	return names
}

// Connect connects to the named Kafka cluster.
func (m *Manager) Connect(name string) error {
	producer := m.GetProducer(name)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return producer.Connect()
}

// ConnectEnabled connects to all enabled clusters in the background.
func (m *Manager) ConnectEnabled() {
	m.startWorker()

	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		if p.config.Enabled {
			producers = append(producers, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range producers {
		go p.Connect()
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	producer := m.GetProducer(name)
	if producer == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return producer.GetStatus(), producer.GetError()
}

// LoadFromConfigs loads multiple cluster configurations.
func (m *Manager) LoadFromConfigs(configs []config.KafkaConfig) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// StopAll flushes pending batches, stops the worker and disconnects.
func (m *Manager) StopAll() {
	m.mu.Lock()
	started := m.started
	oldStop := m.stopChan
	if started {
		m.stopChan = make(chan struct{})
		m.batchChan = make(chan publishJob, MaxBatchQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if started {
		close(oldStop)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for batch worker to stop")
		}
	}

	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.mu.RUnlock()

	for _, p := range producers {
		p.Disconnect()
	}
}

// connectedTargets returns connected producers with their topic builders.
func (m *Manager) connectedTargets() map[*Producer]*namespace.Builder {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targets := make(map[*Producer]*namespace.Builder)
	for name, p := range m.producers {
		if p.GetStatus() == StatusConnected {
			targets[p] = m.builders[name]
		}
	}
	return targets
}

// enqueue queues a job without blocking; it reports false when dropped.
func (m *Manager) enqueue(job publishJob) bool {
	m.mu.RLock()
	queue := m.batchChan
	m.mu.RUnlock()

	select {
	case queue <- job:
		return true
	default:
		logKafka("Publish queue full, dropping message for %s/%s", job.producer.Name(), job.topic)
		return false
	}
}

func channelKey(channelID byte) []byte {
	return []byte(fmt.Sprintf("channel-%d", channelID))
}

// Publish queues a telegram for every connected cluster.
func (m *Manager) Publish(direction string, channelID, sequence byte, raw []byte, ts time.Time) {
	m.startWorker()

	payload, err := json.Marshal(TelegramMessage{
		Namespace: m.namespace,
		Direction: direction,
		ChannelID: channelID,
		Sequence:  sequence,
		Raw:       hex.EncodeToString(raw),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}

	for p, b := range m.connectedTargets() {
		m.enqueue(publishJob{
			producer: p,
			topic:    b.KafkaTelegramTopic(),
			msg:      kafka.Message{Key: channelKey(channelID), Value: payload, Time: ts},
		})
	}
}

// PublishStatus queues a gateway status message for every connected cluster.
func (m *Manager) PublishStatus(gateway string, connected bool, channelID byte, reason string) {
	m.startWorker()

	now := time.Now()
	payload, err := json.Marshal(StatusMessage{
		Namespace: m.namespace,
		Gateway:   gateway,
		Connected: connected,
		ChannelID: channelID,
		Reason:    reason,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	for p, b := range m.connectedTargets() {
		m.enqueue(publishJob{
			producer: p,
			topic:    b.KafkaStatusTopic(),
			msg:      kafka.Message{Key: []byte(gateway), Value: payload, Time: now},
		})
	}
}

// AnyConnected returns true if any cluster is connected.
func (m *Manager) AnyConnected() bool {
	return len(m.connectedTargets()) > 0
}
