package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"knxlink/config"
	"knxlink/logging"
)

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Producer writes messages to one Kafka cluster.
type Producer struct {
	config  *config.KafkaConfig
	writers map[string]*kafka.Writer // topic -> writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	// Stats
	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	return &Producer{
		config:  cfg,
		writers: make(map[string]*kafka.Writer),
		status:  StatusDisconnected,
	}
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Brokers returns the configured broker addresses.
func (p *Producer) Brokers() []string {
	return p.config.Brokers
}

// Enabled reports whether the cluster is enabled in its config.
func (p *Producer) Enabled() bool {
	return p.config.Enabled
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies that a broker is reachable.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	name := p.config.Name
	brokers := p.config.Brokers
	p.mu.Unlock()

	logging.DebugLog("Kafka", "CONNECT %s: connecting to brokers %v", name, brokers)

	fail := func(err error) error {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		logging.DebugLog("Kafka", "CONNECT %s: FAILED - %v", name, err)
		return err
	}

	if len(brokers) == 0 {
		return fail(fmt.Errorf("no brokers configured"))
	}

	dialer, err := p.createDialer()
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for _, broker := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()

		p.mu.Lock()
		p.status = StatusConnected
		p.mu.Unlock()

		logging.DebugLog("Kafka", "CONNECT %s: connected via %s", name, broker)
		return nil
	}
	return fail(fmt.Errorf("failed to connect: %w", lastErr))
}

// Disconnect closes all writers and disconnects.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := p.config.Name
	logging.DebugLog("Kafka", "DISCONNECT %s: closing %d topic writers", name, len(p.writers))

	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}

	p.status = StatusDisconnected
	p.lastErr = nil
}

// Produce sends one message and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	return p.ProduceBatch(ctx, topic, []kafka.Message{{Key: key, Value: value, Time: time.Now()}})
}

// ProduceBatch sends multiple messages to the topic in a single call.
func (p *Producer) ProduceBatch(ctx context.Context, topic string, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	start := time.Now()
	err = writer.WriteMessages(ctx, messages...)
	if err != nil {
		p.mu.Lock()
		p.messagesError += int64(len(messages))
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logging.DebugLog("Kafka", "TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		logging.DebugLog("Kafka", "PRODUCE %s: FAILED topic '%s' (%d msgs) after %v: %v",
			p.config.Name, topic, len(messages), time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog("Kafka", "PRODUCE %s: topic '%s' sent %d msgs in %v", p.config.Name, topic, len(messages), d)
	}

	p.mu.Lock()
	p.messagesSent += int64(len(messages))
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()

	return nil
}

// ProduceWithRetry sends a batch with linear backoff between attempts.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, messages []kafka.Message) error {
	maxRetries := p.config.MaxRetries
	backoff := p.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}

		err := p.ProduceBatch(ctx, topic, messages)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("kafka produce failed after %d attempts: %w", maxRetries+1, lastErr)
}

// getWriter returns or creates a writer for the given topic.
func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster '%s' not connected", p.config.Name)
	}

	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	transport, err := p.createTransport()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{}, // Same channel key, same partition
		Transport: transport,

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  1, // ProduceWithRetry owns the retry policy

		BatchSize:    MaxBatchSize,
		BatchBytes:   1048576,
		BatchTimeout: BatchFlushInterval,

		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = writer
	logging.DebugLog("Kafka", "TOPIC %s: created writer for topic '%s'", p.config.Name, topic)
	return writer, nil
}

// createDialer creates a Kafka dialer with auth and TLS.
func (p *Producer) createDialer() (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           tlsConfig(p.config),
		SASLMechanism: mechanism,
	}, nil
}

// createTransport creates a Kafka transport with auth and TLS.
func (p *Producer) createTransport() (*kafka.Transport, error) {
	mechanism, err := saslMechanism(p.config)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         tlsConfig(p.config),
		SASL:        mechanism,
	}, nil
}
