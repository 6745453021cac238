// Package valkey stores bus telegrams in Valkey/Redis and optionally pops
// send requests from a list.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"knxlink/config"
	"knxlink/logging"
	"knxlink/namespace"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("Valkey", format, args...)
}

// TelegramMessage is the JSON stored under the last-telegram key and
// published on the telegram channel.
type TelegramMessage struct {
	Namespace string    `json:"namespace"`
	Direction string    `json:"direction"`
	ChannelID byte      `json:"channel_id"`
	Sequence  byte      `json:"sequence"`
	Raw       string    `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusMessage is the gateway status stored under the status key.
type StatusMessage struct {
	Namespace string    `json:"namespace"`
	Gateway   string    `json:"gateway"`
	Connected bool      `json:"connected"`
	ChannelID byte      `json:"channel_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SendRequest is an entry on the send queue.
type SendRequest struct {
	ID  string `json:"id,omitempty"`
	Raw string `json:"raw"`
}

// SendResponse is published on the send response channel.
type SendResponse struct {
	ID        string    `json:"id,omitempty"`
	Raw       string    `json:"raw"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher handles publishing telegrams to one Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	builder   *namespace.Builder
	client    *redis.Client
	running   bool
	mu        sync.RWMutex

	sendHandler       func(raw []byte) error
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: ns,
		builder:   namespace.New(ns, cfg.Selector),
		stopChan:  make(chan struct{}),
	}
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}

	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}

	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}

	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// writebackListener polls with a 1s BLPop timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) telegramMessage(direction string, channelID, sequence byte, raw []byte, ts time.Time) TelegramMessage {
	return TelegramMessage{
		Namespace: p.namespace,
		Direction: direction,
		ChannelID: channelID,
		Sequence:  sequence,
		Raw:       hex.EncodeToString(raw),
		Timestamp: ts.UTC(),
	}
}

// Publish stores the telegram under the last-telegram key and, when
// PublishChanges is set, publishes it on the telegram channel.
func (p *Publisher) Publish(direction string, channelID, sequence byte, raw []byte, ts time.Time) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(p.telegramMessage(direction, channelID, sequence, raw, ts))
	if err != nil {
		return fmt.Errorf("failed to marshal telegram: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.builder.ValkeyLastTelegramKey(), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if cfg.PublishChanges {
		if err := client.Publish(ctx, p.builder.ValkeyTelegramChannel(), data).Err(); err != nil {
			return fmt.Errorf("failed to publish telegram: %w", err)
		}
	}
	return nil
}

// PublishStatus stores the gateway status.
func (p *Publisher) PublishStatus(gateway string, connected bool, channelID byte, reason string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	data, err := json.Marshal(StatusMessage{
		Namespace: p.namespace,
		Gateway:   gateway,
		Connected: connected,
		ChannelID: channelID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.builder.ValkeyStatusKey(), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set status key: %w", err)
	}
	return nil
}

// SetSendHandler sets the callback for send requests popped from the queue.
func (p *Publisher) SetSendHandler(handler func(raw []byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendHandler = handler
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops send requests until stop is closed.
func (p *Publisher) writebackListener(client *redis.Client, stop chan struct{}) {
	defer p.wg.Done()

	queueKey := p.builder.ValkeySendQueue()
	responseChannel := p.builder.ValkeySendResponseChannel()

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Valkey send queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.processSendRequest([]byte(result[1]))
		data, _ := json.Marshal(resp)

		pubCtx, pubCancel := context.WithTimeout(context.Background(), 2*time.Second)
		client.Publish(pubCtx, responseChannel, data)
		pubCancel()
	}
}

// processSendRequest decodes one queue entry and hands it to the send handler.
func (p *Publisher) processSendRequest(payload []byte) SendResponse {
	p.mu.RLock()
	handler := p.sendHandler
	p.mu.RUnlock()

	resp := SendResponse{Timestamp: time.Now().UTC()}

	var req SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid JSON: %v", err)
		return resp
	}
	resp.ID = req.ID
	resp.Raw = req.Raw

	raw, err := hex.DecodeString(strings.Join(strings.Fields(req.Raw), ""))
	switch {
	case err != nil:
		resp.Error = fmt.Sprintf("invalid hex: %v", err)
	case len(raw) == 0:
		resp.Error = "empty telegram"
	case handler == nil:
		resp.Error = "no send handler configured"
	default:
		if err := handler(raw); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	}

	debugLog("Valkey send %s -> success=%v", req.Raw, resp.Success)
	return resp
}
