package valkey

import (
	"sync"
	"time"

	"knxlink/config"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	namespace  string
	mu         sync.RWMutex

	// Shared callbacks
	sendHandler       func(raw []byte) error
	onConnectCallback func()
}

// NewManager creates a new Valkey manager.
func NewManager(ns string) *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
		namespace:  ns,
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// Add adds a new publisher.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub := NewPublisher(cfg, m.namespace)
	pub.SetSendHandler(m.sendHandler)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
	return pub
}

// Remove removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()

	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// Stop OUTSIDE the lock to prevent blocking
	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled {
			if err := pub.Start(); err != nil {
				debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			} else {
				debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
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

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Publish stores a telegram on all running publishers.
func (m *Manager) Publish(direction string, channelID, sequence byte, raw []byte, ts time.Time) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.Publish(direction, channelID, sequence, raw, ts); err != nil {
				debugLog("Valkey publish error (%s): %v", pub.config.Name, err)
			}
		}
	}
}

// PublishStatus stores the gateway status on all running publishers.
func (m *Manager) PublishStatus(gateway string, connected bool, channelID byte, reason string) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.PublishStatus(gateway, connected, channelID, reason); err != nil {
				debugLog("Valkey status publish error (%s): %v", pub.config.Name, err)
			}
		}
	}
}

// SetSendHandler sets the send handler for all publishers.
func (m *Manager) SetSendHandler(handler func(raw []byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sendHandler = handler
	for _, pub := range m.publishers {
		pub.SetSendHandler(handler)
	}
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}
