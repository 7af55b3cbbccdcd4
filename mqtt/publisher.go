// Package mqtt publishes parameter changes to MQTT brokers.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/luksan/leybold-opc/config"
	"github.com/luksan/leybold-opc/logging"
)

// Publisher handles the connection to a single broker and publishes
// parameter values as retained JSON messages, one topic per parameter.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex
}

// ParamMessage is the JSON structure published to MQTT.
type ParamMessage struct {
	Controller string      `json:"controller"`
	Param      string      `json:"param"`
	Value      interface{} `json:"value"`
	Unit       string      `json:"unit,omitempty"`
	Writable   bool        `json:"writable"`
	Timestamp  string      `json:"timestamp"`
}

// NewPublisher creates a publisher for a single broker. The namespace
// prefixes every topic so multiple instances can share a broker.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		lastValues: make(map[string]interface{}),
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

	// Build options without holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqtt", "connecting to broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		return token.Error()
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Clear last values to force republish of all values
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	return nil
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
	p.mu.Unlock()

	client.Disconnect(500)
}

// BuildTopic constructs the full topic path for a parameter.
func (p *Publisher) BuildTopic(controller, param string) string {
	root := p.namespace
	if p.config.Selector != "" {
		root = root + "/" + p.config.Selector
	}
	return fmt.Sprintf("%s/%s/params/%s", root, controller, param)
}

// Publish sends a parameter value if it differs from the last published
// one. Returns whether a message went out.
func (p *Publisher) Publish(controller, param, unit string, value interface{}, writable, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	cacheKey := fmt.Sprintf("%s/%s", controller, param)

	p.lastMu.RLock()
	lastValue, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()

	if exists && !force && fmt.Sprintf("%v", lastValue) == fmt.Sprintf("%v", value) {
		return false
	}

	msg := ParamMessage{
		Controller: controller,
		Param:      param,
		Value:      value,
		Unit:       unit,
		Writable:   writable,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	token := client.Publish(p.BuildTopic(controller, param), 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	if token.Error() != nil {
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = value
	p.lastMu.Unlock()

	return true
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

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{publishers: make(map[string]*Publisher)}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	m.mu.Unlock()
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	delete(m.publishers, name)
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

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

// StartAll starts all enabled publishers. Returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			if err := pub.Start(); err != nil {
				logging.DebugLog("mqtt", "failed to start %s: %v", pub.Name(), err)
			} else {
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

// Publish publishes a value to all running publishers.
func (m *Manager) Publish(controller, param, unit string, value interface{}, writable, force bool) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.Publish(controller, param, unit, value, writable, force)
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
