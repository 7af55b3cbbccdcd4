// Package valkey stores the latest parameter values in a Valkey/Redis
// server and optionally announces changes over Pub/Sub.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luksan/leybold-opc/config"
	"github.com/luksan/leybold-opc/logging"
)

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts.
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// ParamMessage represents a parameter value stored in Valkey.
type ParamMessage struct {
	Namespace  string      `json:"namespace"`
	Controller string      `json:"controller"`
	Param      string      `json:"param"`
	Value      interface{} `json:"value"`
	Unit       string      `json:"unit,omitempty"`
	Writable   bool        `json:"writable"`
	Timestamp  time.Time   `json:"timestamp"`
}

// HealthMessage represents controller health status stored in Valkey.
type HealthMessage struct {
	Namespace  string    `json:"namespace"`
	Controller string    `json:"controller"`
	Online     bool      `json:"online"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher writes parameter values to one Valkey server. The latest value
// of every parameter is kept under its own key so consumers can read state
// without subscribing.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{config: cfg, namespace: namespace}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
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
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	logging.DebugLog("valkey", "connecting to %s (DB %d)", p.config.Address, p.config.Database)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
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
	client := p.client
	p.client = nil
	p.mu.Unlock()

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

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address string.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) root() string {
	return joinKey(p.namespace, p.config.Selector)
}

// Publish stores a parameter value under namespace:controller:params:name
// and, when configured, announces it on the change channels.
func (p *Publisher) Publish(controller, param, unit string, value interface{}, writable bool) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	key := joinKey(p.root(), controller, "params", param)
	msg := ParamMessage{
		Namespace:  p.namespace,
		Controller: controller,
		Param:      param,
		Value:      value,
		Unit:       unit,
		Writable:   writable,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal parameter value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if cfg.PublishChanges {
		client.Publish(ctx, joinKey(p.root(), controller, "changes"), data)
		client.Publish(ctx, joinKey(p.root(), "_all", "changes"), data)
	}
	return nil
}

// PublishHealth publishes controller connection status.
func (p *Publisher) PublishHealth(controller string, online bool, status, errMsg string) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	p.mu.RUnlock()

	key := joinKey(p.root(), controller, "health")
	msg := HealthMessage{
		Namespace:  p.namespace,
		Controller: controller,
		Online:     online,
		Status:     status,
		Error:      errMsg,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if cfg.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new Valkey manager.
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
func (m *Manager) LoadFromConfig(cfgs []config.ValkeyConfig, namespace string) {
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
				logging.DebugLog("valkey", "failed to start %s: %v", pub.Name(), err)
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
func (m *Manager) Publish(controller, param, unit string, value interface{}, writable bool) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			if err := pub.Publish(controller, param, unit, value, writable); err != nil {
				logging.DebugLog("valkey", "publish to %s failed: %v", pub.Name(), err)
			}
		}
	}
}

// PublishHealth publishes controller status to all running publishers.
func (m *Manager) PublishHealth(controller string, online bool, status, errMsg string) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.PublishHealth(controller, online, status, errMsg)
		}
	}
}
