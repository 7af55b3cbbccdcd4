package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/luksan/leybold-opc/logging"
)

// ParamMessage is the JSON structure published to Kafka for parameter
// changes.
type ParamMessage struct {
	Controller string      `json:"controller"`
	Param      string      `json:"param"`
	Value      interface{} `json:"value"`
	Unit       string      `json:"unit,omitempty"`
	Writable   bool        `json:"writable"`
	Timestamp  string      `json:"timestamp"`
}

// HealthMessage is the JSON structure published for controller status.
type HealthMessage struct {
	Controller string `json:"controller"`
	Online     bool   `json:"online"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    interface{}
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages multiple Kafka producer connections and publishes
// parameter changes to every connected cluster without blocking the poll
// loop: sends go through a bounded worker queue and drop on overflow.
type Manager struct {
	producers  map[string]*Producer
	mu         sync.RWMutex
	lastValues map[string]interface{} // last published value per cluster/controller/param
	lastMu     sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	m := &Manager{
		producers:    make(map[string]*Producer),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker()
	}
}

func (m *Manager) publishWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			return
		case job, ok := <-m.publishQueue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.Produce(ctx, job.topic, job.key, job.payload); err == nil {
				m.lastMu.Lock()
				m.lastValues[job.cacheKey] = job.value
				m.lastMu.Unlock()
			} else {
				logging.DebugLog("kafka", "failed to publish %s: %v", job.cacheKey, err)
			}
			cancel()
		}
	}
}

// AddCluster adds a new Kafka cluster configuration.
func (m *Manager) AddCluster(config *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[config.Name]; exists {
		return
	}
	m.producers[config.Name] = NewProducer(config)
}

// RemoveCluster removes a Kafka cluster and disconnects.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer, exists := m.producers[name]
	delete(m.producers, name)
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
	m.mu.RLock()
	producer, exists := m.producers[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	return producer.Connect()
}

// ConnectEnabled connects to all enabled Kafka clusters in the background.
func (m *Manager) ConnectEnabled() {
	m.mu.RLock()
	producers := make([]*Producer, 0)
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

// StopAll disconnects from all Kafka clusters and stops workers.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
	} else {
		oldStopChan := m.stopChan
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
		m.mu.Unlock()

		close(oldStopChan)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logging.DebugLog("kafka", "timeout waiting for publish workers to stop")
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

// LoadFromConfigs loads multiple cluster configurations.
func (m *Manager) LoadFromConfigs(configs []Config) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// Publish sends a parameter value to all connected clusters. Only changed
// values go out unless force is set.
func (m *Manager) Publish(controller, param, unit string, value interface{}, writable, force bool) {
	m.startWorkers()

	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.mu.RUnlock()

	for _, p := range producers {
		if p.GetStatus() != StatusConnected || p.config.Topic == "" {
			continue
		}

		cacheKey := fmt.Sprintf("%s/%s/%s", p.config.Name, controller, param)

		m.lastMu.RLock()
		lastValue, exists := m.lastValues[cacheKey]
		m.lastMu.RUnlock()

		if exists && !force && fmt.Sprintf("%v", lastValue) == fmt.Sprintf("%v", value) {
			continue
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
			continue
		}

		// Key by controller.param for per-parameter ordering
		job := publishJob{
			producer: p,
			topic:    p.config.Topic,
			key:      []byte(fmt.Sprintf("%s.%s", controller, param)),
			payload:  payload,
			cacheKey: cacheKey,
			value:    value,
		}
		select {
		case m.publishQueue <- job:
		default:
			logging.DebugLog("kafka", "publish queue full, dropping message for %s", cacheKey)
		}
	}
}

// PublishHealth publishes controller status to all connected clusters on
// the health sub-topic.
func (m *Manager) PublishHealth(controller string, online bool, status, errMsg string) {
	m.startWorkers()

	m.mu.RLock()
	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	m.mu.RUnlock()

	for _, p := range producers {
		if p.GetStatus() != StatusConnected || p.config.Topic == "" {
			continue
		}

		msg := HealthMessage{
			Controller: controller,
			Online:     online,
			Status:     status,
			Error:      errMsg,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}

		job := publishJob{
			producer: p,
			topic:    p.config.Topic + ".health",
			key:      []byte(controller),
			payload:  payload,
			cacheKey: fmt.Sprintf("%s/%s/health", p.config.Name, controller),
		}
		select {
		case m.publishQueue <- job:
		default:
			logging.DebugLog("kafka", "publish queue full, dropping health message for %s", controller)
		}
	}
}

// AnyConnected returns true if any cluster is connected.
func (m *Manager) AnyConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.producers {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// ClearLastValues clears the change tracking cache, forcing republish of
// all values.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}
