// Package config handles configuration persistence for the OPC client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace  string           `yaml:"namespace"` // instance namespace for topic/key isolation
	Controller ControllerConfig `yaml:"controller"`
	Parameters []ParamSelection `yaml:"parameters,omitempty"`
	PollRate   time.Duration    `yaml:"poll_rate"`
	CacheDir   string           `yaml:"cache_dir,omitempty"` // schema cache location, defaults next to the config file
	MQTT       []MQTTConfig     `yaml:"mqtt,omitempty"`
	Valkey     []ValkeyConfig   `yaml:"valkey,omitempty"`
	Kafka      []KafkaConfig    `yaml:"kafka,omitempty"`
	Debug      DebugConfig      `yaml:"debug,omitempty"`
}

// ControllerConfig describes the Vacvision controller to connect to.
type ControllerConfig struct {
	Name           string        `yaml:"name"`
	Address        string        `yaml:"address"`                   // host or host:port, port defaults to 1202
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"` // per-request response timeout
	MaxTimeouts    int           `yaml:"max_timeouts,omitempty"`    // consecutive timeouts before the connection faults
}

// ParamSelection selects one parameter for polling, with optional
// engineering-unit conversion. The controller's parameter database carries
// no scaling, so it lives here.
type ParamSelection struct {
	Name    string  `yaml:"name"`
	Enabled bool    `yaml:"enabled"`
	Scale   float64 `yaml:"scale,omitempty"` // raw * scale = engineering value, 0 means 1
	Unit    string  `yaml:"unit,omitempty"`  // e.g. "mbar"
}

// DebugConfig controls the protocol debug log.
type DebugConfig struct {
	LogFile string `yaml:"log_file,omitempty"`
	Filter  string `yaml:"filter,omitempty"` // comma-separated components, empty logs all
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`           // Redis DB number (default 0)
	Selector       string        `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // TTL for keys (0 = no expiry)
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Publish to Pub/Sub on changes
}

// KafkaConfig holds Kafka producer configuration.
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
	Selector      string        `yaml:"selector,omitempty"` // Optional sub-namespace
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			RequestTimeout: 2 * time.Second,
			MaxTimeouts:    3,
		},
		Parameters: []ParamSelection{},
		PollRate:   time.Second,
		MQTT:       []MQTTConfig{},
		Valkey:     []ValkeyConfig{},
		Kafka:      []KafkaConfig{},
	}
}

// DefaultPath returns the default configuration file path (~/.leybold-opc/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".leybold-opc", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults without error so a first run can write its own config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.Controller.RequestTimeout <= 0 {
		cfg.Controller.RequestTimeout = 2 * time.Second
	}
	if cfg.Controller.MaxTimeouts <= 0 {
		cfg.Controller.MaxTimeouts = 3
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = time.Second
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(filepath.Dir(path), "sdb-cache")
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, and underscores")
	}
	if c.Controller.Address == "" {
		return fmt.Errorf("controller address is required")
	}
	seen := make(map[string]bool, len(c.Parameters))
	for _, p := range c.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter selection with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("parameter %q selected twice", p.Name)
		}
		seen[p.Name] = true
		if p.Scale < 0 {
			return fmt.Errorf("parameter %q: negative scale", p.Name)
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

// EnabledParams returns the names of the enabled parameter selections,
// preserving order.
func (c *Config) EnabledParams() []string {
	names := make([]string, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		if p.Enabled {
			names = append(names, p.Name)
		}
	}
	return names
}

// FindParam returns the selection for name, or nil if not present.
func (c *Config) FindParam(name string) *ParamSelection {
	for i := range c.Parameters {
		if c.Parameters[i].Name == name {
			return &c.Parameters[i]
		}
	}
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

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
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
