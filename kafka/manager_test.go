package kafka

import (
	"encoding/json"
	"testing"
	"time"

	appconfig "github.com/luksan/leybold-opc/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("dc")
	if cfg.Name != "dc" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if len(cfg.Brokers) != 1 || cfg.Brokers[0] != "localhost:9092" {
		t.Errorf("Brokers = %v", cfg.Brokers)
	}
	if cfg.RequiredAcks != -1 {
		t.Errorf("RequiredAcks = %d, want -1", cfg.RequiredAcks)
	}
	if cfg.MaxRetries != 3 || cfg.RetryBackoff != 100*time.Millisecond {
		t.Errorf("retries = %d backoff %v", cfg.MaxRetries, cfg.RetryBackoff)
	}
}

func TestFromAppConfig(t *testing.T) {
	t.Run("topic without selector", func(t *testing.T) {
		cfg := FromAppConfig(appconfig.KafkaConfig{Name: "dc", Enabled: true}, "fab2")
		if cfg.Topic != "fab2.params" {
			t.Errorf("Topic = %q", cfg.Topic)
		}
		if !cfg.Enabled {
			t.Error("Enabled not carried over")
		}
	})

	t.Run("topic with selector", func(t *testing.T) {
		cfg := FromAppConfig(appconfig.KafkaConfig{Name: "dc", Selector: "loadlock"}, "fab2")
		if cfg.Topic != "fab2.loadlock.params" {
			t.Errorf("Topic = %q", cfg.Topic)
		}
	})

	t.Run("defaults survive empty fields", func(t *testing.T) {
		cfg := FromAppConfig(appconfig.KafkaConfig{Name: "dc"}, "ns")
		if len(cfg.Brokers) != 1 || cfg.Brokers[0] != "localhost:9092" {
			t.Errorf("Brokers = %v", cfg.Brokers)
		}
		if cfg.RequiredAcks != -1 || cfg.MaxRetries != 3 {
			t.Errorf("acks %d retries %d", cfg.RequiredAcks, cfg.MaxRetries)
		}
	})

	t.Run("explicit fields override defaults", func(t *testing.T) {
		cfg := FromAppConfig(appconfig.KafkaConfig{
			Name:          "dc",
			Brokers:       []string{"k1:9092", "k2:9092"},
			SASLMechanism: "SCRAM-SHA-512",
			Username:      "opc",
			RequiredAcks:  1,
			MaxRetries:    7,
			RetryBackoff:  time.Second,
		}, "ns")
		if len(cfg.Brokers) != 2 {
			t.Errorf("Brokers = %v", cfg.Brokers)
		}
		if cfg.SASLMechanism != SASLSCRAMSHA512 {
			t.Errorf("SASLMechanism = %q", cfg.SASLMechanism)
		}
		if cfg.RequiredAcks != 1 || cfg.MaxRetries != 7 || cfg.RetryBackoff != time.Second {
			t.Errorf("producer settings = %+v", cfg)
		}
	})
}

func TestGetTLSConfig(t *testing.T) {
	cfg := DefaultConfig("dc")
	if cfg.GetTLSConfig() != nil {
		t.Error("TLS config returned with TLS disabled")
	}
	cfg.UseTLS = true
	cfg.TLSSkipVerify = true
	tlsCfg := cfg.GetTLSConfig()
	if tlsCfg == nil || !tlsCfg.InsecureSkipVerify {
		t.Errorf("TLS config = %+v", tlsCfg)
	}
}

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestManagerClusters(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	cfg1 := DefaultConfig("dc")
	cfg2 := DefaultConfig("edge")
	m.AddCluster(&cfg1)
	m.AddCluster(&cfg2)

	if len(m.ListClusters()) != 2 {
		t.Fatalf("ListClusters = %v", m.ListClusters())
	}
	if m.GetProducer("dc") == nil || m.GetProducer("nope") != nil {
		t.Error("GetProducer")
	}
	if m.AnyConnected() {
		t.Error("AnyConnected with nothing connected")
	}

	m.RemoveCluster("dc")
	if m.GetProducer("dc") != nil {
		t.Error("producer still present after RemoveCluster")
	}
}

// Publishing to a disconnected cluster is dropped silently; the poll loop
// must never block on a broker.
func TestPublishDisconnectedDrops(t *testing.T) {
	m := NewManager()
	defer m.StopAll()

	cfg := DefaultConfig("dc")
	cfg.Topic = "fab2.params"
	m.AddCluster(&cfg)

	m.Publish("vac1", "ChamberPressure", "mbar", 2.5e-6, false, false)
	m.PublishHealth("vac1", true, "ready", "")

	sent, errors, _ := m.GetProducer("dc").GetStats()
	if sent != 0 || errors != 0 {
		t.Errorf("stats = %d sent %d errors", sent, errors)
	}
}

func TestParamMessageJSON(t *testing.T) {
	msg := ParamMessage{
		Controller: "vac1",
		Param:      "ChamberPressure",
		Value:      2.5e-6,
		Unit:       "mbar",
		Writable:   false,
		Timestamp:  "2026-08-31T12:00:00Z",
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["controller"] != "vac1" || got["param"] != "ChamberPressure" {
		t.Errorf("message = %v", got)
	}
}

func TestClearLastValues(t *testing.T) {
	m := NewManager()
	defer m.StopAll()
	// Must be safe with no clusters and an empty cache.
	m.ClearLastValues()
}
