package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Controller.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Controller.RequestTimeout)
	}
	if cfg.Controller.MaxTimeouts != 3 {
		t.Errorf("MaxTimeouts = %d", cfg.Controller.MaxTimeouts)
	}
	if cfg.PollRate != time.Second {
		t.Errorf("PollRate = %v", cfg.PollRate)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Namespace = "fab2"
	cfg.Controller = ControllerConfig{
		Name:           "loadlock",
		Address:        "10.1.2.3",
		RequestTimeout: 5 * time.Second,
		MaxTimeouts:    5,
	}
	cfg.Parameters = []ParamSelection{
		{Name: "ChamberPressure", Enabled: true, Scale: 0.001, Unit: "mbar"},
		{Name: "PumpSpeed", Enabled: false},
	}
	cfg.PollRate = 500 * time.Millisecond

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Namespace != "fab2" {
		t.Errorf("Namespace = %q", got.Namespace)
	}
	if got.Controller != cfg.Controller {
		t.Errorf("Controller = %+v, want %+v", got.Controller, cfg.Controller)
	}
	if got.PollRate != 500*time.Millisecond {
		t.Errorf("PollRate = %v", got.PollRate)
	}
	if len(got.Parameters) != 2 || got.Parameters[0].Scale != 0.001 || got.Parameters[0].Unit != "mbar" {
		t.Errorf("Parameters = %+v", got.Parameters)
	}
}

func TestLoadFillsCacheDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("controller:\n  address: vac1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheDir != filepath.Join(dir, "sdb-cache") {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("controller: [unclosed"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("bad YAML accepted")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Controller.Address = "10.1.2.3"
		return cfg
	}

	t.Run("valid config", func(t *testing.T) {
		if err := valid().Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("missing address", func(t *testing.T) {
		cfg := valid()
		cfg.Controller.Address = ""
		if err := cfg.Validate(); err == nil {
			t.Error("missing address accepted")
		}
	})

	t.Run("bad namespace", func(t *testing.T) {
		cfg := valid()
		cfg.Namespace = "fab 2/line"
		if err := cfg.Validate(); err == nil {
			t.Error("namespace with spaces accepted")
		}
	})

	t.Run("duplicate parameter", func(t *testing.T) {
		cfg := valid()
		cfg.Parameters = []ParamSelection{{Name: "P"}, {Name: "P"}}
		if err := cfg.Validate(); err == nil {
			t.Error("duplicate selection accepted")
		}
	})

	t.Run("empty parameter name", func(t *testing.T) {
		cfg := valid()
		cfg.Parameters = []ParamSelection{{Name: ""}}
		if err := cfg.Validate(); err == nil {
			t.Error("empty name accepted")
		}
	})

	t.Run("negative scale", func(t *testing.T) {
		cfg := valid()
		cfg.Parameters = []ParamSelection{{Name: "P", Scale: -1}}
		if err := cfg.Validate(); err == nil {
			t.Error("negative scale accepted")
		}
	})
}

func TestIsValidNamespace(t *testing.T) {
	for _, ns := range []string{"factory", "fab-2", "line_3", "site.cell"} {
		if !IsValidNamespace(ns) {
			t.Errorf("IsValidNamespace(%q) = false", ns)
		}
	}
	for _, ns := range []string{"", "fab 2", "fab/2", "fab#2"} {
		if IsValidNamespace(ns) {
			t.Errorf("IsValidNamespace(%q) = true", ns)
		}
	}
}

func TestEnabledParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Parameters = []ParamSelection{
		{Name: "A", Enabled: true},
		{Name: "B"},
		{Name: "C", Enabled: true},
	}
	got := cfg.EnabledParams()
	if len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Errorf("EnabledParams = %v", got)
	}
}

func TestFindHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Parameters = []ParamSelection{{Name: "P", Scale: 2}}
	cfg.MQTT = []MQTTConfig{{Name: "plant"}}
	cfg.Valkey = []ValkeyConfig{{Name: "edge"}}
	cfg.Kafka = []KafkaConfig{{Name: "dc"}}

	if cfg.FindParam("P") == nil || cfg.FindParam("Q") != nil {
		t.Error("FindParam")
	}
	if cfg.FindMQTT("plant") == nil || cfg.FindMQTT("x") != nil {
		t.Error("FindMQTT")
	}
	if cfg.FindValkey("edge") == nil || cfg.FindValkey("x") != nil {
		t.Error("FindValkey")
	}
	if cfg.FindKafka("dc") == nil || cfg.FindKafka("x") != nil {
		t.Error("FindKafka")
	}

	// Returned pointers alias the config so callers can mutate in place.
	cfg.FindParam("P").Unit = "mbar"
	if cfg.Parameters[0].Unit != "mbar" {
		t.Error("FindParam does not alias the slice")
	}
}
