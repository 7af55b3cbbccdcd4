package mqtt

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/luksan/leybold-opc/config"
)

// TestChangeDetectionLogic tests the publish-on-change decision directly.
func TestChangeDetectionLogic(t *testing.T) {
	t.Run("identical values should not republish", func(t *testing.T) {
		cache := make(map[string]interface{})
		cache["vac1/ChamberPressure"] = 2.5e-6

		cacheKey := "vac1/ChamberPressure"
		value := 2.5e-6
		force := false

		lastValue, exists := cache[cacheKey]
		shouldPublish := !exists || force || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)

		if shouldPublish {
			t.Error("identical value should not republish")
		}
	})

	t.Run("different values should republish", func(t *testing.T) {
		cache := make(map[string]interface{})
		cache["vac1/ChamberPressure"] = 2.5e-6

		cacheKey := "vac1/ChamberPressure"
		value := 3.1e-6
		force := false

		lastValue, exists := cache[cacheKey]
		shouldPublish := !exists || force || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)

		if !shouldPublish {
			t.Error("different value should republish")
		}
	})

	t.Run("force flag should override change detection", func(t *testing.T) {
		cache := make(map[string]interface{})
		cache["vac1/ChamberPressure"] = 2.5e-6

		cacheKey := "vac1/ChamberPressure"
		value := 2.5e-6
		force := true

		lastValue, exists := cache[cacheKey]
		shouldPublish := !exists || force || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)

		if !shouldPublish {
			t.Error("force should republish")
		}
	})
}

func TestBuildTopic(t *testing.T) {
	t.Run("without selector", func(t *testing.T) {
		pub := NewPublisher(&config.MQTTConfig{Name: "plant"}, "fab2")
		got := pub.BuildTopic("vac1", "ChamberPressure")
		if got != "fab2/vac1/params/ChamberPressure" {
			t.Errorf("BuildTopic = %q", got)
		}
	})

	t.Run("with selector", func(t *testing.T) {
		pub := NewPublisher(&config.MQTTConfig{Name: "plant", Selector: "loadlock"}, "fab2")
		got := pub.BuildTopic("vac1", "PumpSpeed")
		if got != "fab2/loadlock/vac1/params/PumpSpeed" {
			t.Errorf("BuildTopic = %q", got)
		}
	})
}

func TestAddress(t *testing.T) {
	pub := NewPublisher(&config.MQTTConfig{Broker: "broker.local", Port: 1883}, "ns")
	if got := pub.Address(); got != "tcp://broker.local:1883" {
		t.Errorf("Address = %q", got)
	}
	pub = NewPublisher(&config.MQTTConfig{Broker: "broker.local", Port: 8883, UseTLS: true}, "ns")
	if got := pub.Address(); got != "ssl://broker.local:8883" {
		t.Errorf("TLS Address = %q", got)
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
	if got["unit"] != "mbar" {
		t.Errorf("unit = %v", got["unit"])
	}
	if _, present := got["writable"]; !present {
		t.Error("writable missing")
	}

	// Empty unit must be omitted, not published as "".
	msg.Unit = ""
	data, _ = json.Marshal(msg)
	got = nil
	json.Unmarshal(data, &got)
	if _, present := got["unit"]; present {
		t.Error("empty unit not omitted")
	}
}

func TestPublishNotRunning(t *testing.T) {
	pub := NewPublisher(&config.MQTTConfig{Name: "plant"}, "ns")
	if pub.Publish("vac1", "ChamberPressure", "", 1.0, false, false) {
		t.Error("Publish succeeded while disconnected")
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]config.MQTTConfig{
		{Name: "plant"},
		{Name: "site"},
	}, "fab2")

	if len(m.List()) != 2 {
		t.Fatalf("List has %d publishers", len(m.List()))
	}
	if m.Get("plant") == nil || m.Get("nope") != nil {
		t.Error("Get")
	}
	if m.AnyRunning() {
		t.Error("AnyRunning with nothing started")
	}

	m.Remove("plant")
	if m.Get("plant") != nil {
		t.Error("publisher still present after Remove")
	}
	if len(m.List()) != 1 {
		t.Errorf("List has %d publishers after Remove", len(m.List()))
	}
}
