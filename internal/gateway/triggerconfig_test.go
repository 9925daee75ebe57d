package gateway

import (
	"strings"
	"testing"

	"github.com/relaycore/relay/internal/store"
)

func TestValidateTriggerConfig_WebhookAcceptsEmpty(t *testing.T) {
	if err := validateTriggerConfig(store.TriggerWebhook, nil); err != nil {
		t.Fatalf("expected empty webhook config to pass, got %v", err)
	}
}

func TestValidateTriggerConfig_ConditionRequiresDataSource(t *testing.T) {
	err := validateTriggerConfig(store.TriggerCondition, []byte(`{"expression": "value > 10"}`))
	if err == nil {
		t.Fatal("expected error for missing data_source")
	}
	if !strings.Contains(err.Error(), "schema") {
		t.Fatalf("expected schema validation error, got %v", err)
	}
}

func TestValidateTriggerConfig_ConditionValid(t *testing.T) {
	cfg := []byte(`{"data_source": "https://api.example.com/status", "expression": "value == true", "poll_interval_minutes": 5}`)
	if err := validateTriggerConfig(store.TriggerCondition, cfg); err != nil {
		t.Fatalf("expected valid condition config to pass, got %v", err)
	}
}

func TestValidateTriggerConfig_EventRequiresSource(t *testing.T) {
	err := validateTriggerConfig(store.TriggerEvent, []byte(`{"filters": {}}`))
	if err == nil {
		t.Fatal("expected error for missing event_source")
	}
}

func TestValidateTriggerConfig_MalformedJSON(t *testing.T) {
	err := validateTriggerConfig(store.TriggerCondition, []byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestValidateTriggerConfig_UnknownTypePassesThrough(t *testing.T) {
	if err := validateTriggerConfig(store.TriggerType("FUTURE_TYPE"), []byte(`{"anything": true}`)); err != nil {
		t.Fatalf("expected unknown trigger type to pass through, got %v", err)
	}
}
