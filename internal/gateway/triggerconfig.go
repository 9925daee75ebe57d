package gateway

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/relaycore/relay/internal/store"
)

// triggerConfigSchemas holds one compiled JSON Schema per trigger type,
// describing the shape internal/triggersource expects inside
// store.Trigger.Config. Rejecting a malformed config at creation time
// means a typo surfaces as a 400 to the caller instead of a silent
// no-op the next time the poller or webhook receiver runs.
var triggerConfigSchemas = compileTriggerConfigSchemas()

const webhookConfigSchema = `{
  "type": "object",
  "properties": {
    "signature_type": {"type": "string", "enum": ["", "hmac-sha256", "hmac-sha1"]},
    "signature_header": {"type": "string"},
    "payload_path": {"type": "string"}
  },
  "additionalProperties": true
}`

const conditionConfigSchema = `{
  "type": "object",
  "required": ["data_source", "expression"],
  "properties": {
    "data_source": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET", "POST", ""]},
    "extract_path": {"type": "string"},
    "expression": {"type": "string", "minLength": 1},
    "poll_interval_minutes": {"type": "integer", "minimum": 1},
    "trigger_on_change_only": {"type": "boolean"}
  },
  "additionalProperties": true
}`

const eventConfigSchema = `{
  "type": "object",
  "required": ["event_source"],
  "properties": {
    "event_source": {"type": "string", "minLength": 1},
    "filters": {"type": "object"},
    "client_id": {"type": "string"},
    "client_secret": {"type": "string"},
    "token_url": {"type": "string"}
  },
  "additionalProperties": true
}`

func compileTriggerConfigSchemas() map[store.TriggerType]*jsonschema.Schema {
	raw := map[store.TriggerType]string{
		store.TriggerWebhook:   webhookConfigSchema,
		store.TriggerCondition: conditionConfigSchema,
		store.TriggerEvent:     eventConfigSchema,
	}

	out := make(map[store.TriggerType]*jsonschema.Schema, len(raw))
	for typ, schemaJSON := range raw {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			panic(fmt.Sprintf("gateway: unmarshal %s trigger schema: %v", typ, err))
		}
		resource := string(typ) + ".json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("gateway: add %s trigger schema resource: %v", typ, err))
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("gateway: compile %s trigger schema: %v", typ, err))
		}
		out[typ] = schema
	}
	return out
}

// validateTriggerConfig checks configJSON against the schema for
// triggerType. Trigger types with no schema registered here (none
// today) pass through unvalidated rather than being rejected, since
// the set of trigger types is expected to grow.
func validateTriggerConfig(triggerType store.TriggerType, configJSON []byte) error {
	schema, ok := triggerConfigSchemas[triggerType]
	if !ok {
		return nil
	}
	if len(configJSON) == 0 {
		configJSON = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(configJSON))
	if err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config does not match %s schema: %w", triggerType, err)
	}
	return nil
}
