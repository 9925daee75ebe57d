// Package triggersource implements the event-source adapters that feed
// TriggerEngine.Handle: an inbound webhook receiver, a condition poller,
// and an (illustrative) email poller.
package triggersource

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/trigger"
)

// idempotencyTTL bounds the webhook dedup window.
const idempotencyTTL = 5 * time.Minute

// webhookConfig is the WEBHOOK-type slice of Trigger.Config.
type webhookConfig struct {
	SignatureType   string `json:"signature_type"`   // "hmac-sha256" | "hmac-sha1" | ""
	SignatureHeader string `json:"signature_header"` // default "X-Signature"
	PayloadPath     string `json:"payload_path"`     // optional dot path into the body
}

// TriggerLookup resolves a webhook path to its trigger row.
type TriggerLookup interface {
	GetTriggerByWebhookPath(ctx context.Context, path string) (*store.Trigger, error)
}

// SecretBox decrypts the trigger's webhook signing secret, stored
// encrypted at rest via internal/cryptoutil.
type SecretBox interface {
	Decrypt(ciphertext, additionalData []byte) ([]byte, error)
}

// Handler is satisfied by *trigger.Engine.
type Handler interface {
	Handle(ctx context.Context, ev trigger.Event)
}

// WebhookStatus is the outcome of processing one inbound webhook POST,
// mapped 1:1 onto the HTTP status code returned to the caller.
type WebhookStatus int

const (
	StatusAccepted WebhookStatus = iota
	StatusNotFound
	StatusUnauthorized
	StatusForbidden
	StatusDuplicate
)

// WebhookResult is what the gateway's HTTP handler turns into a
// response body.
type WebhookResult struct {
	Status  WebhookStatus
	Message string
}

// WebhookReceiver dispatches inbound trigger webhooks to the engine.
type WebhookReceiver struct {
	triggers TriggerLookup
	box      SecretBox
	engine   Handler
	logger   *slog.Logger

	mu    sync.Mutex
	seen  map[string]time.Time // idempotency key -> expiry
}

func NewWebhookReceiver(triggers TriggerLookup, box SecretBox, engine Handler, logger *slog.Logger) *WebhookReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookReceiver{triggers: triggers, box: box, engine: engine, logger: logger, seen: map[string]time.Time{}}
}

// Receive handles one inbound webhook POST. path is the URL segment
// after /webhooks/trigger/; headers must already have Authorization
// and any signature header present (Receive itself strips them before
// logging). engine.Handle is invoked in a new goroutine so Receive
// never blocks on trigger execution.
func (r *WebhookReceiver) Receive(ctx context.Context, path string, headers map[string]string, body []byte) WebhookResult {
	t, err := r.triggers.GetTriggerByWebhookPath(ctx, path)
	if err != nil {
		return WebhookResult{Status: StatusNotFound, Message: "unknown webhook path"}
	}

	var cfg webhookConfig
	if len(t.Config) > 0 {
		_ = json.Unmarshal(t.Config, &cfg)
	}
	sigHeaderName := cfg.SignatureHeader
	if sigHeaderName == "" {
		sigHeaderName = "X-Signature"
	}

	if cfg.SignatureType != "" {
		sig := headerValue(headers, sigHeaderName)
		if sig == "" {
			return WebhookResult{Status: StatusUnauthorized, Message: "missing signature"}
		}
		secret, err := r.decryptSecret(t)
		if err != nil {
			r.logger.Error("triggersource: decrypt webhook secret failed", "trigger_id", t.ID, "error", err)
			return WebhookResult{Status: StatusForbidden, Message: "signature verification unavailable"}
		}
		if !verifySignature(cfg.SignatureType, secret, body, sig) {
			return WebhookResult{Status: StatusForbidden, Message: "bad signature"}
		}
	}

	if key := headerValue(headers, "X-Idempotency-Key"); key != "" {
		if r.isDuplicate(t.ID + ":" + key) {
			return WebhookResult{Status: StatusDuplicate, Message: "Already processed"}
		}
	}

	r.logger.Info("triggersource: webhook accepted", "trigger_id", t.ID, "headers", redactHeaders(headers))

	ev := buildEvent(t, body, cfg.PayloadPath)
	go r.engine.Handle(context.WithoutCancel(ctx), ev)

	return WebhookResult{Status: StatusAccepted, Message: "Accepted"}
}

func (r *WebhookReceiver) decryptSecret(t *store.Trigger) ([]byte, error) {
	if len(t.WebhookSecretEnc) == 0 {
		return nil, fmt.Errorf("no webhook secret configured")
	}
	return r.box.Decrypt(t.WebhookSecretEnc, []byte(t.ID))
}

func (r *WebhookReceiver) isDuplicate(key string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, exp := range r.seen {
		if now.After(exp) {
			delete(r.seen, k)
		}
	}
	if exp, ok := r.seen[key]; ok && now.Before(exp) {
		return true
	}
	r.seen[key] = now.Add(idempotencyTTL)
	return false
}

func verifySignature(algo string, secret, body []byte, signature string) bool {
	var sum []byte
	switch strings.ToLower(algo) {
	case "hmac-sha256":
		h := hmac.New(sha256.New, secret)
		h.Write(body)
		sum = h.Sum(nil)
	case "hmac-sha1":
		h := hmac.New(sha1.New, secret)
		h.Write(body)
		sum = h.Sum(nil)
	default:
		return false
	}
	expected := hex.EncodeToString(sum)
	signature = strings.TrimPrefix(strings.ToLower(signature), "sha256=")
	signature = strings.TrimPrefix(signature, "sha1=")
	return hmac.Equal([]byte(expected), []byte(signature))
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// redactHeaders strips authorization and signature material before the
// headers are logged.
func redactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		if lower == "authorization" || strings.Contains(lower, "signature") {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func buildEvent(t *store.Trigger, body []byte, payloadPath string) trigger.Event {
	var parsed any
	_ = json.Unmarshal(body, &parsed)

	data := map[string]any{}
	if payloadPath != "" {
		if v, ok := lookupJSONPath(parsed, payloadPath); ok {
			if m, ok := v.(map[string]any); ok {
				data = m
			} else {
				data = map[string]any{"value": v}
			}
		}
	} else if m, ok := parsed.(map[string]any); ok {
		data = m
	}

	return trigger.Event{
		TriggerID:  t.ID,
		TenantID:   t.TenantID,
		UserHandle: t.UserHandle,
		Payload: trigger.Payload{
			Source: "webhook",
			Data:   data,
			Metadata: map[string]any{
				"originalPayload": json.RawMessage(body),
			},
		},
		Timestamp: time.Now().UTC(),
	}
}

// lookupJSONPath walks a dot-separated path through a json.Unmarshal'd
// value (maps and, for numeric segments, slices).
func lookupJSONPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
