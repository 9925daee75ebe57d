package triggersource

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/trigger"
)

type fakeTriggerLookup struct {
	byPath map[string]*store.Trigger
}

func (f *fakeTriggerLookup) GetTriggerByWebhookPath(ctx context.Context, path string) (*store.Trigger, error) {
	t, ok := f.byPath[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

type plaintextBox struct{}

func (plaintextBox) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	return ciphertext, nil
}

func newWebhookTrigger(path, secret, sigType string) *store.Trigger {
	cfg := `{"signature_type":"` + sigType + `"}`
	if sigType == "" {
		cfg = `{}`
	}
	return &store.Trigger{
		ID:               "trig-wh",
		TenantID:         "tenant-1",
		UserHandle:       "user-1",
		WebhookPath:      path,
		WebhookSecretEnc: []byte(secret),
		Config:           []byte(cfg),
	}
}

func sign(secret, body string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

func TestWebhookReceiver_UnknownPath_404(t *testing.T) {
	lookup := &fakeTriggerLookup{byPath: map[string]*store.Trigger{}}
	r := NewWebhookReceiver(lookup, plaintextBox{}, &fakeHandler{}, nil)

	res := r.Receive(context.Background(), "nope", nil, []byte("{}"))
	if res.Status != StatusNotFound {
		t.Fatalf("expected StatusNotFound, got %v", res.Status)
	}
}

func TestWebhookReceiver_MissingSignature_401(t *testing.T) {
	tr := newWebhookTrigger("abc", "s3cret", "hmac-sha256")
	lookup := &fakeTriggerLookup{byPath: map[string]*store.Trigger{"abc": tr}}
	r := NewWebhookReceiver(lookup, plaintextBox{}, &fakeHandler{}, nil)

	res := r.Receive(context.Background(), "abc", map[string]string{}, []byte(`{"x":1}`))
	if res.Status != StatusUnauthorized {
		t.Fatalf("expected StatusUnauthorized, got %v", res.Status)
	}
}

func TestWebhookReceiver_BadSignature_403(t *testing.T) {
	tr := newWebhookTrigger("abc", "s3cret", "hmac-sha256")
	lookup := &fakeTriggerLookup{byPath: map[string]*store.Trigger{"abc": tr}}
	r := NewWebhookReceiver(lookup, plaintextBox{}, &fakeHandler{}, nil)

	body := []byte(`{"x":1}`)
	headers := map[string]string{"X-Signature": "deadbeef"}
	res := r.Receive(context.Background(), "abc", headers, body)
	if res.Status != StatusForbidden {
		t.Fatalf("expected StatusForbidden, got %v", res.Status)
	}
}

func TestWebhookReceiver_GoodSignature_Accepted(t *testing.T) {
	secret := "s3cret"
	tr := newWebhookTrigger("abc", secret, "hmac-sha256")
	lookup := &fakeTriggerLookup{byPath: map[string]*store.Trigger{"abc": tr}}
	h := &fakeHandler{}
	r := NewWebhookReceiver(lookup, plaintextBox{}, h, nil)

	body := `{"x":1}`
	headers := map[string]string{"X-Signature": sign(secret, body)}
	res := r.Receive(context.Background(), "abc", headers, []byte(body))
	if res.Status != StatusAccepted {
		t.Fatalf("expected StatusAccepted, got %v: %s", res.Status, res.Message)
	}

	waitForCalls(t, h, 1)
}

func TestWebhookReceiver_NoSignatureConfigured_Accepted(t *testing.T) {
	tr := newWebhookTrigger("abc", "", "")
	lookup := &fakeTriggerLookup{byPath: map[string]*store.Trigger{"abc": tr}}
	h := &fakeHandler{}
	r := NewWebhookReceiver(lookup, plaintextBox{}, h, nil)

	res := r.Receive(context.Background(), "abc", nil, []byte(`{"x":1}`))
	if res.Status != StatusAccepted {
		t.Fatalf("expected StatusAccepted, got %v", res.Status)
	}
	waitForCalls(t, h, 1)
}

func TestWebhookReceiver_DuplicateIdempotencyKey_ReturnsAlreadyProcessed(t *testing.T) {
	tr := newWebhookTrigger("abc", "", "")
	lookup := &fakeTriggerLookup{byPath: map[string]*store.Trigger{"abc": tr}}
	h := &fakeHandler{}
	r := NewWebhookReceiver(lookup, plaintextBox{}, h, nil)

	headers := map[string]string{"X-Idempotency-Key": "dedup-key-1"}
	first := r.Receive(context.Background(), "abc", headers, []byte(`{"x":1}`))
	if first.Status != StatusAccepted {
		t.Fatalf("expected first request accepted, got %v", first.Status)
	}
	second := r.Receive(context.Background(), "abc", headers, []byte(`{"x":1}`))
	if second.Status != StatusDuplicate {
		t.Fatalf("expected second request duplicate, got %v", second.Status)
	}
	if second.Message != "Already processed" {
		t.Fatalf("expected 'Already processed' message, got %q", second.Message)
	}

	waitForCalls(t, h, 1)
}

func TestWebhookReceiver_PayloadPathExtraction(t *testing.T) {
	tr := newWebhookTrigger("abc", "", "")
	tr.Config = []byte(`{"payload_path":"event.data"}`)
	lookup := &fakeTriggerLookup{byPath: map[string]*store.Trigger{"abc": tr}}
	h := &fakeHandler{}
	r := NewWebhookReceiver(lookup, plaintextBox{}, h, nil)

	body := `{"event":{"data":{"amount":42}}}`
	res := r.Receive(context.Background(), "abc", nil, []byte(body))
	if res.Status != StatusAccepted {
		t.Fatalf("expected StatusAccepted, got %v", res.Status)
	}
	ev := waitForCalls(t, h, 1)[0]
	if fmt.Sprint(ev.Payload.Data["amount"]) != "42" {
		t.Fatalf("expected extracted amount 42, got %v", ev.Payload.Data["amount"])
	}
}

func waitForCalls(t *testing.T, h *fakeHandler, n int) []trigger.Event {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		got := len(h.calls)
		h.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(time.Millisecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.calls) != n {
		t.Fatalf("expected %d engine.Handle calls, got %d", n, len(h.calls))
	}
	out := make([]trigger.Event, len(h.calls))
	copy(out, h.calls)
	return out
}
