package transport

import (
	"context"
	"errors"
	"testing"
)

type fakeChannel struct {
	name       string
	sent       []string
	sendErr    error
	resolveErr error
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) ResolveRecipient(ctx context.Context, userHandle string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return "handle-" + userHandle, nil
}

func (f *fakeChannel) Send(ctx context.Context, channelHandle, text string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, channelHandle+":"+text)
	return "msg-1", nil
}

type fakeTenants struct {
	channel string
	err     error
}

func (f *fakeTenants) ChannelForTenant(ctx context.Context, tenantID string) (string, error) {
	return f.channel, f.err
}

func TestResolver_Send_DispatchesToConfiguredChannel(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	r := NewResolver(&fakeTenants{channel: "telegram"}, ch)

	if err := r.Send(context.Background(), "tenant-1", "555", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(ch.sent) != 1 || ch.sent[0] != "handle-555:hello" {
		t.Fatalf("unexpected sent messages: %v", ch.sent)
	}
}

func TestResolver_SendWithID_ReturnsTransportMessageID(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	r := NewResolver(&fakeTenants{channel: "telegram"}, ch)

	id, err := r.SendWithID(context.Background(), "tenant-1", "555", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "msg-1" {
		t.Fatalf("expected transport message id, got %q", id)
	}
}

func TestResolver_UnknownChannel_ReturnsError(t *testing.T) {
	r := NewResolver(&fakeTenants{channel: "carrier-pigeon"})

	if err := r.Send(context.Background(), "tenant-1", "555", "hello"); err == nil {
		t.Fatal("expected error for unregistered channel")
	}
}

func TestResolver_SendFailure_WrapsTransportError(t *testing.T) {
	ch := &fakeChannel{name: "telegram", sendErr: errors.New("upstream rejected")}
	r := NewResolver(&fakeTenants{channel: "telegram"}, ch)

	err := r.Send(context.Background(), "tenant-1", "555", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
}

func TestResolver_ResolveRecipient_Passthrough(t *testing.T) {
	ch := &fakeChannel{name: "telegram"}
	r := NewResolver(&fakeTenants{channel: "telegram"}, ch)

	handle, err := r.ResolveRecipient(context.Background(), "tenant-1", "555")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if handle != "handle-555" {
		t.Fatalf("unexpected handle: %q", handle)
	}
}

func TestParseTelegramWebhook_TextMessage(t *testing.T) {
	body := []byte(`{"update_id":1,"message":{"message_id":42,"chat":{"id":555},"text":"hi there"}}`)
	msg, err := ParseTelegramWebhook("tenant-1", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a normalized message")
	}
	if msg.TenantID != "tenant-1" || msg.UserHandle != "555" || msg.Text != "hi there" || msg.TransportMessageID != "42" {
		t.Fatalf("unexpected normalization: %+v", msg)
	}
}

func TestParseTelegramWebhook_NonMessageUpdate_ReturnsNil(t *testing.T) {
	body := []byte(`{"update_id":1}`)
	msg, err := ParseTelegramWebhook("tenant-1", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil for non-message update, got %+v", msg)
	}
}

func TestParseTelegramWebhook_BlankText_ReturnsNil(t *testing.T) {
	body := []byte(`{"update_id":1,"message":{"message_id":1,"chat":{"id":1},"text":"   "}}`)
	msg, err := ParseTelegramWebhook("tenant-1", body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil for blank text, got %+v", msg)
	}
}
