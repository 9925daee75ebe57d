// Package transport implements MessageTransport: sending assistant replies
// back to a tenant's configured chat channel and resolving a tenant's
// user-handle to that channel's native recipient identifier.
package transport

import (
	"context"
	"fmt"
)

// TransportError wraps a delivery failure from an underlying channel
// implementation (network error, upstream rejection). MessageProcessor
// and the scheduler/trigger paths treat it like any other delivery
// failure; there is no built-in retry at this layer.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport(%s): %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Channel is one concrete chat-platform integration. Send delivers text
// to the recipient identified by channelHandle and returns the
// platform's own message id. ResolveRecipient maps a tenant's
// user-handle (as stored on Tenant/Message rows) to that platform's
// native recipient identifier (e.g. a numeric chat id serialized as a
// string).
type Channel interface {
	Name() string
	Send(ctx context.Context, channelHandle, text string) (transportMessageID string, err error)
	ResolveRecipient(ctx context.Context, userHandle string) (channelHandle string, err error)
}

// TenantChannels looks up which channel name a tenant is configured to
// use. Implemented by *store.Store (Tenant.MessagingChannel).
type TenantChannels interface {
	ChannelForTenant(ctx context.Context, tenantID string) (string, error)
}

// Resolver is the single front door every tenant's outbound message
// passes through. It maps (tenant -> channel) via TenantChannels, then
// dispatches to the named Channel implementation. A Resolver value
// satisfies the narrower MessageTransport interfaces declared locally
// by internal/scheduler, internal/trigger and internal/message.
type Resolver struct {
	tenants  TenantChannels
	channels map[string]Channel
}

// NewResolver builds a Resolver over a set of registered channels,
// keyed by Channel.Name().
func NewResolver(tenants TenantChannels, channels ...Channel) *Resolver {
	m := make(map[string]Channel, len(channels))
	for _, c := range channels {
		m[c.Name()] = c
	}
	return &Resolver{tenants: tenants, channels: m}
}

// Send resolves the tenant's channel and user-handle, then delivers
// text. It satisfies the single-return-value MessageTransport
// interfaces used by the scheduler and trigger engine, which have no
// use for the platform message id.
func (r *Resolver) Send(ctx context.Context, tenantID, userHandle, text string) error {
	_, err := r.SendWithID(ctx, tenantID, userHandle, text)
	return err
}

// SendWithID is the richer form used by internal/message, which
// persists the platform's message id on the outbound Message row.
func (r *Resolver) SendWithID(ctx context.Context, tenantID, userHandle, text string) (string, error) {
	ch, err := r.channelFor(ctx, tenantID)
	if err != nil {
		return "", err
	}
	handle, err := ch.ResolveRecipient(ctx, userHandle)
	if err != nil {
		return "", &TransportError{Channel: ch.Name(), Err: err}
	}
	id, err := ch.Send(ctx, handle, text)
	if err != nil {
		return "", &TransportError{Channel: ch.Name(), Err: err}
	}
	return id, nil
}

// ResolveRecipient exposes the per-tenant channel's recipient
// resolution directly, e.g. for building a webhook-delivery preview.
func (r *Resolver) ResolveRecipient(ctx context.Context, tenantID, userHandle string) (string, error) {
	ch, err := r.channelFor(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return ch.ResolveRecipient(ctx, userHandle)
}

func (r *Resolver) channelFor(ctx context.Context, tenantID string) (Channel, error) {
	name, err := r.tenants.ChannelForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve tenant channel: %w", err)
	}
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("transport: no channel registered for %q", name)
	}
	return ch, nil
}
