package triggersource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaycore/relay/internal/store"
	"github.com/relaycore/relay/internal/trigger"
)

// emailPollInterval is the minimum cadence for the illustrative
// email/mailbox poller; unlike the one-minute condition poller,
// polling a mailbox provider more often risks rate limits.
const emailPollInterval = 5 * time.Minute

// oauthRefreshWindow triggers a token refresh once expiry is this close.
const oauthRefreshWindow = time.Minute

// seenWindow bounds how many processed message ids each trigger
// remembers, so the set never grows unbounded across a long-lived
// process.
const seenWindow = 100

// emailConfig is the EVENT/outlook-source slice of Trigger.Config.
type emailConfig struct {
	EventSource  string         `json:"event_source"` // "outlook"
	Filters      map[string]any `json:"filters"`
	ClientID     string         `json:"client_id"`
	ClientSecret string         `json:"client_secret"`
	TokenURL     string         `json:"token_url"`
}

// EventTriggerStore is the subset of *store.Store the email poller
// needs to find EVENT triggers and persist refreshed OAuth tokens.
type EventTriggerStore interface {
	ListActiveEventTriggers(ctx context.Context, eventSource string) ([]*store.Trigger, error)
	SaveTriggerConfig(ctx context.Context, id string, config []byte) error
}

// MailboxClient is the subset of a mailbox provider's API the poller
// exercises. Concrete callers implement this against Microsoft Graph or
// an equivalent; tests use a fake.
type MailboxClient interface {
	UnreadMessages(ctx context.Context, token *oauth2.Token, filters map[string]any) ([]MailMessage, error)
	MarkRead(ctx context.Context, token *oauth2.Token, messageID string) error
}

// TokenBox is the subset of *cryptoutil.Box the email poller needs to
// read and re-seal an OAuth token at rest.
type TokenBox interface {
	Decrypt(ciphertext, additionalData []byte) ([]byte, error)
	Encrypt(plaintext, additionalData []byte) ([]byte, error)
}

// MailMessage is the subset of a provider's message the poller needs.
type MailMessage struct {
	ID      string
	Subject string
	From    string
	Body    string
}

// EmailPoller fires EVENT triggers backed by a polled mailbox. It is
// illustrative: outlook is the only event_source wired here, but the
// shape generalizes to any provider behind MailboxClient.
type EmailPoller struct {
	triggers EventTriggerStore
	mailbox  MailboxClient
	box      TokenBox
	engine   Handler
	oauthCfg *oauth2.Config
	logger   *slog.Logger

	mu   sync.Mutex
	seen map[string][]string // trigger id -> rolling window of processed message ids
}

func NewEmailPoller(triggers EventTriggerStore, mailbox MailboxClient, box TokenBox, engine Handler, oauthCfg *oauth2.Config, logger *slog.Logger) *EmailPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailPoller{
		triggers: triggers,
		mailbox:  mailbox,
		box:      box,
		engine:   engine,
		oauthCfg: oauthCfg,
		logger:   logger,
		seen:     map[string][]string{},
	}
}

// Run ticks on emailPollInterval until ctx is cancelled.
func (p *EmailPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(emailPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *EmailPoller) tick(ctx context.Context) {
	triggers, err := p.triggers.ListActiveEventTriggers(ctx, "outlook")
	if err != nil {
		p.logger.Error("triggersource: load active event triggers failed", "error", err)
		return
	}
	for _, t := range triggers {
		p.pollOne(ctx, t)
	}
}

func (p *EmailPoller) pollOne(ctx context.Context, t *store.Trigger) {
	var cfg emailConfig
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		p.logger.Error("triggersource: bad email trigger config", "trigger_id", t.ID, "error", err)
		return
	}

	token, err := p.loadToken(t)
	if err != nil {
		p.logger.Error("triggersource: load oauth token failed", "trigger_id", t.ID, "error", err)
		return
	}
	token, refreshed, err := p.refreshIfNeeded(ctx, token)
	if err != nil {
		p.logger.Error("triggersource: refresh oauth token failed", "trigger_id", t.ID, "error", err)
		return
	}
	if refreshed {
		if err := p.saveToken(ctx, t, token); err != nil {
			p.logger.Error("triggersource: persist refreshed oauth token failed", "trigger_id", t.ID, "error", err)
		}
	}

	msgs, err := p.mailbox.UnreadMessages(ctx, token, cfg.Filters)
	if err != nil {
		p.logger.Warn("triggersource: fetch unread messages failed", "trigger_id", t.ID, "error", err)
		return
	}

	for _, m := range msgs {
		if p.alreadySeen(t.ID, m.ID) {
			continue
		}
		p.remember(t.ID, m.ID)

		ev := trigger.Event{
			TriggerID:  t.ID,
			TenantID:   t.TenantID,
			UserHandle: t.UserHandle,
			Payload: trigger.Payload{
				Source: "outlook",
				Data: map[string]any{
					"subject": m.Subject,
					"from":    m.From,
					"body":    m.Body,
				},
			},
			Timestamp: time.Now().UTC(),
		}
		p.engine.Handle(context.WithoutCancel(ctx), ev)

		if err := p.mailbox.MarkRead(ctx, token, m.ID); err != nil {
			p.logger.Warn("triggersource: mark message read failed", "trigger_id", t.ID, "message_id", m.ID, "error", err)
		}
		// Only the first unseen message per tick fires; the rest wait
		// for the next poll so a burst of mail doesn't flood the
		// assistant with simultaneous invocations.
		break
	}
}

func (p *EmailPoller) alreadySeen(triggerID, messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.seen[triggerID] {
		if id == messageID {
			return true
		}
	}
	return false
}

func (p *EmailPoller) remember(triggerID, messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := append(p.seen[triggerID], messageID)
	if len(ids) > seenWindow {
		ids = ids[len(ids)-seenWindow:]
	}
	p.seen[triggerID] = ids
}

// storedToken is the JSON shape persisted (encrypted) in
// Trigger.Config's token field.
type storedToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

func (p *EmailPoller) loadToken(t *store.Trigger) (*oauth2.Token, error) {
	var cfg struct {
		TokenEnc []byte `json:"token_enc"`
	}
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		return nil, err
	}
	plaintext, err := p.box.Decrypt(cfg.TokenEnc, []byte(t.ID))
	if err != nil {
		return nil, fmt.Errorf("decrypt oauth token: %w", err)
	}
	var st storedToken
	if err := json.Unmarshal(plaintext, &st); err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		Expiry:       st.Expiry,
	}, nil
}

func (p *EmailPoller) refreshIfNeeded(ctx context.Context, token *oauth2.Token) (*oauth2.Token, bool, error) {
	if token.Valid() && time.Until(token.Expiry) > oauthRefreshWindow {
		return token, false, nil
	}
	if p.oauthCfg == nil {
		return token, false, fmt.Errorf("no oauth config to refresh with")
	}
	fresh, err := p.oauthCfg.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}

func (p *EmailPoller) saveToken(ctx context.Context, t *store.Trigger, token *oauth2.Token) error {
	plaintext, err := json.Marshal(storedToken{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	})
	if err != nil {
		return err
	}
	ciphertext, err := p.box.Encrypt(plaintext, []byte(t.ID))
	if err != nil {
		return err
	}

	var cfg map[string]any
	if err := json.Unmarshal(t.Config, &cfg); err != nil {
		cfg = map[string]any{}
	}
	cfg["token_enc"] = ciphertext
	merged, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return p.triggers.SaveTriggerConfig(ctx, t.ID, merged)
}
