package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// InboundMessage is the normalized shape every transport-specific
// webhook handler produces, regardless of which chat platform it came
// from. The gateway forwards it to MessageProcessor.ProcessIncoming.
type InboundMessage struct {
	TenantID           string
	UserHandle         string
	Text               string
	TransportMessageID string
}

// telegramUpdate is the minimal subset of the Telegram Bot API Update
// object needed to extract a text message.
type telegramUpdate struct {
	Message *struct {
		MessageID int `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// ParseTelegramWebhook normalizes a raw Telegram Update payload posted
// to a tenant's webhook endpoint (the tenant id comes from the URL
// route, not the payload itself). Returns (nil, nil) for updates with
// no text message (e.g. edited_message, a sticker, a join event) — the
// caller should simply 200 and do nothing.
func ParseTelegramWebhook(tenantID string, body []byte) (*InboundMessage, error) {
	var upd telegramUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}
	if upd.Message == nil {
		return nil, nil
	}
	text := strings.TrimSpace(upd.Message.Text)
	if text == "" {
		return nil, nil
	}
	return &InboundMessage{
		TenantID:           tenantID,
		UserHandle:         strconv.FormatInt(upd.Message.Chat.ID, 10),
		Text:               text,
		TransportMessageID: strconv.Itoa(upd.Message.MessageID),
	}, nil
}
