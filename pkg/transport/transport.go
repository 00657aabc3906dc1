// Package transport defines the channel transport capability used to pull updates and deliver messages.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/deskflow/pkg/models"
)

// Update is a raw provider update. ID orders updates within a channel's stream.
type Update struct {
	ID        int64           `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

type OutboundMessage struct {
	ExternalChatID string              `json:"external_chat_id"`
	Text           string              `json:"text,omitempty"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	Buttons        []Button            `json:"buttons,omitempty"`
}

type DeliveryResult struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// ChannelTransport is one channel's connection to its messaging provider.
type ChannelTransport interface {
	// FetchUpdates long-polls for updates with id >= offset, returning them in stream order.
	FetchUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)

	SendMessage(ctx context.Context, message OutboundMessage) (*DeliveryResult, error)

	// DeleteWebhook disables push delivery so polling can own the stream.
	DeleteWebhook(ctx context.Context) error
}

// NextOffset returns the cursor position after the given updates.
func NextOffset(current int64, updates []Update) int64 {
	next := current
	for _, update := range updates {
		if update.ID >= next {
			next = update.ID + 1
		}
	}

	return next
}
