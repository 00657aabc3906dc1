// Package models defines the core domain models for channel ingestion and automation execution.
package models

import "time"

// ChannelType enumerates the transport kind behind a channel.
type ChannelType string

const (
	ChannelTypeTelegram ChannelType = "telegram"
	ChannelTypeWhatsApp ChannelType = "whatsapp"
	ChannelTypeWebhook  ChannelType = "webhook"
)

// Pollable reports whether updates for this transport kind are pulled by long polling.
func (t ChannelType) Pollable() bool {
	return t == ChannelTypeTelegram
}

// Channel is an external messaging endpoint. Credentials are opaque to the core
// and only interpreted by the matching transport factory.
type Channel struct {
	ID          string            `json:"id"                    validate:"required"`
	Name        string            `json:"name"                  validate:"required,min=1"`
	Type        ChannelType       `json:"type"                  validate:"required,oneof=telegram whatsapp webhook"`
	Active      bool              `json:"active"`
	Credentials map[string]string `json:"credentials,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Credential returns a credential value or an empty string.
func (c *Channel) Credential(key string) string {
	if c.Credentials == nil {
		return ""
	}

	return c.Credentials[key]
}

// Cursor is the last-acknowledged position in a channel's update stream.
// Offset is the id of the next update to fetch.
type Cursor struct {
	ChannelID string    `json:"channel_id"`
	Offset    int64     `json:"offset"`
	UpdatedAt time.Time `json:"updated_at"`
}
