package models

import (
	"strconv"
	"time"
)

// MediaKind classifies an attachment on an inbound or outbound message.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
	MediaKindFile  MediaKind = "file"
	MediaKindAudio MediaKind = "audio"
)

type Attachment struct {
	Kind     MediaKind `json:"kind"`
	FileID   string    `json:"file_id,omitempty"`
	URL      string    `json:"url,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	FileName string    `json:"file_name,omitempty"`
}

// InboundEvent is a provider-independent message received on a channel.
type InboundEvent struct {
	ChannelID        string       `json:"channel_id"`
	ChannelType      ChannelType  `json:"channel_type"`
	UpdateID         int64        `json:"update_id"`
	ExternalChatID   string       `json:"external_chat_id"`
	ExternalSenderID string       `json:"external_sender_id"`
	SenderName       string       `json:"sender_name,omitempty"`
	SenderUsername   string       `json:"sender_username,omitempty"`
	Text             string       `json:"text,omitempty"`
	CallbackData     string       `json:"callback_data,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`

	// Edited marks a correction of a message the client already sent.
	Edited bool `json:"edited,omitempty"`
}

// IdempotencyKey identifies the raw update the event was built from.
func (e InboundEvent) IdempotencyKey() string {
	return e.ChannelID + ":" + strconv.FormatInt(e.UpdateID, 10)
}

// Content returns the text a keyword trigger should look at.
func (e InboundEvent) Content() string {
	if e.Text != "" {
		return e.Text
	}

	return e.CallbackData
}

// AsMap exposes the event to templates and condition predicates.
func (e InboundEvent) AsMap() map[string]any {
	attachments := make([]any, 0, len(e.Attachments))
	for _, a := range e.Attachments {
		attachments = append(attachments, map[string]any{
			"kind":      string(a.Kind),
			"file_id":   a.FileID,
			"url":       a.URL,
			"mime_type": a.MimeType,
			"file_name": a.FileName,
		})
	}

	return map[string]any{
		"channel_id":         e.ChannelID,
		"channel_type":       string(e.ChannelType),
		"update_id":          e.UpdateID,
		"external_chat_id":   e.ExternalChatID,
		"external_sender_id": e.ExternalSenderID,
		"sender_name":        e.SenderName,
		"sender_username":    e.SenderUsername,
		"text":               e.Text,
		"callback_data":      e.CallbackData,
		"attachments":        attachments,
		"edited":             e.Edited,
		"timestamp":          e.Timestamp.UTC().Format(time.RFC3339),
	}
}
