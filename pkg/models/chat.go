package models

import (
	"slices"
	"time"
)

type ChatStatus string

const (
	ChatStatusOpen   ChatStatus = "open"
	ChatStatusClosed ChatStatus = "closed"
)

type ChatPriority string

const (
	PriorityLow    ChatPriority = "low"
	PriorityNormal ChatPriority = "normal"
	PriorityHigh   ChatPriority = "high"
	PriorityUrgent ChatPriority = "urgent"
)

// Chat is a conversation between a client and the helpdesk on one channel.
type Chat struct {
	ID                    string         `json:"id"`
	ChannelID             string         `json:"channel_id"`
	ClientID              string         `json:"client_id"`
	ExternalChatID        string         `json:"external_chat_id"`
	Status                ChatStatus     `json:"status"`
	Priority              ChatPriority   `json:"priority"`
	OperatorID            string         `json:"operator_id,omitempty"`
	Tags                  []string       `json:"tags,omitempty"`
	Attributes            map[string]any `json:"attributes,omitempty"`
	LastClientMessageAt   *time.Time     `json:"last_client_message_at,omitempty"`
	LastOperatorMessageAt *time.Time     `json:"last_operator_message_at,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

func (c *Chat) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// AddTag appends the tag when absent and reports whether the chat changed.
func (c *Chat) AddTag(tag string) bool {
	if c.HasTag(tag) {
		return false
	}

	c.Tags = append(c.Tags, tag)

	return true
}

// RemoveTag drops the tag and reports whether the chat changed.
func (c *Chat) RemoveTag(tag string) bool {
	before := len(c.Tags)
	c.Tags = slices.DeleteFunc(c.Tags, func(t string) bool { return t == tag })

	return len(c.Tags) != before
}

// AwaitingReply reports whether the last client message has gone unanswered for at least threshold.
func (c *Chat) AwaitingReply(now time.Time, threshold time.Duration) bool {
	if c.Status != ChatStatusOpen || c.LastClientMessageAt == nil {
		return false
	}

	if c.LastOperatorMessageAt != nil && !c.LastOperatorMessageAt.Before(*c.LastClientMessageAt) {
		return false
	}

	return !c.LastClientMessageAt.Add(threshold).After(now)
}

func (c *Chat) AsMap() map[string]any {
	tags := make([]any, 0, len(c.Tags))
	for _, tag := range c.Tags {
		tags = append(tags, tag)
	}

	return map[string]any{
		"id":               c.ID,
		"channel_id":       c.ChannelID,
		"client_id":        c.ClientID,
		"external_chat_id": c.ExternalChatID,
		"status":           string(c.Status),
		"priority":         string(c.Priority),
		"operator_id":      c.OperatorID,
		"tags":             tags,
		"attributes":       c.Attributes,
	}
}

// Client is the external person behind a chat.
type Client struct {
	ID         string         `json:"id"`
	ChannelID  string         `json:"channel_id"`
	ExternalID string         `json:"external_id"`
	Name       string         `json:"name,omitempty"`
	Username   string         `json:"username,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (c *Client) AsMap() map[string]any {
	return map[string]any{
		"id":          c.ID,
		"channel_id":  c.ChannelID,
		"external_id": c.ExternalID,
		"name":        c.Name,
		"username":    c.Username,
		"attributes":  c.Attributes,
	}
}
