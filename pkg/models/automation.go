package models

import (
	"slices"
	"strings"
	"time"
)

// TriggerKind selects how an automation is started.
type TriggerKind string

const (
	TriggerNewChat    TriggerKind = "new_chat"
	TriggerKeyword    TriggerKind = "keyword"
	TriggerNoResponse TriggerKind = "no_response"
	TriggerScheduled  TriggerKind = "scheduled"
)

// EventDriven reports whether the trigger is evaluated against live inbound events.
func (k TriggerKind) EventDriven() bool {
	return k == TriggerNewChat || k == TriggerKeyword
}

type TriggerConfig struct {
	// Keywords are matched as case-insensitive substrings of the message content.
	Keywords []string `json:"keywords,omitempty"`

	// Threshold is how long a client message may stay unanswered before no_response fires.
	Threshold Duration `json:"threshold,omitempty"`

	// Cron is a 5-field cron expression for scheduled automations.
	Cron string `json:"cron,omitempty"`
}

// Automation is a named workflow definition. An empty ChannelID scopes it to every channel.
type Automation struct {
	ID            string            `json:"id"                      validate:"required"`
	Name          string            `json:"name"                    validate:"required,min=3"`
	ChannelID     string            `json:"channel_id,omitempty"`
	TriggerKind   TriggerKind       `json:"trigger_kind"            validate:"required,oneof=new_chat keyword no_response scheduled"`
	TriggerConfig TriggerConfig     `json:"trigger_config"`
	EntryStepID   string            `json:"entry_step_id,omitempty"`
	Steps         []*AutomationStep `json:"steps"                   validate:"required,min=1,dive"`
	Active        bool              `json:"active"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// AppliesTo reports whether the automation is scoped to the given channel.
func (a *Automation) AppliesTo(channelID string) bool {
	return a.ChannelID == "" || a.ChannelID == channelID
}

// Step looks a step up by its identifier.
func (a *Automation) Step(id string) (*AutomationStep, bool) {
	if id == "" {
		return nil, false
	}

	for _, step := range a.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// EntryStep returns the designated entry step, falling back to the lowest position.
func (a *Automation) EntryStep() (*AutomationStep, bool) {
	if a.EntryStepID != "" {
		return a.Step(a.EntryStepID)
	}

	if len(a.Steps) == 0 {
		return nil, false
	}

	entry := a.Steps[0]
	for _, step := range a.Steps[1:] {
		if step.Position < entry.Position {
			entry = step
		}
	}

	return entry, true
}

// MatchesKeyword reports whether content contains any configured keyword, ignoring case.
func (a *Automation) MatchesKeyword(content string) bool {
	if content == "" {
		return false
	}

	lowered := strings.ToLower(content)

	return slices.ContainsFunc(a.TriggerConfig.Keywords, func(keyword string) bool {
		keyword = strings.TrimSpace(keyword)

		return keyword != "" && strings.Contains(lowered, strings.ToLower(keyword))
	})
}
