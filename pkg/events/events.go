// Package events defines the messages exchanged over the event bus.
package events

import (
	"time"

	"github.com/dukex/deskflow/pkg/models"
)

type EventType string

// Topics.
const (
	InboundTopic    = "deskflow.inbound"
	AutomationTopic = "deskflow.automation"
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InboundReceivedEvent EventType = "inbound.received"

	AutomationLogStartedEvent   EventType = "automation_log.started"
	AutomationLogWaitingEvent   EventType = "automation_log.waiting"
	AutomationLogCompletedEvent EventType = "automation_log.completed"
	AutomationLogFailedEvent    EventType = "automation_log.failed"
)

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType EventType) string {
	if eventType == InboundReceivedEvent {
		return InboundTopic
	}

	return AutomationTopic
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(id string, eventType EventType) BaseEvent {
	return BaseEvent{ID: id, Type: eventType, Timestamp: time.Now().UTC()}
}

// InboundReceived carries a normalized message from a channel poller to the trigger matcher.
type InboundReceived struct {
	BaseEvent

	Event models.InboundEvent `json:"event"`
}

func (e InboundReceived) GetType() EventType {
	return InboundReceivedEvent
}

// AutomationLogInfo is the common payload of automation log lifecycle events.
type AutomationLogInfo struct {
	LogID         string           `json:"log_id"`
	AutomationID  string           `json:"automation_id"`
	ChannelID     string           `json:"channel_id"`
	ChatID        string           `json:"chat_id"`
	Status        models.LogStatus `json:"status"`
	CurrentStepID string           `json:"current_step_id,omitempty"`
	StepsExecuted int              `json:"steps_executed"`
}

func NewAutomationLogInfo(log *models.AutomationLog) AutomationLogInfo {
	return AutomationLogInfo{
		LogID:         log.ID,
		AutomationID:  log.AutomationID,
		ChannelID:     log.ChannelID,
		ChatID:        log.ChatID,
		Status:        log.Status,
		CurrentStepID: log.CurrentStepID,
		StepsExecuted: log.ContextInt(models.ContextKeyStepsExecuted),
	}
}

type AutomationLogStarted struct {
	BaseEvent
	AutomationLogInfo

	TriggerKind models.TriggerKind `json:"trigger_kind"`
}

func (e AutomationLogStarted) GetType() EventType {
	return AutomationLogStartedEvent
}

type AutomationLogWaiting struct {
	BaseEvent
	AutomationLogInfo

	NextRunAt time.Time `json:"next_run_at"`
}

func (e AutomationLogWaiting) GetType() EventType {
	return AutomationLogWaitingEvent
}

type AutomationLogCompleted struct {
	BaseEvent
	AutomationLogInfo
}

func (e AutomationLogCompleted) GetType() EventType {
	return AutomationLogCompletedEvent
}

type AutomationLogFailed struct {
	BaseEvent
	AutomationLogInfo

	Error string `json:"error"`
}

func (e AutomationLogFailed) GetType() EventType {
	return AutomationLogFailedEvent
}

// New returns an empty value to decode an event of the given type into, or nil when unknown.
func New(eventType EventType) any {
	switch eventType {
	case InboundReceivedEvent:
		return &InboundReceived{}
	case AutomationLogStartedEvent:
		return &AutomationLogStarted{}
	case AutomationLogWaitingEvent:
		return &AutomationLogWaiting{}
	case AutomationLogCompletedEvent:
		return &AutomationLogCompleted{}
	case AutomationLogFailedEvent:
		return &AutomationLogFailed{}
	default:
		return nil
	}
}
