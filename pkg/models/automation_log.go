package models

import "time"

// LogStatus is the lifecycle state of an AutomationLog.
type LogStatus string

const (
	LogStatusRunning   LogStatus = "running"
	LogStatusWaiting   LogStatus = "waiting"
	LogStatusCompleted LogStatus = "completed"
	LogStatusFailed    LogStatus = "failed"
)

// Terminal reports whether no further execution happens from this status.
func (s LogStatus) Terminal() bool {
	return s == LogStatusCompleted || s == LogStatusFailed
}

// Context keys maintained by the executor.
const (
	ContextKeySteps         = "steps"
	ContextKeyEvent         = "event"
	ContextKeyStepsExecuted = "steps_executed"
	ContextKeySendFailures  = "send_failures"
)

// AutomationLog is the persisted, resumable execution of one automation against one chat.
type AutomationLog struct {
	ID            string         `json:"id"`
	AutomationID  string         `json:"automation_id"`
	ChannelID     string         `json:"channel_id"`
	ChatID        string         `json:"chat_id"`
	ClientID      string         `json:"client_id"`
	CurrentStepID string         `json:"current_step_id,omitempty"`
	Status        LogStatus      `json:"status"`
	Context       map[string]any `json:"context"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// IsDue reports whether a waiting log should be resumed at now.
func (l *AutomationLog) IsDue(now time.Time) bool {
	return l.Status == LogStatusWaiting && l.NextRunAt != nil && !l.NextRunAt.After(now)
}

// ContextInt reads a numeric context value regardless of whether it was decoded from JSON.
func (l *AutomationLog) ContextInt(key string) int {
	switch v := l.Context[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
