package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	ErrChannelNotFound       = errors.New("channel not found")
	ErrAutomationNotFound    = errors.New("automation not found")
	ErrAutomationLogNotFound = errors.New("automation log not found")
	ErrChatNotFound          = errors.New("chat not found")
	ErrClientNotFound        = errors.New("client not found")
	ErrScheduleNotFound      = errors.New("schedule not found")
)

// EntityError wraps a repository failure with the operation and entity involved.
type EntityError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Save")
	Entity string
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Entity, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrChannelNotFound) ||
		errors.Is(err, ErrAutomationNotFound) ||
		errors.Is(err, ErrAutomationLogNotFound) ||
		errors.Is(err, ErrChatNotFound) ||
		errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrScheduleNotFound)
}

func IsAutomationLogNotFound(err error) bool {
	return errors.Is(err, ErrAutomationLogNotFound)
}

func IsChannelNotFound(err error) bool {
	return errors.Is(err, ErrChannelNotFound)
}
