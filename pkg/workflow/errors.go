package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrStepNotFound         = errors.New("step not found")
	ErrNoEntryStep          = errors.New("automation has no entry step")
	ErrInvalidStepConfig    = errors.New("invalid step config")
	ErrInvalidPredicate     = errors.New("invalid condition predicate")
	ErrPossibleInfiniteLoop = errors.New("possible infinite loop")
)

// ConfigError is an automation definition problem found while running a log.
// The log is marked failed and not retried.
type ConfigError struct {
	AutomationID string
	StepID       string
	Err          error
}

func (e *ConfigError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("automation %s: %v", e.AutomationID, e.Err)
	}

	return fmt.Sprintf("automation %s step %s: %v", e.AutomationID, e.StepID, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(automationID, stepID string, err error) *ConfigError {
	return &ConfigError{AutomationID: automationID, StepID: stepID, Err: err}
}

// GuardError is raised when one invocation executes more steps than allowed.
type GuardError struct {
	LogID string
	Limit int
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("automation log %s: %v: more than %d steps in one run", e.LogID, ErrPossibleInfiniteLoop, e.Limit)
}

func (e *GuardError) Unwrap() error {
	return ErrPossibleInfiniteLoop
}

// PersistenceError means storage failed mid-run; the whole invocation should be retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func IsConfigError(err error) bool {
	var configErr *ConfigError

	return errors.As(err, &configErr)
}

func IsGuardError(err error) bool {
	var guardErr *GuardError

	return errors.As(err, &guardErr)
}

func IsPersistenceError(err error) bool {
	var persistenceErr *PersistenceError

	return errors.As(err, &persistenceErr)
}
