package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidSchedule is returned when schedule validation fails
	ErrInvalidSchedule = errors.New("invalid schedule configuration")

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// Schedule tracks the next firing time of a scheduled automation so the
// scheduler can find due automations without keeping individual timers.
type Schedule struct {
	AutomationID string `json:"automation_id" validate:"required"`

	// CronExpression uses the 5-field format (minute hour day month weekday).
	CronExpression string `json:"cron_expression" validate:"required"`

	NextDueAt time.Time `json:"next_due_at" validate:"required"`

	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewSchedule creates a schedule whose first due time follows now.
func NewSchedule(automationID, cronExpression string, now time.Time) (*Schedule, error) {
	schedule := &Schedule{
		AutomationID:   automationID,
		CronExpression: cronExpression,
	}

	if err := schedule.Advance(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// ParseCron parses a 5-field cron expression.
func ParseCron(expression string) (cron.Schedule, error) {
	return cronParser.Parse(expression)
}

// Advance moves NextDueAt to the first cron activation strictly after reference.
func (s *Schedule) Advance(reference time.Time) error {
	cronSchedule, err := ParseCron(s.CronExpression)
	if err != nil {
		return err
	}

	s.NextDueAt = cronSchedule.Next(reference.UTC())
	s.UpdatedAt = time.Now().UTC()

	return nil
}

// MarkFired records a firing at now and schedules the next one.
func (s *Schedule) MarkFired(now time.Time) error {
	fired := now.UTC()
	s.LastFiredAt = &fired

	return s.Advance(now)
}

// IsDue checks if this schedule is due at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return !s.NextDueAt.After(now)
}

func (s *Schedule) Validate() error {
	if s.AutomationID == "" || s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	_, err := ParseCron(s.CronExpression)

	return err
}
