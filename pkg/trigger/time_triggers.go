package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
	"golang.org/x/sync/errgroup"
)

// TimeTriggers evaluates no_response and scheduled automations. They are driven by the
// resumption scheduler rather than by inbound traffic.
type TimeTriggers struct {
	matcher *Matcher
}

func NewTimeTriggers(matcher *Matcher) *TimeTriggers {
	return &TimeTriggers{matcher: matcher}
}

type candidate struct {
	automation *models.Automation
	chat       *models.Chat
	data       map[string]any
}

// EvaluateNoResponse starts no_response automations on open chats whose last client
// message has gone unanswered for the automation's threshold. Each unanswered message
// fires an automation at most once.
func (t *TimeTriggers) EvaluateNoResponse(ctx context.Context, now time.Time) (int, error) {
	p := t.matcher.persistence

	automations, err := p.AutomationRepository().GetActiveByTrigger(ctx, models.TriggerNoResponse)
	if err != nil {
		return 0, fmt.Errorf("failed to load no_response automations: %w", err)
	}

	var (
		candidates []candidate
		problems   []error
	)

	for _, automation := range automations {
		threshold := automation.TriggerConfig.Threshold.Std()
		if threshold <= 0 {
			continue
		}

		chats, err := p.ChatRepository().OpenChats(ctx, automation.ChannelID)
		if err != nil {
			problems = append(problems, fmt.Errorf("automation %s: %w", automation.ID, err))

			continue
		}

		for _, chat := range chats {
			if !chat.AwaitingReply(now, threshold) {
				continue
			}

			fired, err := t.firedSince(ctx, automation.ID, chat.ID, *chat.LastClientMessageAt)
			if err != nil {
				problems = append(problems, err)

				continue
			}

			if fired {
				continue
			}

			candidates = append(candidates, candidate{
				automation: automation,
				chat:       chat,
				data: map[string]any{
					ContextKeyTrigger:          "no_response:" + chat.LastClientMessageAt.UTC().Format(time.RFC3339Nano),
					"last_client_message_at": chat.LastClientMessageAt.UTC().Format(time.RFC3339),
				},
			})
		}
	}

	started, err := t.start(ctx, candidates)

	return started, errors.Join(append(problems, err)...)
}

// firedSince reports whether the automation already started on the chat at or after since.
func (t *TimeTriggers) firedSince(ctx context.Context, automationID, chatID string, since time.Time) (bool, error) {
	latest, err := t.matcher.persistence.AutomationLogRepository().Latest(ctx, automationID, chatID)
	if err != nil {
		if persistence.IsAutomationLogNotFound(err) {
			return false, nil
		}

		return false, fmt.Errorf("automation %s chat %s: %w", automationID, chatID, err)
	}

	return !latest.CreatedAt.Before(since), nil
}

// EvaluateScheduled fires scheduled automations whose cron slot has come, once per slot,
// on every open chat in their scope. The slot is consumed before any log starts, so a
// crash mid-sweep skips the remainder of that slot rather than repeating it.
func (t *TimeTriggers) EvaluateScheduled(ctx context.Context, now time.Time) (int, error) {
	p := t.matcher.persistence

	automations, err := p.AutomationRepository().GetActiveByTrigger(ctx, models.TriggerScheduled)
	if err != nil {
		return 0, fmt.Errorf("failed to load scheduled automations: %w", err)
	}

	var (
		candidates []candidate
		problems   []error
	)

	for _, automation := range automations {
		due, slot, err := t.consumeSlot(ctx, automation, now)
		if err != nil {
			problems = append(problems, fmt.Errorf("automation %s: %w", automation.ID, err))

			continue
		}

		if !due {
			continue
		}

		chats, err := p.ChatRepository().OpenChats(ctx, automation.ChannelID)
		if err != nil {
			problems = append(problems, fmt.Errorf("automation %s: %w", automation.ID, err))

			continue
		}

		for _, chat := range chats {
			candidates = append(candidates, candidate{
				automation: automation,
				chat:       chat,
				data: map[string]any{
					ContextKeyTrigger: "scheduled:" + slot.Format(time.RFC3339),
					"scheduled_at":    slot.Format(time.RFC3339),
				},
			})
		}
	}

	started, err := t.start(ctx, candidates)

	return started, errors.Join(append(problems, err)...)
}

// consumeSlot advances the automation's schedule when it is due and returns the slot fired.
func (t *TimeTriggers) consumeSlot(ctx context.Context, automation *models.Automation, now time.Time) (bool, time.Time, error) {
	schedules := t.matcher.persistence.ScheduleRepository()

	schedule, err := schedules.GetByAutomationID(ctx, automation.ID)

	switch {
	case errors.Is(err, persistence.ErrScheduleNotFound):
		schedule = nil
	case err != nil:
		return false, time.Time{}, err
	}

	if schedule == nil || schedule.CronExpression != automation.TriggerConfig.Cron {
		schedule, err = models.NewSchedule(automation.ID, automation.TriggerConfig.Cron, now)
		if err != nil {
			return false, time.Time{}, err
		}

		return false, time.Time{}, schedules.Save(ctx, schedule)
	}

	if !schedule.IsDue(now) {
		return false, time.Time{}, nil
	}

	slot := schedule.NextDueAt

	if err := schedule.MarkFired(now); err != nil {
		return false, time.Time{}, err
	}

	if err := schedules.Save(ctx, schedule); err != nil {
		return false, time.Time{}, err
	}

	return true, slot, nil
}

func (t *TimeTriggers) start(ctx context.Context, candidates []candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	clients := t.matcher.persistence.ChatRepository()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.matcher.concurrency)

	results := make([]error, len(candidates))

	for i, c := range candidates {
		g.Go(func() error {
			client, err := clients.GetClient(gctx, c.chat.ClientID)
			if err != nil && !persistence.IsNotFound(err) {
				results[i] = err

				return nil
			}

			_, results[i] = t.matcher.Start(gctx, c.automation, c.chat, client, c.data)

			return nil
		})
	}

	_ = g.Wait()

	started := 0

	for _, err := range results {
		if err == nil {
			started++
		}
	}

	return started, errors.Join(results...)
}
