// Package trigger decides which automations start for inbound messages and time-based conditions.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/deskflow/pkg/eventbus"
	"github.com/dukex/deskflow/pkg/events"
	"github.com/dukex/deskflow/pkg/locker"
	"github.com/dukex/deskflow/pkg/metrics"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/workflow"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 8

// ContextKeyTrigger marks the event or slot that started a log, so a redelivered
// event does not start the same automation twice.
const ContextKeyTrigger = "trigger_key"

// Runner executes an automation log. workflow.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, logID string) (*models.AutomationLog, error)
}

type Options struct {
	// Concurrency bounds executor invocations started by one event or sweep.
	Concurrency int
}

type Matcher struct {
	persistence persistence.Persistence
	runner      Runner
	locker      locker.Locker
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
	now         func() time.Time
}

func NewMatcher(p persistence.Persistence, runner Runner, lock locker.Locker, logger *slog.Logger, options Options) *Matcher {
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Matcher{
		persistence: p,
		runner:      runner,
		locker:      lock,
		publisher:   eventbus.NopPublisher{},
		logger:      logger.With("module", "trigger_matcher"),
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Matcher) WithPublisher(publisher eventbus.EventPublisher) *Matcher {
	m.publisher = publisher

	return m
}

func (m *Matcher) WithMetrics(mt *metrics.Metrics) *Matcher {
	m.metrics = mt

	return m
}

func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	m.now = now

	return m
}

// HandleEvent adapts Handle to an event bus handler.
func (m *Matcher) HandleEvent(ctx context.Context, event any) error {
	received, ok := event.(*events.InboundReceived)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	return m.Handle(ctx, received.Event)
}

// Handle records the conversation an inbound event belongs to and starts every
// new_chat and keyword automation it matches. An error means the event was not
// fully handed off and should be delivered again.
func (m *Matcher) Handle(ctx context.Context, event models.InboundEvent) error {
	logger := m.logger.With("channel_id", event.ChannelID, "update_id", event.UpdateID)

	chat, client, err := m.upsertConversation(ctx, event)
	if err != nil {
		return err
	}

	if event.Edited {
		logger.DebugContext(ctx, "Edited message, triggers not evaluated", "chat_id", chat.ID)

		return nil
	}

	automations, err := m.persistence.AutomationRepository().GetActiveByTrigger(ctx, models.TriggerNewChat, models.TriggerKeyword)
	if err != nil {
		return fmt.Errorf("failed to load automations: %w", err)
	}

	triggerKey := event.IdempotencyKey()

	var matched []*models.Automation

	for _, automation := range automations {
		if !automation.AppliesTo(event.ChannelID) {
			continue
		}

		ok, err := m.matches(ctx, automation, chat, event, triggerKey)
		if err != nil {
			return err
		}

		if ok {
			matched = append(matched, automation)
		}
	}

	if len(matched) == 0 {
		logger.DebugContext(ctx, "No automation matched")

		return nil
	}

	logger.InfoContext(ctx, "Starting automations", "count", len(matched), "chat_id", chat.ID)

	data := map[string]any{
		models.ContextKeyEvent: event.AsMap(),
		ContextKeyTrigger:      triggerKey,
	}

	// automations are independent; one that cannot start leaves the others running
	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for _, automation := range matched {
		g.Go(func() error {
			_, err := m.Start(ctx, automation, chat, client, data)

			return err
		})
	}

	return g.Wait()
}

func (m *Matcher) matches(
	ctx context.Context,
	automation *models.Automation,
	chat *models.Chat,
	event models.InboundEvent,
	triggerKey string,
) (bool, error) {
	logs := m.persistence.AutomationLogRepository()

	if automation.TriggerKind == models.TriggerNewChat {
		started, err := logs.ExistsForChat(ctx, chat.ID)
		if err != nil {
			return false, fmt.Errorf("failed to check previous runs on chat %s: %w", chat.ID, err)
		}

		return !started, nil
	}

	if !automation.MatchesKeyword(event.Content()) {
		return false, nil
	}

	latest, err := logs.Latest(ctx, automation.ID, chat.ID)
	if err != nil {
		if persistence.IsAutomationLogNotFound(err) {
			return true, nil
		}

		return false, fmt.Errorf("failed to check previous runs of automation %s: %w", automation.ID, err)
	}

	// the same event delivered again
	key, _ := latest.Context[ContextKeyTrigger].(string)

	return key != triggerKey, nil
}

// upsertConversation finds or creates the client and chat behind an event and records client activity.
func (m *Matcher) upsertConversation(ctx context.Context, event models.InboundEvent) (*models.Chat, *models.Client, error) {
	unlock, err := m.locker.Lock(ctx, "conversation:"+event.ChannelID+":"+event.ExternalChatID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	chats := m.persistence.ChatRepository()
	now := m.now()

	seenAt := event.Timestamp.UTC()
	if event.Timestamp.IsZero() {
		seenAt = now
	}

	client, err := chats.GetClientByExternalID(ctx, event.ChannelID, event.ExternalSenderID)

	switch {
	case errors.Is(err, persistence.ErrClientNotFound):
		client = &models.Client{
			ID:         uuid.NewString(),
			ChannelID:  event.ChannelID,
			ExternalID: event.ExternalSenderID,
			CreatedAt:  now,
		}
	case err != nil:
		return nil, nil, fmt.Errorf("failed to load client: %w", err)
	}

	if client.Name != event.SenderName || client.Username != event.SenderUsername || client.UpdatedAt.IsZero() {
		client.Name = event.SenderName
		client.Username = event.SenderUsername
		client.UpdatedAt = now

		if err := chats.SaveClient(ctx, client); err != nil {
			return nil, nil, fmt.Errorf("failed to save client: %w", err)
		}
	}

	chat, err := chats.GetChatByExternalID(ctx, event.ChannelID, event.ExternalChatID)

	switch {
	case errors.Is(err, persistence.ErrChatNotFound):
		chat = &models.Chat{
			ID:             uuid.NewString(),
			ChannelID:      event.ChannelID,
			ClientID:       client.ID,
			ExternalChatID: event.ExternalChatID,
			Status:         models.ChatStatusOpen,
			Priority:       models.PriorityNormal,
			CreatedAt:      now,
		}
	case err != nil:
		return nil, nil, fmt.Errorf("failed to load chat: %w", err)
	}

	if chat.Status == models.ChatStatusClosed {
		m.logger.InfoContext(ctx, "Reopening chat on new client message", "chat_id", chat.ID)
		chat.Status = models.ChatStatusOpen
	}

	if chat.LastClientMessageAt == nil || seenAt.After(*chat.LastClientMessageAt) {
		chat.LastClientMessageAt = &seenAt
	}

	chat.UpdatedAt = now

	if err := chats.SaveChat(ctx, chat); err != nil {
		return nil, nil, fmt.Errorf("failed to save chat: %w", err)
	}

	return chat, client, nil
}

// Start creates a running log of automation for the chat, positioned on its entry step,
// and runs it. The returned error is set only when the log could not be created; a failed
// run stays on record and is picked up again by the scheduler. An automation without an
// entry step gets a failed log and is not run.
func (m *Matcher) Start(
	ctx context.Context,
	automation *models.Automation,
	chat *models.Chat,
	client *models.Client,
	data map[string]any,
) (*models.AutomationLog, error) {
	logID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	now := m.now()
	automationLog := &models.AutomationLog{
		ID:           logID.String(),
		AutomationID: automation.ID,
		ChannelID:    chat.ChannelID,
		ChatID:       chat.ID,
		Status:       models.LogStatusRunning,
		Context:      maps.Clone(data),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if automationLog.Context == nil {
		automationLog.Context = make(map[string]any)
	}

	if client != nil {
		automationLog.ClientID = client.ID
	}

	entry, ok := automation.EntryStep()
	if ok {
		automationLog.CurrentStepID = entry.ID
	} else {
		cause := workflow.NewConfigError(automation.ID, "", workflow.ErrNoEntryStep)
		automationLog.Status = models.LogStatusFailed
		automationLog.Error = cause.Error()
		automationLog.CompletedAt = &now
	}

	if err := m.persistence.AutomationLogRepository().Save(ctx, automationLog); err != nil {
		return nil, fmt.Errorf("failed to create log for automation %s: %w", automation.ID, err)
	}

	m.metrics.TriggerFired(string(automation.TriggerKind))

	logger := m.logger.With("automation_id", automation.ID, "automation_log_id", automationLog.ID, "chat_id", chat.ID)
	logger.InfoContext(ctx, "Automation triggered", "trigger_kind", automation.TriggerKind)

	err = m.publisher.Publish(ctx, automationLog.ID, events.AutomationLogStarted{
		BaseEvent:         events.NewBaseEvent(uuid.NewString(), events.AutomationLogStartedEvent),
		AutomationLogInfo: events.NewAutomationLogInfo(automationLog),
		TriggerKind:       automation.TriggerKind,
	})
	if err != nil {
		logger.WarnContext(ctx, "Failed to publish automation started event", "error", err)
	}

	if automationLog.Status == models.LogStatusFailed {
		logger.ErrorContext(ctx, "Automation failed", "error", automationLog.Error)

		err = m.publisher.Publish(ctx, automationLog.ID, events.AutomationLogFailed{
			BaseEvent:         events.NewBaseEvent(uuid.NewString(), events.AutomationLogFailedEvent),
			AutomationLogInfo: events.NewAutomationLogInfo(automationLog),
			Error:             automationLog.Error,
		})
		if err != nil {
			logger.WarnContext(ctx, "Failed to publish automation failed event", "error", err)
		}

		return automationLog, nil
	}

	result, err := m.runner.Run(ctx, automationLog.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Automation run did not finish, it will be retried", "error", err)

		return automationLog, nil
	}

	return result, nil
}
