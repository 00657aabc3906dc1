// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// CreateTestChannel creates an active telegram channel that can be overridden.
func CreateTestChannel(overrides ...func(*models.Channel)) *models.Channel {
	now := time.Now().UTC()
	channel := &models.Channel{
		ID:          uuid.NewString(),
		Name:        "Support bot",
		Type:        models.ChannelTypeTelegram,
		Active:      true,
		Credentials: map[string]string{"token": "123:abc"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, override := range overrides {
		override(channel)
	}

	return channel
}

// CreateTestAutomation creates an active automation whose entry is the first step.
func CreateTestAutomation(kind models.TriggerKind, steps ...*models.AutomationStep) *models.Automation {
	now := time.Now().UTC()

	for i, step := range steps {
		step.Position = i
	}

	automation := &models.Automation{
		ID:          uuid.NewString(),
		Name:        "Test automation",
		TriggerKind: kind,
		Steps:       steps,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if len(steps) > 0 {
		automation.EntryStepID = steps[0].ID
	}

	return automation
}

func SendText(id, text, next string) *models.AutomationStep {
	return &models.AutomationStep{
		ID:         id,
		Type:       models.StepSendText,
		Config:     map[string]any{"text": text},
		NextStepID: next,
	}
}

func Delay(id, duration, next string) *models.AutomationStep {
	return &models.AutomationStep{
		ID:         id,
		Type:       models.StepDelay,
		Config:     map[string]any{"duration": duration},
		NextStepID: next,
	}
}

func Condition(id string, predicate map[string]any, onTrue, onFalse string) *models.AutomationStep {
	return &models.AutomationStep{
		ID:                   id,
		Type:                 models.StepCondition,
		Config:               predicate,
		ConditionTrueStepID:  onTrue,
		ConditionFalseStepID: onFalse,
	}
}

// Mutation builds an assign_operator, add_tag, remove_tag or close_chat step.
func Mutation(id string, stepType models.StepType, config map[string]any, next string) *models.AutomationStep {
	return &models.AutomationStep{
		ID:         id,
		Type:       stepType,
		Config:     config,
		NextStepID: next,
	}
}

// CreateTestConversation creates an open chat and the client behind it.
func CreateTestConversation(channelID string) (*models.Chat, *models.Client) {
	now := time.Now().UTC()

	client := &models.Client{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		ExternalID: "42",
		Name:       "Ada",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	chat := &models.Chat{
		ID:             uuid.NewString(),
		ChannelID:      channelID,
		ClientID:       client.ID,
		ExternalChatID: "1001",
		Status:         models.ChatStatusOpen,
		Priority:       models.PriorityNormal,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	return chat, client
}

// CreateTestLog creates a fresh running log of automation on chat.
func CreateTestLog(automation *models.Automation, chat *models.Chat) *models.AutomationLog {
	now := time.Now().UTC()

	return &models.AutomationLog{
		ID:           uuid.NewString(),
		AutomationID: automation.ID,
		ChannelID:    chat.ChannelID,
		ChatID:       chat.ID,
		ClientID:     chat.ClientID,
		Status:       models.LogStatusRunning,
		Context:      map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Seed saves every given entity, failing the test on the first error.
func Seed(t *testing.T, p persistence.Persistence, entities ...any) {
	t.Helper()

	ctx := context.Background()

	for _, entity := range entities {
		var err error

		switch e := entity.(type) {
		case *models.Channel:
			err = p.ChannelRepository().Save(ctx, e)
		case *models.Automation:
			err = p.AutomationRepository().Save(ctx, e)
		case *models.AutomationLog:
			err = p.AutomationLogRepository().Save(ctx, e)
		case *models.Chat:
			err = p.ChatRepository().SaveChat(ctx, e)
		case *models.Client:
			err = p.ChatRepository().SaveClient(ctx, e)
		case *models.Schedule:
			err = p.ScheduleRepository().Save(ctx, e)
		default:
			t.Fatalf("cannot seed %T", entity)
		}

		require.NoError(t, err)
	}
}
