// Package persistence provides the storage abstraction for channels, cursors, automations and their executions.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/deskflow/pkg/models"
)

type Persistence interface {
	ChannelRepository() ChannelRepository
	CursorRepository() CursorRepository
	AutomationRepository() AutomationRepository
	AutomationLogRepository() AutomationLogRepository
	ChatRepository() ChatRepository
	ScheduleRepository() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ChannelRepository reads channel configuration. Channels are managed by the admin surface.
type ChannelRepository interface {
	GetAll(ctx context.Context) ([]*models.Channel, error)
	GetByID(ctx context.Context, id string) (*models.Channel, error)
	Save(ctx context.Context, channel *models.Channel) error
}

// CursorRepository stores the per-channel ingestion offset.
type CursorRepository interface {
	// Get returns the stored offset for a channel, or 0 when none was recorded yet.
	Get(ctx context.Context, channelID string) (int64, error)

	// Advance moves the offset forward. An offset lower than the stored one is ignored.
	Advance(ctx context.Context, channelID string, offset int64) error
}

type AutomationRepository interface {
	GetAll(ctx context.Context) ([]*models.Automation, error)
	GetByID(ctx context.Context, id string) (*models.Automation, error)

	// GetActiveByTrigger returns active automations of the given kinds.
	GetActiveByTrigger(ctx context.Context, kinds ...models.TriggerKind) ([]*models.Automation, error)

	Save(ctx context.Context, automation *models.Automation) error
}

type AutomationLogRepository interface {
	GetByID(ctx context.Context, id string) (*models.AutomationLog, error)

	// Save inserts or replaces the log.
	Save(ctx context.Context, log *models.AutomationLog) error

	// Latest returns the most recent log of an automation on a chat.
	Latest(ctx context.Context, automationID, chatID string) (*models.AutomationLog, error)

	// ExistsForChat reports whether any automation has ever run on the chat.
	ExistsForChat(ctx context.Context, chatID string) (bool, error)

	// Due returns waiting logs whose next_run_at is at or before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*models.AutomationLog, error)

	// StaleRunning returns running logs not updated since before.
	StaleRunning(ctx context.Context, before time.Time, limit int) ([]*models.AutomationLog, error)
}

// ChatRepository stores conversations and the clients behind them.
type ChatRepository interface {
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	GetChatByExternalID(ctx context.Context, channelID, externalChatID string) (*models.Chat, error)

	// OpenChats lists open chats, restricted to a channel when channelID is not empty.
	OpenChats(ctx context.Context, channelID string) ([]*models.Chat, error)
	SaveChat(ctx context.Context, chat *models.Chat) error

	GetClient(ctx context.Context, id string) (*models.Client, error)
	GetClientByExternalID(ctx context.Context, channelID, externalID string) (*models.Client, error)
	SaveClient(ctx context.Context, client *models.Client) error
}

type ScheduleRepository interface {
	GetByAutomationID(ctx context.Context, automationID string) (*models.Schedule, error)
	Save(ctx context.Context, schedule *models.Schedule) error
}
