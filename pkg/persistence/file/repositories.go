package file

import (
	"context"
	"errors"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
)

type ChannelRepository struct {
	store *collection
}

func (r *ChannelRepository) GetAll(_ context.Context) ([]*models.Channel, error) {
	channels, err := filter(r.store, func(*models.Channel) bool { return true })
	if err != nil {
		return nil, err
	}

	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })

	return channels, nil
}

func (r *ChannelRepository) GetByID(_ context.Context, id string) (*models.Channel, error) {
	return get[models.Channel](r.store, id, persistence.ErrChannelNotFound)
}

func (r *ChannelRepository) Save(_ context.Context, channel *models.Channel) error {
	now := time.Now().UTC()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}

	channel.UpdatedAt = now

	return save(r.store, channel.ID, channel)
}

type CursorRepository struct {
	store *collection
}

func (r *CursorRepository) Get(_ context.Context, channelID string) (int64, error) {
	cursor, err := get[models.Cursor](r.store, channelID, persistence.ErrChannelNotFound)
	if err != nil {
		if errors.Is(err, persistence.ErrChannelNotFound) {
			return 0, nil
		}

		return 0, err
	}

	return cursor.Offset, nil
}

func (r *CursorRepository) Advance(_ context.Context, channelID string, offset int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var current models.Cursor
	if err := r.store.read(channelID, &current); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if offset <= current.Offset {
		return nil
	}

	return r.store.write(channelID, models.Cursor{
		ChannelID: channelID,
		Offset:    offset,
		UpdatedAt: time.Now().UTC(),
	})
}

type AutomationRepository struct {
	store *collection
}

func (r *AutomationRepository) GetAll(_ context.Context) ([]*models.Automation, error) {
	automations, err := filter(r.store, func(*models.Automation) bool { return true })
	if err != nil {
		return nil, err
	}

	sort.Slice(automations, func(i, j int) bool { return automations[i].ID < automations[j].ID })

	return automations, nil
}

func (r *AutomationRepository) GetByID(_ context.Context, id string) (*models.Automation, error) {
	return get[models.Automation](r.store, id, persistence.ErrAutomationNotFound)
}

func (r *AutomationRepository) GetActiveByTrigger(_ context.Context, kinds ...models.TriggerKind) ([]*models.Automation, error) {
	automations, err := filter(r.store, func(a *models.Automation) bool {
		return a.Active && (len(kinds) == 0 || slices.Contains(kinds, a.TriggerKind))
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(automations, func(i, j int) bool { return automations[i].ID < automations[j].ID })

	return automations, nil
}

func (r *AutomationRepository) Save(_ context.Context, automation *models.Automation) error {
	now := time.Now().UTC()
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	return save(r.store, automation.ID, automation)
}

type AutomationLogRepository struct {
	store *collection
}

func (r *AutomationLogRepository) GetByID(_ context.Context, id string) (*models.AutomationLog, error) {
	return get[models.AutomationLog](r.store, id, persistence.ErrAutomationLogNotFound)
}

func (r *AutomationLogRepository) Save(_ context.Context, log *models.AutomationLog) error {
	return save(r.store, log.ID, log)
}

func (r *AutomationLogRepository) Latest(_ context.Context, automationID, chatID string) (*models.AutomationLog, error) {
	logs, err := filter(r.store, func(l *models.AutomationLog) bool {
		return l.AutomationID == automationID && l.ChatID == chatID
	})
	if err != nil {
		return nil, err
	}

	if len(logs) == 0 {
		return nil, persistence.ErrAutomationLogNotFound
	}

	latest := logs[0]
	for _, l := range logs[1:] {
		if l.CreatedAt.After(latest.CreatedAt) || (l.CreatedAt.Equal(latest.CreatedAt) && l.ID > latest.ID) {
			latest = l
		}
	}

	return latest, nil
}

func (r *AutomationLogRepository) ExistsForChat(_ context.Context, chatID string) (bool, error) {
	logs, err := filter(r.store, func(l *models.AutomationLog) bool { return l.ChatID == chatID })
	if err != nil {
		return false, err
	}

	return len(logs) > 0, nil
}

func (r *AutomationLogRepository) Due(_ context.Context, now time.Time, limit int) ([]*models.AutomationLog, error) {
	logs, err := filter(r.store, func(l *models.AutomationLog) bool { return l.IsDue(now) })
	if err != nil {
		return nil, err
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].NextRunAt.Before(*logs[j].NextRunAt) })

	return truncate(logs, limit), nil
}

func (r *AutomationLogRepository) StaleRunning(_ context.Context, before time.Time, limit int) ([]*models.AutomationLog, error) {
	logs, err := filter(r.store, func(l *models.AutomationLog) bool {
		return l.Status == models.LogStatusRunning && l.UpdatedAt.Before(before)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].UpdatedAt.Before(logs[j].UpdatedAt) })

	return truncate(logs, limit), nil
}

func truncate[T any](items []*T, limit int) []*T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}

	return items
}

type ChatRepository struct {
	chats   *collection
	clients *collection
}

func (r *ChatRepository) GetChat(_ context.Context, id string) (*models.Chat, error) {
	return get[models.Chat](r.chats, id, persistence.ErrChatNotFound)
}

func (r *ChatRepository) GetChatByExternalID(_ context.Context, channelID, externalChatID string) (*models.Chat, error) {
	chats, err := filter(r.chats, func(c *models.Chat) bool {
		return c.ChannelID == channelID && c.ExternalChatID == externalChatID
	})
	if err != nil {
		return nil, err
	}

	if len(chats) == 0 {
		return nil, persistence.ErrChatNotFound
	}

	return chats[0], nil
}

func (r *ChatRepository) OpenChats(_ context.Context, channelID string) ([]*models.Chat, error) {
	chats, err := filter(r.chats, func(c *models.Chat) bool {
		return c.Status == models.ChatStatusOpen && (channelID == "" || c.ChannelID == channelID)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })

	return chats, nil
}

func (r *ChatRepository) SaveChat(_ context.Context, chat *models.Chat) error {
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}

	chat.UpdatedAt = now

	return save(r.chats, chat.ID, chat)
}

func (r *ChatRepository) GetClient(_ context.Context, id string) (*models.Client, error) {
	return get[models.Client](r.clients, id, persistence.ErrClientNotFound)
}

func (r *ChatRepository) GetClientByExternalID(_ context.Context, channelID, externalID string) (*models.Client, error) {
	clients, err := filter(r.clients, func(c *models.Client) bool {
		return c.ChannelID == channelID && c.ExternalID == externalID
	})
	if err != nil {
		return nil, err
	}

	if len(clients) == 0 {
		return nil, persistence.ErrClientNotFound
	}

	return clients[0], nil
}

func (r *ChatRepository) SaveClient(_ context.Context, client *models.Client) error {
	now := time.Now().UTC()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}

	client.UpdatedAt = now

	return save(r.clients, client.ID, client)
}

type ScheduleRepository struct {
	store *collection
}

func (r *ScheduleRepository) GetByAutomationID(_ context.Context, automationID string) (*models.Schedule, error) {
	return get[models.Schedule](r.store, automationID, persistence.ErrScheduleNotFound)
}

func (r *ScheduleRepository) Save(_ context.Context, schedule *models.Schedule) error {
	return save(r.store, schedule.AutomationID, schedule)
}
