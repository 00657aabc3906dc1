package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/lib/pq"
)

// ChatRepository handles chat and client database operations.
type ChatRepository struct {
	db *sql.DB
}

const selectChats = `
	SELECT id, channel_id, COALESCE(client_id, ''), external_chat_id, status, priority, COALESCE(operator_id, ''),
		   tags, attributes, last_client_message_at, last_operator_message_at, created_at, updated_at
	FROM chats
`

func (r *ChatRepository) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	return r.getChat(ctx, selectChats+` WHERE id = $1`, id)
}

func (r *ChatRepository) GetChatByExternalID(ctx context.Context, channelID, externalChatID string) (*models.Chat, error) {
	return r.getChat(ctx, selectChats+` WHERE channel_id = $1 AND external_chat_id = $2`, channelID, externalChatID)
}

func (r *ChatRepository) OpenChats(ctx context.Context, channelID string) ([]*models.Chat, error) {
	rows, err := r.db.QueryContext(ctx, selectChats+`
		WHERE status = 'open' AND ($1::text = '' OR channel_id = $1::text)
		ORDER BY id
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chats []*models.Chat

	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}

		chats = append(chats, chat)
	}

	return chats, rows.Err()
}

func (r *ChatRepository) SaveChat(ctx context.Context, chat *models.Chat) error {
	attributesJSON, err := json.Marshal(chat.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal chat attributes: %w", err)
	}

	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}

	chat.UpdatedAt = now

	tags := chat.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO chats (id, channel_id, client_id, external_chat_id, status, priority, operator_id, tags,
			attributes, last_client_message_at, last_operator_message_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			operator_id = EXCLUDED.operator_id,
			tags = EXCLUDED.tags,
			attributes = EXCLUDED.attributes,
			last_client_message_at = EXCLUDED.last_client_message_at,
			last_operator_message_at = EXCLUDED.last_operator_message_at,
			updated_at = EXCLUDED.updated_at
	`, chat.ID, chat.ChannelID, nullString(chat.ClientID), chat.ExternalChatID, chat.Status, chat.Priority,
		nullString(chat.OperatorID), pq.Array(tags), attributesJSON, chat.LastClientMessageAt,
		chat.LastOperatorMessageAt, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("SaveChat", "chat", chat.ID, err)
	}

	return nil
}

func (r *ChatRepository) GetClient(ctx context.Context, id string) (*models.Client, error) {
	return r.getClient(ctx, `WHERE id = $1`, id)
}

func (r *ChatRepository) GetClientByExternalID(ctx context.Context, channelID, externalID string) (*models.Client, error) {
	return r.getClient(ctx, `WHERE channel_id = $1 AND external_id = $2`, channelID, externalID)
}

func (r *ChatRepository) SaveClient(ctx context.Context, client *models.Client) error {
	attributesJSON, err := json.Marshal(client.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal client attributes: %w", err)
	}

	now := time.Now().UTC()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}

	client.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO clients (id, channel_id, external_id, name, username, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			username = EXCLUDED.username,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at
	`, client.ID, client.ChannelID, client.ExternalID, client.Name, client.Username, attributesJSON,
		client.CreatedAt, client.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("SaveClient", "client", client.ID, err)
	}

	return nil
}

func (r *ChatRepository) getChat(ctx context.Context, query string, args ...any) (*models.Chat, error) {
	chat, err := scanChat(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrChatNotFound
		}

		return nil, err
	}

	return chat, nil
}

func (r *ChatRepository) getClient(ctx context.Context, where string, args ...any) (*models.Client, error) {
	var (
		client         models.Client
		attributesJSON []byte
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT id, channel_id, external_id, COALESCE(name, ''), COALESCE(username, ''), attributes, created_at, updated_at
		FROM clients `+where, args...).Scan(&client.ID, &client.ChannelID, &client.ExternalID, &client.Name,
		&client.Username, &attributesJSON, &client.CreatedAt, &client.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrClientNotFound
		}

		return nil, fmt.Errorf("failed to scan client: %w", err)
	}

	if len(attributesJSON) > 0 {
		if err := json.Unmarshal(attributesJSON, &client.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client attributes: %w", err)
		}
	}

	return &client, nil
}

func scanChat(row scanner) (*models.Chat, error) {
	var (
		chat           models.Chat
		attributesJSON []byte
		lastClientAt   sql.NullTime
		lastOperatorAt sql.NullTime
	)

	err := row.Scan(&chat.ID, &chat.ChannelID, &chat.ClientID, &chat.ExternalChatID, &chat.Status, &chat.Priority,
		&chat.OperatorID, pq.Array(&chat.Tags), &attributesJSON, &lastClientAt, &lastOperatorAt,
		&chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(attributesJSON) > 0 {
		if err := json.Unmarshal(attributesJSON, &chat.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat attributes: %w", err)
		}
	}

	if lastClientAt.Valid {
		chat.LastClientMessageAt = &lastClientAt.Time
	}

	if lastOperatorAt.Valid {
		chat.LastOperatorMessageAt = &lastOperatorAt.Time
	}

	return &chat, nil
}

// ScheduleRepository stores the next due time of scheduled automations.
type ScheduleRepository struct {
	db *sql.DB
}

func (r *ScheduleRepository) GetByAutomationID(ctx context.Context, automationID string) (*models.Schedule, error) {
	var (
		schedule    models.Schedule
		lastFiredAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT automation_id, cron_expression, next_due_at, last_fired_at, updated_at
		FROM automation_schedules
		WHERE automation_id = $1
	`, automationID).Scan(&schedule.AutomationID, &schedule.CronExpression, &schedule.NextDueAt, &lastFiredAt, &schedule.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	if lastFiredAt.Valid {
		schedule.LastFiredAt = &lastFiredAt.Time
	}

	return &schedule, nil
}

func (r *ScheduleRepository) Save(ctx context.Context, schedule *models.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_schedules (automation_id, cron_expression, next_due_at, last_fired_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (automation_id) DO UPDATE SET
			cron_expression = EXCLUDED.cron_expression,
			next_due_at = EXCLUDED.next_due_at,
			last_fired_at = EXCLUDED.last_fired_at,
			updated_at = NOW()
	`, schedule.AutomationID, schedule.CronExpression, schedule.NextDueAt, schedule.LastFiredAt)
	if err != nil {
		return persistence.NewEntityError("Save", "schedule", schedule.AutomationID, err)
	}

	return nil
}
