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
)

// ChannelRepository handles channel-related database operations.
type ChannelRepository struct {
	db *sql.DB
}

func (r *ChannelRepository) GetAll(ctx context.Context) ([]*models.Channel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, active, credentials, created_at, updated_at
		FROM channels
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*models.Channel

	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}

		channels = append(channels, channel)
	}

	return channels, rows.Err()
}

func (r *ChannelRepository) GetByID(ctx context.Context, id string) (*models.Channel, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, type, active, credentials, created_at, updated_at
		FROM channels
		WHERE id = $1
	`, id)

	channel, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrChannelNotFound
		}

		return nil, err
	}

	return channel, nil
}

func (r *ChannelRepository) Save(ctx context.Context, channel *models.Channel) error {
	credentialsJSON, err := json.Marshal(channel.Credentials)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	now := time.Now().UTC()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}

	channel.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, type, active, credentials, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			active = EXCLUDED.active,
			credentials = EXCLUDED.credentials,
			updated_at = EXCLUDED.updated_at
	`, channel.ID, channel.Name, channel.Type, channel.Active, credentialsJSON, channel.CreatedAt, channel.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Save", "channel", channel.ID, err)
	}

	return nil
}

func scanChannel(row scanner) (*models.Channel, error) {
	var (
		channel         models.Channel
		credentialsJSON []byte
	)

	err := row.Scan(&channel.ID, &channel.Name, &channel.Type, &channel.Active, &credentialsJSON, &channel.CreatedAt, &channel.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(credentialsJSON) > 0 {
		if err := json.Unmarshal(credentialsJSON, &channel.Credentials); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
		}
	}

	return &channel, nil
}

// CursorRepository stores ingestion offsets. Advance never moves an offset backwards.
type CursorRepository struct {
	db *sql.DB
}

func (r *CursorRepository) Get(ctx context.Context, channelID string) (int64, error) {
	var offset int64

	err := r.db.QueryRowContext(ctx, `SELECT update_offset FROM channel_cursors WHERE channel_id = $1`, channelID).Scan(&offset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to query cursor for channel %s: %w", channelID, err)
	}

	return offset, nil
}

func (r *CursorRepository) Advance(ctx context.Context, channelID string, offset int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channel_cursors (channel_id, update_offset, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (channel_id) DO UPDATE SET
			update_offset = GREATEST(channel_cursors.update_offset, EXCLUDED.update_offset),
			updated_at = NOW()
	`, channelID, offset)
	if err != nil {
		return persistence.NewEntityError("Advance", "cursor", channelID, err)
	}

	return nil
}
