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

// AutomationLogRepository handles automation log database operations.
type AutomationLogRepository struct {
	db *sql.DB
}

const selectAutomationLogs = `
	SELECT id, automation_id, channel_id, chat_id, COALESCE(client_id, ''), COALESCE(current_step_id, ''),
		   status, context, next_run_at, COALESCE(error_message, ''), created_at, updated_at, completed_at
	FROM automation_logs
`

func (r *AutomationLogRepository) GetByID(ctx context.Context, id string) (*models.AutomationLog, error) {
	log, err := scanAutomationLog(r.db.QueryRowContext(ctx, selectAutomationLogs+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAutomationLogNotFound
		}

		return nil, err
	}

	return log, nil
}

func (r *AutomationLogRepository) Save(ctx context.Context, log *models.AutomationLog) error {
	contextJSON, err := json.Marshal(log.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_logs (
			id, automation_id, channel_id, chat_id, client_id, current_step_id, status,
			context, next_run_at, error_message, created_at, updated_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			current_step_id = EXCLUDED.current_step_id,
			status = EXCLUDED.status,
			context = EXCLUDED.context,
			next_run_at = EXCLUDED.next_run_at,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`,
		log.ID,
		log.AutomationID,
		log.ChannelID,
		log.ChatID,
		nullString(log.ClientID),
		nullString(log.CurrentStepID),
		log.Status,
		contextJSON,
		log.NextRunAt,
		nullString(log.Error),
		log.CreatedAt,
		log.UpdatedAt,
		log.CompletedAt,
	)
	if err != nil {
		return persistence.NewEntityError("Save", "automation log", log.ID, err)
	}

	return nil
}

func (r *AutomationLogRepository) Latest(ctx context.Context, automationID, chatID string) (*models.AutomationLog, error) {
	log, err := scanAutomationLog(r.db.QueryRowContext(ctx,
		selectAutomationLogs+` WHERE automation_id = $1 AND chat_id = $2 ORDER BY created_at DESC, id DESC LIMIT 1`,
		automationID, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAutomationLogNotFound
		}

		return nil, err
	}

	return log, nil
}

func (r *AutomationLogRepository) ExistsForChat(ctx context.Context, chatID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM automation_logs WHERE chat_id = $1)`, chatID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check automation logs of chat %s: %w", chatID, err)
	}

	return exists, nil
}

func (r *AutomationLogRepository) Due(ctx context.Context, now time.Time, limit int) ([]*models.AutomationLog, error) {
	return r.query(ctx, selectAutomationLogs+`
		WHERE status = 'waiting' AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2
	`, now, limitOrAll(limit))
}

func (r *AutomationLogRepository) StaleRunning(ctx context.Context, before time.Time, limit int) ([]*models.AutomationLog, error) {
	return r.query(ctx, selectAutomationLogs+`
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before, limitOrAll(limit))
}

func (r *AutomationLogRepository) query(ctx context.Context, query string, args ...any) ([]*models.AutomationLog, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query automation logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*models.AutomationLog

	for rows.Next() {
		log, err := scanAutomationLog(rows)
		if err != nil {
			return nil, err
		}

		logs = append(logs, log)
	}

	return logs, rows.Err()
}

// limitOrAll maps a non-positive limit to NULL, which postgres treats as LIMIT ALL.
func limitOrAll(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

func scanAutomationLog(row scanner) (*models.AutomationLog, error) {
	var (
		log         models.AutomationLog
		contextJSON []byte
		nextRunAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(&log.ID, &log.AutomationID, &log.ChannelID, &log.ChatID, &log.ClientID, &log.CurrentStepID,
		&log.Status, &contextJSON, &nextRunAt, &log.Error, &log.CreatedAt, &log.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &log.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context of %s: %w", log.ID, err)
		}
	}

	if log.Context == nil {
		log.Context = map[string]any{}
	}

	if nextRunAt.Valid {
		log.NextRunAt = &nextRunAt.Time
	}

	if completedAt.Valid {
		log.CompletedAt = &completedAt.Time
	}

	return &log, nil
}
