package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/lib/pq"
)

// AutomationRepository handles automation-related database operations. Steps are
// stored in their own table and always written together with the automation.
type AutomationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const selectAutomations = `
	SELECT id, name, COALESCE(channel_id, ''), trigger_kind, trigger_config,
		   COALESCE(entry_step_id, ''), active, created_at, updated_at
	FROM automations
`

func (r *AutomationRepository) GetAll(ctx context.Context) ([]*models.Automation, error) {
	return r.query(ctx, selectAutomations+` ORDER BY id`)
}

func (r *AutomationRepository) GetByID(ctx context.Context, id string) (*models.Automation, error) {
	automations, err := r.query(ctx, selectAutomations+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}

	if len(automations) == 0 {
		return nil, persistence.ErrAutomationNotFound
	}

	return automations[0], nil
}

func (r *AutomationRepository) GetActiveByTrigger(ctx context.Context, kinds ...models.TriggerKind) ([]*models.Automation, error) {
	if len(kinds) == 0 {
		return r.query(ctx, selectAutomations+` WHERE active ORDER BY id`)
	}

	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, string(kind))
	}

	return r.query(ctx, selectAutomations+` WHERE active AND trigger_kind = ANY($1) ORDER BY id`, pq.Array(names))
}

func (r *AutomationRepository) Save(ctx context.Context, automation *models.Automation) error {
	triggerConfigJSON, err := json.Marshal(automation.TriggerConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	now := time.Now().UTC()
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				r.logger.ErrorContext(ctx, "Failed to rollback automation save", "automation_id", automation.ID, "error", rollbackErr)
			}
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automations (id, name, channel_id, trigger_kind, trigger_config, entry_step_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			channel_id = EXCLUDED.channel_id,
			trigger_kind = EXCLUDED.trigger_kind,
			trigger_config = EXCLUDED.trigger_config,
			entry_step_id = EXCLUDED.entry_step_id,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, automation.ID, automation.Name, nullString(automation.ChannelID), automation.TriggerKind, triggerConfigJSON,
		nullString(automation.EntryStepID), automation.Active, automation.CreatedAt, automation.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Save", "automation", automation.ID, err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM automation_steps WHERE automation_id = $1`, automation.ID)
	if err != nil {
		return fmt.Errorf("failed to replace steps: %w", err)
	}

	for _, step := range automation.Steps {
		var configJSON []byte

		configJSON, err = json.Marshal(step.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal config of step %s: %w", step.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_steps (automation_id, id, type, name, config, next_step_id,
				condition_true_step_id, condition_false_step_id, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, automation.ID, step.ID, step.Type, step.Name, configJSON, nullString(step.NextStepID),
			nullString(step.ConditionTrueStepID), nullString(step.ConditionFalseStepID), step.Position)
		if err != nil {
			return fmt.Errorf("failed to insert step %s: %w", step.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit automation %s: %w", automation.ID, err)
	}

	return nil
}

func (r *AutomationRepository) query(ctx context.Context, query string, args ...any) ([]*models.Automation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var automations []*models.Automation

	for rows.Next() {
		var (
			automation        models.Automation
			triggerConfigJSON []byte
		)

		err := rows.Scan(&automation.ID, &automation.Name, &automation.ChannelID, &automation.TriggerKind,
			&triggerConfigJSON, &automation.EntryStepID, &automation.Active, &automation.CreatedAt, &automation.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}

		if len(triggerConfigJSON) > 0 {
			if err := json.Unmarshal(triggerConfigJSON, &automation.TriggerConfig); err != nil {
				return nil, fmt.Errorf("failed to unmarshal trigger config of %s: %w", automation.ID, err)
			}
		}

		automations = append(automations, &automation)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, automation := range automations {
		automation.Steps, err = r.steps(ctx, automation.ID)
		if err != nil {
			return nil, err
		}
	}

	return automations, nil
}

func (r *AutomationRepository) steps(ctx context.Context, automationID string) ([]*models.AutomationStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, COALESCE(name, ''), config, COALESCE(next_step_id, ''),
			   COALESCE(condition_true_step_id, ''), COALESCE(condition_false_step_id, ''), position
		FROM automation_steps
		WHERE automation_id = $1
		ORDER BY position, id
	`, automationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps of %s: %w", automationID, err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*models.AutomationStep

	for rows.Next() {
		var (
			step       models.AutomationStep
			configJSON []byte
		)

		err := rows.Scan(&step.ID, &step.Type, &step.Name, &configJSON, &step.NextStepID,
			&step.ConditionTrueStepID, &step.ConditionFalseStepID, &step.Position)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &step.Config); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config of step %s: %w", step.ID, err)
			}
		}

		steps = append(steps, &step)
	}

	return steps, rows.Err()
}
