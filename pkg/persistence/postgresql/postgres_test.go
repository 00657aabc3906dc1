package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// children first, parents last
	for _, table := range []string{
		"automation_schedules", "automation_logs", "chats", "clients", "automation_steps",
		"automations", "channel_cursors", "channels", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("deskflow_test"),
			postgres.WithUsername("deskflow"),
			postgres.WithPassword("deskflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func seedConversation(ctx context.Context, t *testing.T, p *postgresql.Persistence) (*models.Automation, *models.Chat) {
	t.Helper()

	channel := &models.Channel{ID: "channel-1", Name: "Support", Type: models.ChannelTypeTelegram, Active: true,
		Credentials: map[string]string{"token": "secret"}}
	require.NoError(t, p.ChannelRepository().Save(ctx, channel))

	automation := &models.Automation{
		ID:            "automation-1",
		Name:          "Refunds",
		ChannelID:     "channel-1",
		TriggerKind:   models.TriggerKeyword,
		TriggerConfig: models.TriggerConfig{Keywords: []string{"refund"}},
		EntryStepID:   "ask",
		Active:        true,
		Steps: []*models.AutomationStep{
			{ID: "ask", Type: models.StepSendText, Config: map[string]any{"text": "Order number?"}, NextStepID: "wait", Position: 1},
			{ID: "wait", Type: models.StepDelay, Config: map[string]any{"duration": "5m"}, Position: 2},
		},
	}
	require.NoError(t, p.AutomationRepository().Save(ctx, automation))

	client := &models.Client{ID: "client-1", ChannelID: "channel-1", ExternalID: "42", Name: "Ada"}
	require.NoError(t, p.ChatRepository().SaveClient(ctx, client))

	chat := &models.Chat{ID: "chat-1", ChannelID: "channel-1", ClientID: "client-1", ExternalChatID: "42",
		Status: models.ChatStatusOpen, Priority: models.PriorityNormal, Tags: []string{"vip"}}
	require.NoError(t, p.ChatRepository().SaveChat(ctx, chat))

	return automation, chat
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"channels", "channel_cursors", "automations", "automation_steps", "automation_logs", "automation_schedules"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestCursorRepository_Monotonic(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.CursorRepository()

	offset, err := repo.Get(ctx, "channel-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)

	require.NoError(t, repo.Advance(ctx, "channel-1", 104))
	require.NoError(t, repo.Advance(ctx, "channel-1", 101))

	offset, err = repo.Get(ctx, "channel-1")
	require.NoError(t, err)
	assert.Equal(t, int64(104), offset)
}

func TestAutomationRepository_SaveAndRetrieve(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	automation, _ := seedConversation(ctx, t, p)

	loaded, err := p.AutomationRepository().GetByID(ctx, automation.ID)
	require.NoError(t, err)
	assert.Equal(t, "Refunds", loaded.Name)
	assert.Equal(t, []string{"refund"}, loaded.TriggerConfig.Keywords)
	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, "ask", loaded.Steps[0].ID)
	assert.Equal(t, "wait", loaded.Steps[0].NextStepID)
	assert.Equal(t, "5m", loaded.Steps[1].Config["duration"])

	// steps are replaced, not appended
	loaded.Steps = loaded.Steps[:1]
	loaded.Steps[0].NextStepID = ""
	require.NoError(t, p.AutomationRepository().Save(ctx, loaded))

	reloaded, err := p.AutomationRepository().GetByID(ctx, automation.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Steps, 1)
	assert.Empty(t, reloaded.Steps[0].NextStepID)

	keyword, err := p.AutomationRepository().GetActiveByTrigger(ctx, models.TriggerKeyword)
	require.NoError(t, err)
	assert.Len(t, keyword, 1)

	scheduled, err := p.AutomationRepository().GetActiveByTrigger(ctx, models.TriggerScheduled)
	require.NoError(t, err)
	assert.Empty(t, scheduled)

	_, err = p.AutomationRepository().GetByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrAutomationNotFound)
}

func TestAutomationLogRepository_DueAndStale(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	automation, chat := seedConversation(ctx, t, p)
	repo := p.AutomationLogRepository()

	now := time.Now().UTC().Truncate(time.Millisecond)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	logs := []*models.AutomationLog{
		{ID: "due", NextRunAt: &past, Status: models.LogStatusWaiting, UpdatedAt: now, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "later", NextRunAt: &future, Status: models.LogStatusWaiting, UpdatedAt: now, CreatedAt: now.Add(-time.Hour)},
		{ID: "stale", Status: models.LogStatusRunning, UpdatedAt: now.Add(-time.Hour), CreatedAt: now},
	}
	for _, l := range logs {
		l.AutomationID = automation.ID
		l.ChannelID = chat.ChannelID
		l.ChatID = chat.ID
		l.ClientID = chat.ClientID
		l.Context = map[string]any{"steps_executed": 1}
		require.NoError(t, repo.Save(ctx, l))
	}

	due, err := repo.Due(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
	assert.InDelta(t, 1.0, due[0].Context["steps_executed"], 0)

	stale, err := repo.StaleRunning(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].ID)

	latest, err := repo.Latest(ctx, automation.ID, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "stale", latest.ID)

	exists, err := repo.ExistsForChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ExistsForChat(ctx, "missing-chat")
	require.NoError(t, err)
	assert.False(t, exists)

	logs[0].Status = models.LogStatusCompleted
	logs[0].NextRunAt = nil
	logs[0].CompletedAt = &now
	require.NoError(t, repo.Save(ctx, logs[0]))

	reloaded, err := repo.GetByID(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, models.LogStatusCompleted, reloaded.Status)
	assert.Nil(t, reloaded.NextRunAt)
	require.NotNil(t, reloaded.CompletedAt)

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrAutomationLogNotFound)
}

func TestChatRepository_RoundTrip(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	_, chat := seedConversation(ctx, t, p)
	repo := p.ChatRepository()

	loaded, err := repo.GetChatByExternalID(ctx, "channel-1", "42")
	require.NoError(t, err)
	assert.Equal(t, chat.ID, loaded.ID)
	assert.Equal(t, []string{"vip"}, loaded.Tags)

	loaded.AddTag("refund")
	loaded.OperatorID = "operator-7"
	loaded.Status = models.ChatStatusClosed
	require.NoError(t, repo.SaveChat(ctx, loaded))

	reloaded, err := repo.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"vip", "refund"}, reloaded.Tags)
	assert.Equal(t, "operator-7", reloaded.OperatorID)

	open, err := repo.OpenChats(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)

	client, err := repo.GetClientByExternalID(ctx, "channel-1", "42")
	require.NoError(t, err)
	assert.Equal(t, "Ada", client.Name)

	_, err = repo.GetClient(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrClientNotFound)
}

func TestScheduleRepository_RoundTrip(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	automation, _ := seedConversation(ctx, t, p)

	schedule, err := models.NewSchedule(automation.ID, "0 9 * * *", time.Now())
	require.NoError(t, err)
	require.NoError(t, p.ScheduleRepository().Save(ctx, schedule))

	loaded, err := p.ScheduleRepository().GetByAutomationID(ctx, automation.ID)
	require.NoError(t, err)
	assert.True(t, schedule.NextDueAt.Equal(loaded.NextDueAt))
	assert.Nil(t, loaded.LastFiredAt)
}
