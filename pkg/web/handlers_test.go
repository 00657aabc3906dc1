package web_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/deskflow/pkg/ingestion"
	"github.com/dukex/deskflow/pkg/locker"
	"github.com/dukex/deskflow/pkg/log"
	"github.com/dukex/deskflow/pkg/mocks"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/normalizer"
	"github.com/dukex/deskflow/pkg/persistence/file"
	"github.com/dukex/deskflow/pkg/testutil"
	"github.com/dukex/deskflow/pkg/transport"
	"github.com/dukex/deskflow/pkg/web"
	"github.com/dukex/deskflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	app         *fiber.App
	persistence *file.Persistence
	transports  *transport.Registry
	manager     *ingestion.Manager
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		persistence: file.NewPersistence(t.TempDir()),
		transports:  transport.NewRegistry(),
	}

	noop := ingestion.HandlerFunc(func(context.Context, models.InboundEvent) error { return nil })

	env.manager = ingestion.NewManager(env.persistence, env.transports, normalizer.NewDefaultRegistry(), noop, log.Discard(),
		ingestion.Options{PollTimeout: time.Millisecond, IdleInterval: time.Millisecond})
	t.Cleanup(env.manager.StopAll)

	executor := workflow.NewExecutor(env.persistence, env.transports, locker.NewLocalLocker(), log.Discard(), workflow.Options{})

	handlers := web.NewAPIHandlers(env.persistence, env.manager, executor,
		validator.New(validator.WithRequiredStructEnabled()), log.Discard())

	env.app = fiber.New()
	handlers.Register(env.app)

	return env
}

// addChannel seeds a telegram channel served by a fake transport.
func (env *testEnv) addChannel(t *testing.T, overrides ...func(*models.Channel)) (*models.Channel, *mocks.FakeTransport) {
	t.Helper()

	channel := testutil.CreateTestChannel(overrides...)
	testutil.Seed(t, env.persistence, channel)

	fake := &mocks.FakeTransport{}
	env.transports.Set(channel.ID, fake)

	return channel, fake
}

func (env *testEnv) do(t *testing.T, method, path string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)

	resp, err := env.app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded), string(body))

	return resp.StatusCode, decoded
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["checkers"].(map[string]any)["repository"])
	assert.Equal(t, "0 pollers running", body["checkers"].(map[string]any)["ingestion"])
}

func TestAPIHandlers_IngestionLifecycle(t *testing.T) {
	env := setupTestApp(t)

	first, _ := env.addChannel(t)
	second, _ := env.addChannel(t)

	status, body := env.do(t, http.MethodGet, "/ingestion")
	assert.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 0, body["running"], 0)
	assert.Empty(t, body["channels"])

	status, body = env.do(t, http.MethodPost, "/ingestion/start")
	assert.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 2, body["running"], 0)

	channels := body["channels"].([]any)
	require.Len(t, channels, 2)

	ids := []string{
		channels[0].(map[string]any)["channel_id"].(string),
		channels[1].(map[string]any)["channel_id"].(string),
	}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	status, body = env.do(t, http.MethodPost, "/ingestion/"+first.ID+"/stop")
	assert.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 1, body["running"], 0)
	assert.False(t, env.manager.Running(first.ID))

	status, _ = env.do(t, http.MethodPost, "/ingestion/"+first.ID+"/start")
	assert.Equal(t, http.StatusAccepted, status)
	assert.True(t, env.manager.Running(first.ID))

	status, body = env.do(t, http.MethodPost, "/ingestion/stop")
	assert.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 0, body["running"], 0)
	assert.Len(t, body["channels"], 2)
}

func TestAPIHandlers_ChannelErrors(t *testing.T) {
	env := setupTestApp(t)

	inactive, _ := env.addChannel(t, func(c *models.Channel) { c.Active = false })
	idle, _ := env.addChannel(t)

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "unknown channel",
			path:           "/ingestion/missing/start",
			expectedStatus: http.StatusNotFound,
			expectedType:   "not_found",
		},
		{
			name:           "inactive channel",
			path:           "/ingestion/" + inactive.ID + "/start",
			expectedStatus: http.StatusConflict,
			expectedType:   "conflict",
		},
		{
			name:           "stopping a channel that is not polled",
			path:           "/ingestion/" + idle.ID + "/stop",
			expectedStatus: http.StatusConflict,
			expectedType:   "conflict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, tt.path)

			assert.Equal(t, tt.expectedStatus, status)
			assert.Equal(t, tt.expectedType, body["type"])
			assert.Equal(t, tt.path, body["instance"])
		})
	}
}

func TestAPIHandlers_GetAutomationLog(t *testing.T) {
	env := setupTestApp(t)
	channel, _ := env.addChannel(t)

	automation := testutil.CreateTestAutomation(models.TriggerKeyword, testutil.SendText("A", "Hello", ""))
	chat, client := testutil.CreateTestConversation(channel.ID)
	automationLog := testutil.CreateTestLog(automation, chat)
	automationLog.Status = models.LogStatusCompleted

	testutil.Seed(t, env.persistence, automation, chat, client, automationLog)

	status, body := env.do(t, http.MethodGet, "/automation-logs/"+automationLog.ID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, automationLog.ID, body["id"])
	assert.Equal(t, "completed", body["status"])

	status, body = env.do(t, http.MethodGet, "/automation-logs/missing")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "automation log not found", body["detail"])
}

func TestAPIHandlers_RunAutomationLog(t *testing.T) {
	env := setupTestApp(t)
	channel, fake := env.addChannel(t)

	automation := testutil.CreateTestAutomation(models.TriggerKeyword,
		testutil.SendText("A", "Hello {{.client.name}}", ""))
	chat, client := testutil.CreateTestConversation(channel.ID)

	interrupted := testutil.CreateTestLog(automation, chat)

	finished := testutil.CreateTestLog(automation, chat)
	finished.Status = models.LogStatusFailed

	testutil.Seed(t, env.persistence, automation, chat, client, interrupted, finished)

	status, body := env.do(t, http.MethodPost, "/automation-logs/"+interrupted.ID+"/run")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", body["status"])

	require.Len(t, fake.Sent(), 1)
	assert.Equal(t, "Hello Ada", fake.Sent()[0].Text)

	status, body = env.do(t, http.MethodPost, "/automation-logs/"+interrupted.ID+"/run")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "automation log is completed", body["detail"])

	status, _ = env.do(t, http.MethodPost, "/automation-logs/"+finished.ID+"/run")
	assert.Equal(t, http.StatusConflict, status)
	assert.Len(t, fake.Sent(), 1)

	status, _ = env.do(t, http.MethodPost, "/automation-logs/missing/run")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_HealthCheckUnhealthy(t *testing.T) {
	missing := file.NewPersistence("/does/not/exist/deskflow")
	manager := ingestion.NewManager(missing, transport.NewRegistry(), normalizer.NewDefaultRegistry(),
		ingestion.HandlerFunc(func(context.Context, models.InboundEvent) error { return nil }), log.Discard(), ingestion.Options{})

	handlers := web.NewAPIHandlers(missing, manager, nil, validator.New(), log.Discard())

	app := fiber.New()
	app.Get("/health", handlers.HealthCheck)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body web.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.NotEqual(t, "ok", body.Checkers["repository"])
}
