package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/deskflow/pkg/ingestion"
	"github.com/dukex/deskflow/pkg/log"
	"github.com/dukex/deskflow/pkg/metrics"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/normalizer"
	"github.com/dukex/deskflow/pkg/persistence/file"
	"github.com/dukex/deskflow/pkg/transport"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	persistence := file.NewPersistence(t.TempDir())
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	manager := ingestion.NewManager(persistence, transport.NewRegistry(), normalizer.NewDefaultRegistry(),
		ingestion.HandlerFunc(func(context.Context, models.InboundEvent) error { return nil }), log.Discard(), ingestion.Options{}).
		WithMetrics(m)

	m.SchedulerSwept(2)

	return NewAPI(log.Discard(), persistence, manager, nil, registry).App()
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Deskflow", body)
}

func TestAPI_Liveness(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/livez")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)
}

func TestAPI_Metrics(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/metrics")

	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "deskflow_scheduler_sweeps_total 1")
}

func TestAPI_ControlSurfaceRoutes(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"healthy"`)

	status, body = get(t, app, "/ingestion")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"running": 0, "channels": []}`, body)
}
