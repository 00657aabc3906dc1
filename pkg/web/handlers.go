// Package web provides the operational control surface of the helpdesk engine: health,
// ingestion control and automation log inspection.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/deskflow/pkg/ingestion"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// IngestionController starts and stops channel pollers. ingestion.Manager satisfies it.
type IngestionController interface {
	StartAll(ctx context.Context) error
	StartChannel(ctx context.Context, channelID string) error
	StopChannel(channelID string) error
	StopAll()
	Status() []ingestion.Status
}

// Runner invokes the workflow executor on one log. workflow.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, logID string) (*models.AutomationLog, error)
}

type APIHandlers struct {
	persistence persistence.Persistence
	ingestion   IngestionController
	runner      Runner
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	persistence persistence.Persistence,
	ingestion IngestionController,
	runner Runner,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: persistence,
		ingestion:   ingestion,
		runner:      runner,
		validator:   validator,
		logger:      logger.With("module", "web"),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Deskflow is healthy"
	httpStatus := http.StatusOK
	repository := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Deskflow is unhealthy"
		httpStatus = http.StatusServiceUnavailable
		repository = err.Error()
	}

	running := 0

	for _, poller := range h.ingestion.Status() {
		if poller.Running {
			running++
		}
	}

	return c.Status(httpStatus).JSON(HealthResponse{
		Status:  status,
		Message: message,
		Checkers: map[string]string{
			"repository": repository,
			"ingestion":  fmt.Sprintf("%d pollers running", running),
		},
		Timestamp: time.Now().UTC(),
	})
}

func (h *APIHandlers) GetIngestion(c fiber.Ctx) error {
	return c.JSON(newIngestionResponse(h.ingestion.Status()))
}

// StartIngestion starts every active pollable channel. Channels that fail to start are
// reported while the others keep polling.
func (h *APIHandlers) StartIngestion(c fiber.Ctx) error {
	if err := h.ingestion.StartAll(c.Context()); err != nil {
		h.logger.ErrorContext(c.Context(), "Some channel pollers failed to start", "error", err)

		return handleError(c, err)
	}

	return c.JSON(newIngestionResponse(h.ingestion.Status()))
}

func (h *APIHandlers) StopIngestion(c fiber.Ctx) error {
	h.ingestion.StopAll()

	return c.JSON(newIngestionResponse(h.ingestion.Status()))
}

func (h *APIHandlers) StartChannel(c fiber.Ctx) error {
	params := ChannelParams{ChannelID: c.Params("channelId")}
	if err := h.validator.Struct(params); err != nil {
		return badRequest(c, "Invalid channel id: "+err.Error())
	}

	if err := h.ingestion.StartChannel(c.Context(), params.ChannelID); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(newIngestionResponse(h.ingestion.Status()))
}

func (h *APIHandlers) StopChannel(c fiber.Ctx) error {
	params := ChannelParams{ChannelID: c.Params("channelId")}
	if err := h.validator.Struct(params); err != nil {
		return badRequest(c, "Invalid channel id: "+err.Error())
	}

	if err := h.ingestion.StopChannel(params.ChannelID); err != nil {
		return handleError(c, err)
	}

	return c.JSON(newIngestionResponse(h.ingestion.Status()))
}

func (h *APIHandlers) GetAutomationLog(c fiber.Ctx) error {
	params := AutomationLogParams{ID: c.Params("id")}
	if err := h.validator.Struct(params); err != nil {
		return badRequest(c, "Invalid automation log id: "+err.Error())
	}

	automationLog, err := h.persistence.AutomationLogRepository().GetByID(c.Context(), params.ID)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(automationLog)
}

// RunAutomationLog re-enters the executor for a log. A waiting log that is not due yet is
// returned unchanged; a finished log cannot be re-entered.
func (h *APIHandlers) RunAutomationLog(c fiber.Ctx) error {
	params := AutomationLogParams{ID: c.Params("id")}
	if err := h.validator.Struct(params); err != nil {
		return badRequest(c, "Invalid automation log id: "+err.Error())
	}

	automationLog, err := h.persistence.AutomationLogRepository().GetByID(c.Context(), params.ID)
	if err != nil {
		return handleError(c, err)
	}

	if automationLog.Status.Terminal() {
		return conflict(c, fmt.Sprintf("automation log is %s", automationLog.Status))
	}

	automationLog, err = h.runner.Run(c.Context(), params.ID)
	if err != nil {
		h.logger.ErrorContext(c.Context(), "Manual automation run failed", "automation_log_id", params.ID, "error", err)

		return handleError(c, err)
	}

	return c.JSON(automationLog)
}

// Register mounts every control surface route on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	i := router.Group("/ingestion")
	i.Get("/", h.GetIngestion)
	i.Post("/start", h.StartIngestion)
	i.Post("/stop", h.StopIngestion)
	i.Post("/:channelId/start", h.StartChannel)
	i.Post("/:channelId/stop", h.StopChannel)

	l := router.Group("/automation-logs")
	l.Get("/:id", h.GetAutomationLog)
	l.Post("/:id/run", h.RunAutomationLog)
}
