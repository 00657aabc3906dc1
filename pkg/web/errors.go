package web

import (
	"errors"

	"github.com/dukex/deskflow/pkg/ingestion"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleError maps engine errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsChannelNotFound(err):
		return notFound(c, "channel not found")

	case persistence.IsAutomationLogNotFound(err):
		return notFound(c, "automation log not found")

	case persistence.IsNotFound(err):
		return notFound(c, err.Error())

	case errors.Is(err, ingestion.ErrChannelInactive),
		errors.Is(err, ingestion.ErrChannelNotPollable),
		errors.Is(err, ingestion.ErrPollerNotRunning):
		return conflict(c, err.Error())

	case workflow.IsPersistenceError(err):
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("persistence_unavailable").
			WithDetail(err.Error())

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	default:
		return internalError(c, err)
	}
}
