package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API is the operational control surface served next to the engine.
type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	ingestion   web.IngestionController
	runner      web.Runner
	gatherer    prometheus.Gatherer
	validate    *validator.Validate

	app *fiber.App
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	ingestion web.IngestionController,
	runner web.Runner,
	gatherer prometheus.Gatherer,
) *API {
	a := &API{
		logger:      logger,
		persistence: persistence,
		ingestion:   ingestion,
		runner:      runner,
		gatherer:    gatherer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
	a.app = a.App()

	return a
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.persistence, a.ingestion, a.runner, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Deskflow")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))

	handlers.Register(app)

	return app
}

// Start blocks serving the control surface until Shutdown is called.
func (a *API) Start(port int) error {
	return a.app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}

func (a *API) Shutdown() error {
	return a.app.Shutdown()
}
