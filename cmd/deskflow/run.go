package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dukex/deskflow/pkg/cmd"
	"github.com/dukex/deskflow/pkg/events"
	"github.com/dukex/deskflow/pkg/ingestion"
	"github.com/dukex/deskflow/pkg/log"
	"github.com/dukex/deskflow/pkg/scheduler"
	"github.com/dukex/deskflow/pkg/trigger"
	"github.com/urfave/cli/v3"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Poll every active channel, run automations and serve the control surface",
		Flags:   runFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("deskflow")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing Deskflow")

			e, err := newEngine(ctx, command, logger)
			if err != nil {
				return err
			}
			defer e.Close(context.WithoutCancel(ctx))

			handler, closeBus, err := newInboundHandler(ctx, command, e)
			if err != nil {
				return err
			}

			defer func() {
				if err := closeBus(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			manager := ingestion.NewManager(e.persistence, e.transports, e.normalizers, handler, logger, ingestionOptions(command)).
				WithMetrics(e.metrics).
				WithTracer(e.tracer)

			sweeper := scheduler.NewScheduler(e.persistence.AutomationLogRepository(), e.executor, trigger.NewTimeTriggers(e.matcher),
				logger, schedulerOptions(command)).
				WithMetrics(e.metrics)

			api := NewAPI(logger, e.persistence, manager, e.executor, e.registry)
			apiErrors := make(chan error, 1)

			go func() {
				logger.Info("Control surface listening", "port", command.Int("api-port"))
				apiErrors <- api.Start(int(command.Int("api-port")))
			}()

			if err := manager.StartAll(ctx); err != nil {
				// channels that did start keep polling
				logger.ErrorContext(ctx, "Some channels failed to start", "error", err)
			}

			if err := sweeper.Start(ctx); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			select {
			case <-ctx.Done():
				logger.Info("Shutting down gracefully...")
			case err := <-apiErrors:
				logger.Error("Control surface stopped", "error", err)
			}

			if err := api.Shutdown(); err != nil {
				logger.Error("Failed to stop control surface", "error", err)
			}

			manager.StopAll()
			manager.Wait()
			sweeper.Stop()

			logger.Info("Deskflow stopped")

			return nil
		},
	}
}

// newInboundHandler decides how pollers hand events to the trigger matcher: directly, or
// through an event bus the matcher consumes. Either way a stopping poller lets the
// hand-off in progress complete.
func newInboundHandler(ctx context.Context, command *cli.Command, e *engine) (ingestion.Handler, func() error, error) {
	provider := command.String("event-bus")
	if provider == cmd.EventBusDirect {
		return ingestion.Detached(e.matcher), func() error { return nil }, nil
	}

	bus, err := cmd.NewEventBus(provider, command.String("kafka-brokers"), e.logger)
	if err != nil {
		return nil, nil, err
	}

	if err := bus.Handle(events.InboundReceivedEvent, e.matcher.HandleEvent); err != nil {
		_ = bus.Close()

		return nil, nil, fmt.Errorf("failed to register inbound handler: %w", err)
	}

	// consumers live until the bus is closed, after every poller has stopped
	if err := bus.Subscribe(context.WithoutCancel(ctx)); err != nil {
		_ = bus.Close()

		return nil, nil, fmt.Errorf("failed to subscribe to inbound events: %w", err)
	}

	e.executor.WithPublisher(bus)
	e.matcher.WithPublisher(bus)

	e.logger.InfoContext(ctx, "Inbound events go through the event bus", "provider", provider)

	return ingestion.Detached(ingestion.NewBusHandler(bus)), bus.Close, nil
}
