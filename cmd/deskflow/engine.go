package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/deskflow/pkg/cmd"
	"github.com/dukex/deskflow/pkg/metrics"
	"github.com/dukex/deskflow/pkg/normalizer"
	"github.com/dukex/deskflow/pkg/otelhelper"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/transport"
	"github.com/dukex/deskflow/pkg/trigger"
	"github.com/dukex/deskflow/pkg/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

// engine holds the components every long-running command needs.
type engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	transports  *transport.Registry
	normalizers *normalizer.Registry
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	executor    *workflow.Executor
	matcher     *trigger.Matcher

	closers []func(ctx context.Context) error
}

func newEngine(ctx context.Context, command *cli.Command, logger *slog.Logger) (*engine, error) {
	e := &engine{
		logger:      logger,
		normalizers: cmd.NewNormalizerRegistry(),
		transports:  cmd.NewTransportRegistry(command.Float("send-rate")),
		registry:    prometheus.NewRegistry(),
		tracer:      otelhelper.NoopTracer(),
	}

	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.metrics = metrics.New(e.registry)

	if command.Bool("tracing") {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, "deskflow")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		e.tracer = tracer
		e.closers = append(e.closers, shutdown)
	}

	p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		e.Close(ctx)

		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	e.persistence = p
	e.closers = append(e.closers, p.Close)

	lock, closeLock, err := cmd.NewLocker(command.String("redis-url"), logger)
	if err != nil {
		e.Close(ctx)

		return nil, fmt.Errorf("failed to create locker: %w", err)
	}

	e.closers = append(e.closers, func(context.Context) error { return closeLock() })

	e.executor = workflow.NewExecutor(p, e.transports, lock, logger, workflowOptions(command)).
		WithTracer(e.tracer).
		WithMetrics(e.metrics)
	e.matcher = trigger.NewMatcher(p, e.executor, lock, logger, trigger.Options{}).
		WithMetrics(e.metrics)

	return e, nil
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close(ctx context.Context) {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			e.logger.ErrorContext(ctx, "Failed to release resource", "error", err)
		}
	}

	e.closers = nil
}
