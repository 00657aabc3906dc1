package main

import (
	"time"

	"github.com/dukex/deskflow/pkg/cmd"
	"github.com/dukex/deskflow/pkg/ingestion"
	"github.com/dukex/deskflow/pkg/scheduler"
	"github.com/dukex/deskflow/pkg/workflow"
	"github.com/urfave/cli/v3"
)

const defaultPort = 9091

func databaseURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Database connection URL for persistence (file:// or postgres://)",
		Required: true,
		Sources:  cli.EnvVars("DATABASE_URL"),
	}
}

func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   "info",
		Sources: cli.EnvVars("LOG_LEVEL"),
	}
}

// engineFlags configure the components shared by run and poll-once.
func engineFlags() []cli.Flag {
	return []cli.Flag{
		databaseURLFlag(),
		logLevelFlag(),
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the automation log lock shared between processes (in-process lock when empty)",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.DurationFlag{
			Name:    "poll-timeout",
			Usage:   "Long-poll timeout of one fetch",
			Value:   ingestion.DefaultPollTimeout,
			Sources: cli.EnvVars("POLL_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "idle-interval",
			Usage:   "Pause after a poll cycle that returned nothing",
			Value:   ingestion.DefaultIdleInterval,
			Sources: cli.EnvVars("IDLE_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "error-backoff-max",
			Usage:   "Upper bound of the wait between failed poll cycles",
			Value:   ingestion.DefaultErrorBackoffMax,
			Sources: cli.EnvVars("ERROR_BACKOFF_MAX"),
		},
		&cli.IntFlag{
			Name:    "max-steps-per-run",
			Usage:   "Steps one executor invocation may run before the log is failed",
			Value:   workflow.DefaultMaxStepsPerRun,
			Sources: cli.EnvVars("MAX_STEPS_PER_RUN"),
		},
		&cli.FloatFlag{
			Name:    "send-rate",
			Usage:   "Outbound messages per second per channel (0 keeps the channel default)",
			Sources: cli.EnvVars("SEND_RATE"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

func runFlags() []cli.Flag {
	return append(engineFlags(),
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Hand-off between pollers and the trigger matcher (direct, gochannel, kafka)",
			Value:   cmd.EventBusDirect,
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.IntFlag{
			Name:    "api-port",
			Aliases: []string{"p"},
			Usage:   "Port of the control surface",
			Value:   defaultPort,
			Sources: cli.EnvVars("API_PORT"),
		},
		&cli.DurationFlag{
			Name:    "scheduler-interval",
			Usage:   "Interval between resumption scheduler sweeps",
			Value:   scheduler.DefaultInterval,
			Sources: cli.EnvVars("SCHEDULER_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "stale-running-after",
			Usage:   "Age after which a running log is considered interrupted",
			Value:   scheduler.DefaultStaleRunningAfter,
			Sources: cli.EnvVars("STALE_RUNNING_AFTER"),
		},
	)
}

func ingestionOptions(command *cli.Command) ingestion.Options {
	return ingestion.Options{
		PollTimeout:     command.Duration("poll-timeout"),
		IdleInterval:    command.Duration("idle-interval"),
		ErrorBackoffMax: command.Duration("error-backoff-max"),
	}
}

func schedulerOptions(command *cli.Command) scheduler.Options {
	return scheduler.Options{
		Interval:          command.Duration("scheduler-interval"),
		StaleRunningAfter: command.Duration("stale-running-after"),
	}
}

func workflowOptions(command *cli.Command) workflow.Options {
	return workflow.Options{MaxStepsPerRun: int(command.Int("max-steps-per-run"))}
}

// pollOnceTimeout caps the long poll of a single poll-once fetch.
func pollOnceTimeout(command *cli.Command) time.Duration {
	return min(command.Duration("poll-timeout"), time.Second)
}
