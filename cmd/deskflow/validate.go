package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dukex/deskflow/pkg/cmd"
	"github.com/dukex/deskflow/pkg/log"
	"github.com/dukex/deskflow/pkg/persistence"
	"github.com/dukex/deskflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
)

var (
	ErrInvalidChannels    = errors.New("invalid channels found")
	ErrInvalidAutomations = errors.New("invalid automations found")
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate channel configuration and automation graphs",
		Flags: []cli.Flag{
			databaseURLFlag(),
			logLevelFlag(),
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := slog.With(
				"module", "deskflow",
				"action", "validate",
			)

			p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to open persistence: %w", err)
			}

			defer func() {
				if err := p.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			return validateAll(ctx, p, os.Stdout)
		},
	}
}

// validateAll prints one line per channel and automation and fails when any is invalid.
func validateAll(ctx context.Context, p persistence.Persistence, out io.Writer) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	channels, err := p.ChannelRepository().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch channels: %w", err)
	}

	automations, err := p.AutomationRepository().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch automations: %w", err)
	}

	_, _ = fmt.Fprintln(out, "Channels:")

	invalidChannels := 0

	for _, channel := range channels {
		if err := validate.Struct(channel); err != nil {
			_, _ = fmt.Fprintf(out, "  INVALID %s (%s): %v\n", channel.Name, channel.ID, err)
			invalidChannels++

			continue
		}

		_, _ = fmt.Fprintf(out, "  VALID   %s (%s)\n", channel.Name, channel.ID)
	}

	_, _ = fmt.Fprintln(out, "Automations:")

	invalidAutomations := 0

	for _, automation := range automations {
		if err := workflow.ValidateAutomation(automation); err != nil {
			_, _ = fmt.Fprintf(out, "  INVALID %s (%s): %v\n", automation.Name, automation.ID, err)
			invalidAutomations++

			continue
		}

		_, _ = fmt.Fprintf(out, "  VALID   %s (%s)\n", automation.Name, automation.ID)
	}

	_, _ = fmt.Fprintf(out, "\n%d channels (%d invalid), %d automations (%d invalid)\n",
		len(channels), invalidChannels, len(automations), invalidAutomations)

	var problems []error
	if invalidChannels > 0 {
		problems = append(problems, ErrInvalidChannels)
	}

	if invalidAutomations > 0 {
		problems = append(problems, ErrInvalidAutomations)
	}

	return errors.Join(problems...)
}
