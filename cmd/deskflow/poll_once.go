package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dukex/deskflow/pkg/ingestion"
	"github.com/dukex/deskflow/pkg/log"
	"github.com/dukex/deskflow/pkg/models"
	"github.com/urfave/cli/v3"
)

func NewPollOnceCommand() *cli.Command {
	return &cli.Command{
		Name:  "poll-once",
		Usage: "Run a single poll cycle on active channels and hand updates to the trigger matcher",
		Flags: append(engineFlags(),
			&cli.StringFlag{
				Name:  "channel",
				Usage: "Only poll this channel id",
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("deskflow").With("action", "poll-once")

			e, err := newEngine(ctx, command, logger)
			if err != nil {
				return err
			}
			defer e.Close(ctx)

			options := ingestionOptions(command)
			options.PollTimeout = pollOnceTimeout(command)

			return pollOnce(ctx, e, command.String("channel"), options, os.Stdout)
		},
	}
}

// pollOnce polls each selected channel once. A failing channel does not stop the others.
func pollOnce(ctx context.Context, e *engine, only string, options ingestion.Options, out io.Writer) error {
	channels, err := e.persistence.ChannelRepository().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}

	var problems []error

	for _, channel := range channels {
		if only != "" && channel.ID != only {
			continue
		}

		if !channel.Active || !channel.Type.Pollable() {
			continue
		}

		processed, err := pollChannel(ctx, e, channel, options)
		if err != nil {
			_, _ = fmt.Fprintf(out, "%s (%s): failed after %d updates: %v\n", channel.Name, channel.ID, processed, err)
			problems = append(problems, fmt.Errorf("channel %s: %w", channel.ID, err))

			continue
		}

		_, _ = fmt.Fprintf(out, "%s (%s): %d updates\n", channel.Name, channel.ID, processed)
	}

	return errors.Join(problems...)
}

func pollChannel(ctx context.Context, e *engine, channel *models.Channel, options ingestion.Options) (int, error) {
	tr, err := e.transports.ForChannel(channel)
	if err != nil {
		return 0, err
	}

	poller := ingestion.NewPoller(channel, tr, e.persistence.CursorRepository(), e.normalizers, e.matcher, e.logger, options).
		WithMetrics(e.metrics).
		WithTracer(e.tracer)

	return poller.PollOnce(ctx)
}
