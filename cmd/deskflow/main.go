// Package main provides the deskflow binary: the ingestion pollers, trigger matcher,
// workflow executor and resumption scheduler of the helpdesk core.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "deskflow",
		Usage:                 "Omnichannel helpdesk automation engine",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewRunCommand(),
			NewValidateCommand(),
			NewPollOnceCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
