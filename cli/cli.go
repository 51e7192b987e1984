// Package main is the `flowcore` CLI binary: spec.md §6's external CLI
// surface (`run`/`validate`), wired the way the teacher's own cli/cli.go
// wires its root binary's subcommands.
package main

import (
	"context"
	"fmt"
	"os"

	"flowcore/logger"

	"github.com/urfave/cli/v3"
)

// Exit codes distinguish how a `run` ended, per spec.md §6: "Exit codes: 0
// on workflow completion, non-zero on validation failure, execution fault,
// or cancellation (distinct codes by category)."
const (
	ExitCompleted            = 0
	ExitValidationFailed     = 1
	ExitExecutionFaulted     = 2
	ExitCancelled            = 3
	ExitInfrastructureFailed = 4
)

func main() {
	app := &cli.Command{
		Name:  "flowcore",
		Usage: "Durable Serverless Workflow DSL execution engine",
		Commands: []*cli.Command{
			NewRunCommand(),
			NewValidateCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log := logger.Get()
		log.Error().Err(err).Msg("flowcore command failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitInfrastructureFailed)
	}
}
