package main

import (
	"context"
	"fmt"
	"os"

	"flowcore/domain"
	"flowcore/validate"

	"github.com/urfave/cli/v3"
)

// NewValidateCommand implements spec.md §6's `validate <file>` surface:
// load a Workflow Document and run it through the Graph Validator only,
// with no Scheduler, Event Store, or Dispatcher constructed — validation
// never has a side effect to coordinate.
func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a Serverless Workflow DSL document without running it",
		ArgsUsage: "<file>",
		Action:    handleValidateCommand,
	}
}

func handleValidateCommand(_ context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		fmt.Fprintln(os.Stderr, "validate: missing <file> argument")
		os.Exit(ExitValidationFailed)
	}

	doc, err := loadWorkflowDocument(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitValidationFailed)
	}

	if problem := validateDocument(doc); problem != nil {
		printProblem(problem)
		os.Exit(ExitValidationFailed)
	}

	fmt.Println("valid")
	os.Exit(ExitCompleted)
	return nil
}

// validateDocument is the single Graph Validator entry point shared by
// `run` (pre-flight, before a Scheduler is ever constructed) and
// `validate`.
func validateDocument(doc *domain.WorkflowDocument) *domain.ProblemDetails {
	return validate.NewGraphValidator().Validate(doc)
}
