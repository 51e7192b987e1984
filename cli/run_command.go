package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"flowcore/common"
	"flowcore/domain"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// NewRunCommand implements spec.md §6's `run <file>` surface: load a
// Workflow Document, validate its graph, start an instance against the
// selected Event/Checkpoint/Cache Store backends, and exit with a code
// distinguishing completion, validation failure, execution fault, and
// cancellation.
func NewRunCommand() *cli.Command {
	flags := append(providerFlags(),
		&cli.StringFlag{
			Name:  "input",
			Usage: "JSON input document for the workflow (default: {})",
		},
		&cli.StringFlag{
			Name:  "resume",
			Usage: "resume a previously started instance id instead of starting fresh",
		},
	)
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a Serverless Workflow DSL document to completion",
		ArgsUsage: "<file>",
		Flags:     flags,
		Action:    handleRunCommand,
	}
}

func handleRunCommand(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		fmt.Fprintln(os.Stderr, "run: missing <file> argument")
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

	rawInput := json.RawMessage(cmd.String("input"))
	if len(rawInput) == 0 {
		rawInput = json.RawMessage("{}")
	}
	var probe interface{}
	if err := json.Unmarshal(rawInput, &probe); err != nil {
		fmt.Fprintf(os.Stderr, "run: --input is not valid JSON: %v\n", err)
		os.Exit(ExitValidationFailed)
	}

	cfg := engineConfigFromFlags(cmd)
	eng, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitInfrastructureFailed)
	}
	defer eng.Close()

	var instance *domain.WorkflowInstance
	if resumeID := cmd.String("resume"); resumeID != "" {
		instance, err = eng.scheduler.Resume(ctx, doc, resumeID)
	} else {
		instance, err = eng.scheduler.Start(ctx, doc, rawInput, "")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitInfrastructureFailed)
	}

	return report(instance)
}

// report prints the terminal instance state to stdout and exits with the
// code matching spec.md §6's completion/validation-failure/fault/
// cancellation category split.
func report(instance *domain.WorkflowInstance) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	switch instance.Status {
	case domain.InstanceStatusCompleted:
		_ = enc.Encode(instance.Output)
		os.Exit(ExitCompleted)
	case domain.InstanceStatusCancelled:
		_ = enc.Encode(instance)
		os.Exit(ExitCancelled)
	case domain.InstanceStatusFaulted:
		printProblem(instance.Error)
		os.Exit(ExitExecutionFaulted)
	default:
		_ = enc.Encode(instance)
		os.Exit(ExitInfrastructureFailed)
	}
	return nil
}

func printProblem(p *domain.ProblemDetails) {
	if p == nil {
		fmt.Fprintln(os.Stderr, "run: workflow faulted with no problem details")
		return
	}
	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	_ = enc.Encode(p)
}

func loadWorkflowDocument(path string) (*domain.WorkflowDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var doc domain.WorkflowDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &doc, nil
}

func providerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config-dir",
			Usage: "directory to search for flowcore.{yaml,yml,json,toml} (default: current directory)",
			Value: ".",
		},
		&cli.StringFlag{
			Name:  "cache-provider",
			Usage: "memory|sqlite|postgres|embedded-kv|redis",
		},
		&cli.StringFlag{
			Name:  "persistence-provider",
			Usage: "memory|sqlite|postgres|redis",
		},
		&cli.StringFlag{
			Name:  "sqlite-db-url",
			Usage: "path to the sqlite database file",
		},
		&cli.StringFlag{
			Name:  "postgres-db-name",
			Usage: "Postgres database name",
		},
		&cli.StringFlag{
			Name:  "postgres-user",
			Usage: "Postgres user",
		},
		&cli.StringFlag{
			Name:  "postgres-password",
			Usage: "Postgres password",
		},
		&cli.StringFlag{
			Name:  "postgres-hostname",
			Usage: "Postgres hostname",
		},
		&cli.StringFlag{
			Name:  "redis-addr",
			Usage: "Redis address (host:port), for --cache-provider/--persistence-provider redis",
		},
		&cli.StringFlag{
			Name:  "nats-url",
			Usage: "external NATS broker for Emit tasks (default: start an embedded server)",
		},
		&cli.BoolFlag{
			Name:  "no-cache",
			Usage: "disable the Cache Store entirely, forcing every task to dispatch",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
	}
}

// engineConfigFromFlags layers explicit CLI flags, the highest-precedence
// source, on top of LoadEngineConfig's environment-variable/config-file
// result. An unset flag leaves whatever LoadEngineConfig already resolved
// in place rather than clobbering it with a zero value.
func engineConfigFromFlags(cmd *cli.Command) common.EngineConfig {
	cfg, err := common.LoadEngineConfig(cmd.String("config-dir"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: failed to load engine config: %v\n", err)
		cfg = common.DefaultEngineConfig()
	}
	if v := cmd.String("cache-provider"); v != "" {
		cfg.CacheProvider = common.CacheProvider(v)
	}
	if v := cmd.String("persistence-provider"); v != "" {
		cfg.PersistenceProvider = common.PersistenceProvider(v)
	}
	setString := func(dst *string, name string) {
		if v := cmd.String(name); v != "" {
			*dst = v
		}
	}
	setBool := func(dst *bool, name string) {
		if cmd.IsSet(name) {
			*dst = cmd.Bool(name)
		}
	}
	setString(&cfg.SQLiteDBURL, "sqlite-db-url")
	setString(&cfg.PostgresDBName, "postgres-db-name")
	setString(&cfg.PostgresUser, "postgres-user")
	setString(&cfg.PostgresPassword, "postgres-password")
	setString(&cfg.PostgresHostname, "postgres-hostname")
	setString(&cfg.RedisAddr, "redis-addr")
	setString(&cfg.NatsURL, "nats-url")
	setBool(&cfg.NoCache, "no-cache")
	setBool(&cfg.Debug, "debug")
	setBool(&cfg.Verbose, "verbose")
	return cfg
}
