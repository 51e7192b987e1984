package domain

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// CallTask invokes a named function: HTTP, OpenAPI, gRPC, AsyncAPI, or a
// catalog-registered function. `Call` names the function reference (a
// catalog entry, e.g. "add-numbers:1.0.0") and `With` supplies its
// arguments, evaluated against the current context before dispatch.
type CallTask struct {
	TaskBase `yaml:",inline"`
	Call     string                 `yaml:"call" json:"call"`
	With     map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`
}

func (t *CallTask) Kind() TaskKind { return TaskKindCall }

// DoTask runs a nested, ordered list of tasks sequentially. Its output is
// the output of the last child task executed.
type DoTask struct {
	TaskBase `yaml:",inline"`
	Do       *TaskList `yaml:"do" json:"do"`
}

func (t *DoTask) Kind() TaskKind { return TaskKindDo }

// EmitTask constructs and publishes a CloudEvents 1.0 envelope.
type EmitTask struct {
	TaskBase `yaml:",inline"`
	Emit     EmitSpec `yaml:"emit" json:"emit"`
}

func (t *EmitTask) Kind() TaskKind { return TaskKindEmit }

// EmitSpec is the `emit.event` block: the CloudEvent to publish, with
// expression-bearing string fields resolved at emission time.
type EmitSpec struct {
	Event CloudEventTemplate `yaml:"event" json:"event"`
}

// CloudEventTemplate mirrors the fields of a CloudEvents 1.0 envelope, any
// of which may be a runtime expression.
type CloudEventTemplate struct {
	ID              string                 `yaml:"id,omitempty" json:"id,omitempty"`
	Source          string                 `yaml:"source,omitempty" json:"source,omitempty"`
	Type            string                 `yaml:"type" json:"type"`
	Subject         string                 `yaml:"subject,omitempty" json:"subject,omitempty"`
	DataContentType string                 `yaml:"datacontenttype,omitempty" json:"datacontenttype,omitempty"`
	Data            map[string]interface{} `yaml:"data,omitempty" json:"data,omitempty"`
}

// ForTask iterates over a collection expression, running its body once per
// element. Iterations are sequential; `while` allows early exit.
type ForTask struct {
	TaskBase `yaml:",inline"`
	For      ForSpec   `yaml:"for" json:"for"`
	While    string    `yaml:"while,omitempty" json:"while,omitempty"`
	Do       *TaskList `yaml:"do" json:"do"`
}

func (t *ForTask) Kind() TaskKind { return TaskKindFor }

// ForSpec binds the iteration variables.
type ForSpec struct {
	Each string `yaml:"each,omitempty" json:"each,omitempty"`
	In   string `yaml:"in" json:"in"`
	At   string `yaml:"at,omitempty" json:"at,omitempty"`
}

// ForkMode selects how a Fork task's branches are joined.
type ForkMode string

const (
	ForkModeAll     ForkMode = "all"
	ForkModeCompete ForkMode = "compete"
)

// ForkTask executes N branches concurrently.
type ForkTask struct {
	TaskBase `yaml:",inline"`
	Fork     ForkSpec `yaml:"fork" json:"fork"`
}

func (t *ForkTask) Kind() TaskKind { return TaskKindFork }

// ForkSpec names the branches and the join mode.
type ForkSpec struct {
	Branches *TaskList `yaml:"branches" json:"branches"`
	Compete  bool      `yaml:"compete,omitempty" json:"compete,omitempty"`
}

func (s ForkSpec) Mode() ForkMode {
	if s.Compete {
		return ForkModeCompete
	}
	return ForkModeAll
}

// ListenTask suspends the instance until matching external events arrive.
type ListenTask struct {
	TaskBase `yaml:",inline"`
	Listen   ListenSpec         `yaml:"listen" json:"listen"`
	Foreach  *ListenForeachSpec `yaml:"foreach,omitempty" json:"foreach,omitempty"`
}

func (t *ListenTask) Kind() TaskKind { return TaskKindListen }

// ListenForeachSpec binds each delivered event under a loop variable (as
// ForSpec's each/at) and runs an inner task list once per event, the way
// ForTask pairs ForSpec with its own Do.
type ListenForeachSpec struct {
	ForSpec `yaml:",inline"`
	Do      *TaskList `yaml:"do" json:"do"`
}

// ListenStrategy selects how many matching events satisfy a Listen task.
type ListenStrategy string

const (
	ListenStrategyOne ListenStrategy = "one"
	ListenStrategyAny ListenStrategy = "any"
	ListenStrategyAll ListenStrategy = "all"
)

// ListenReadMode selects how the delivered event body is surfaced.
type ListenReadMode string

const (
	ListenReadData     ListenReadMode = "data"
	ListenReadEnvelope ListenReadMode = "envelope"
	ListenReadRaw      ListenReadMode = "raw"
)

// ListenSpec is the `listen.to` block.
type ListenSpec struct {
	Strategy ListenStrategy   `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Sources  []EventSourceRef `yaml:"sources" json:"sources"`
	Until    string           `yaml:"until,omitempty" json:"until,omitempty"`
	Read     ListenReadMode   `yaml:"read,omitempty" json:"read,omitempty"`
}

// EventSourceRef names an HTTP or gRPC endpoint bound to a Listen task,
// each validated against a declared schema at the boundary.
type EventSourceRef struct {
	Transport   string  `yaml:"transport" json:"transport"` // "http" or "grpc"
	Path        string  `yaml:"path,omitempty" json:"path,omitempty"`
	Method      string  `yaml:"method,omitempty" json:"method,omitempty"`
	Service     string  `yaml:"service,omitempty" json:"service,omitempty"`
	RPC         string  `yaml:"rpc,omitempty" json:"rpc,omitempty"`
	SchemaName  string  `yaml:"schemaName,omitempty" json:"schemaName,omitempty"`
	Schema      *Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
	EventFilter string  `yaml:"with,omitempty" json:"with,omitempty"`
}

// RaiseTask synthesizes an Error Value and propagates it as if the current
// task had failed.
type RaiseTask struct {
	TaskBase `yaml:",inline"`
	Raise    RaiseSpec `yaml:"raise" json:"raise"`
}

func (t *RaiseTask) Kind() TaskKind { return TaskKindRaise }

// RaiseSpec is the `raise.error` block: either a reference to a
// `use.errors` entry or an inline Problem Details template.
type RaiseSpec struct {
	ErrorRef string          `yaml:"-" json:"-"`
	Error    *ProblemDetails `yaml:"error,omitempty" json:"error,omitempty"`
}

// UnmarshalYAML accepts `error: name` (a use.errors reference) or an inline
// Problem Details mapping under `error`.
func (s *RaiseSpec) UnmarshalYAML(node *yaml.Node) error {
	var wrapper struct {
		Error yaml.Node `yaml:"error"`
	}
	if err := node.Decode(&wrapper); err != nil {
		return fmt.Errorf("raise must have an error field: %w", err)
	}
	if wrapper.Error.Kind == yaml.ScalarNode {
		s.ErrorRef = wrapper.Error.Value
		return nil
	}
	var p ProblemDetails
	if err := wrapper.Error.Decode(&p); err != nil {
		return fmt.Errorf("raise.error: %w", err)
	}
	s.Error = &p
	return nil
}

// RunProcessKind selects what a Run task executes.
type RunProcessKind string

const (
	RunProcessContainer RunProcessKind = "container"
	RunProcessScript    RunProcessKind = "script"
	RunProcessShell     RunProcessKind = "shell"
	RunProcessWorkflow  RunProcessKind = "workflow"
)

// RunTask delegates to an external process: container, script, shell, or a
// nested workflow instance.
type RunTask struct {
	TaskBase `yaml:",inline"`
	Run      RunSpec `yaml:"run" json:"run"`
}

func (t *RunTask) Kind() TaskKind { return TaskKindRun }

// RunSpec is the `run` block. Exactly one of Container/Script/Shell/Workflow
// should be populated, selecting the process kind.
type RunSpec struct {
	Container *ContainerProcessSpec `yaml:"container,omitempty" json:"container,omitempty"`
	Script    *ScriptProcessSpec    `yaml:"script,omitempty" json:"script,omitempty"`
	Shell     *ShellProcessSpec     `yaml:"shell,omitempty" json:"shell,omitempty"`
	Workflow  *WorkflowProcessSpec  `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Await     bool                  `yaml:"await,omitempty" json:"await,omitempty"`
}

func (s RunSpec) ProcessKind() RunProcessKind {
	switch {
	case s.Container != nil:
		return RunProcessContainer
	case s.Script != nil:
		return RunProcessScript
	case s.Shell != nil:
		return RunProcessShell
	default:
		return RunProcessWorkflow
	}
}

type ContainerProcessSpec struct {
	Image     string                 `yaml:"image" json:"image"`
	Command   string                 `yaml:"command,omitempty" json:"command,omitempty"`
	Ports     map[string]string      `yaml:"ports,omitempty" json:"ports,omitempty"`
	Volumes   map[string]string      `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Environment map[string]string    `yaml:"environment,omitempty" json:"environment,omitempty"`
	Lifetime  string                 `yaml:"lifetime,omitempty" json:"lifetime,omitempty"`
	With      map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`
}

type ScriptProcessSpec struct {
	Language    string            `yaml:"language" json:"language"` // "python" or "javascript"
	Code        string            `yaml:"code,omitempty" json:"code,omitempty"`
	Source      string            `yaml:"source,omitempty" json:"source,omitempty"`
	Arguments   map[string]string `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

type ShellProcessSpec struct {
	Command     string            `yaml:"command" json:"command"`
	Arguments   []string          `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

type WorkflowProcessSpec struct {
	Namespace string                 `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Name      string                 `yaml:"name" json:"name"`
	Version   string                 `yaml:"version,omitempty" json:"version,omitempty"`
	Input     map[string]interface{} `yaml:"input,omitempty" json:"input,omitempty"`
}

// SetTask assigns a literal or expression-bearing object as its output,
// without side effects.
type SetTask struct {
	TaskBase `yaml:",inline"`
	Set      map[string]interface{} `yaml:"set" json:"set"`
}

func (t *SetTask) Kind() TaskKind { return TaskKindSet }

// SwitchTask evaluates `when` expressions in declaration order; the first
// truthy branch's referenced task list continues execution.
type SwitchTask struct {
	TaskBase `yaml:",inline"`
	Switch   SwitchCaseList `yaml:"switch" json:"switch"`
}

func (t *SwitchTask) Kind() TaskKind { return TaskKindSwitch }

// SwitchCase is one named branch of a switch. `When` empty denotes the
// default branch (at most one is expected, checked by the graph validator).
type SwitchCase struct {
	Name string `yaml:"-" json:"-"`
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	Then string `yaml:"then,omitempty" json:"then,omitempty"`
}

// SwitchCaseList decodes the `switch` sequence of single-key mappings,
// `- caseName: {when, then}`, preserving declaration order.
type SwitchCaseList []SwitchCase

func (l *SwitchCaseList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("switch must be a YAML sequence")
	}
	cases := make(SwitchCaseList, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return fmt.Errorf("switch entry must be a single-key mapping, line %d", item.Line)
		}
		name := item.Content[0].Value
		var c SwitchCase
		if err := item.Content[1].Decode(&c); err != nil {
			return fmt.Errorf("switch case %q: %w", name, err)
		}
		c.Name = name
		cases = append(cases, c)
	}
	*l = cases
	return nil
}

// TryTask runs a task list, catching errors that match a declared filter.
type TryTask struct {
	TaskBase `yaml:",inline"`
	Try      *TaskList `yaml:"try" json:"try"`
	Catch    CatchSpec `yaml:"catch" json:"catch"`
}

func (t *TryTask) Kind() TaskKind { return TaskKindTry }

// CatchSpec is the `catch` block of a Try task.
type CatchSpec struct {
	Errors *ErrorFilter `yaml:"errors,omitempty" json:"errors,omitempty"`
	As     string       `yaml:"as,omitempty" json:"as,omitempty"`
	When   string       `yaml:"when,omitempty" json:"when,omitempty"`
	ExceptWhen string   `yaml:"exceptWhen,omitempty" json:"exceptWhen,omitempty"`
	Retry  *RetryRef    `yaml:"retry,omitempty" json:"retry,omitempty"`
	Do     *TaskList    `yaml:"do,omitempty" json:"do,omitempty"`
}

// ErrorFilter statically matches a ProblemDetails by glob-comparable
// fields; empty fields match anything.
type ErrorFilter struct {
	With ErrorFilterFields `yaml:"with" json:"with"`
}

type ErrorFilterFields struct {
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Status   int    `yaml:"status,omitempty" json:"status,omitempty"`
	Instance string `yaml:"instance,omitempty" json:"instance,omitempty"`
	Title    string `yaml:"title,omitempty" json:"title,omitempty"`
	Detail   string `yaml:"detail,omitempty" json:"detail,omitempty"`
}

// RetryRef names a reusable `use.retries` entry or carries an inline policy.
type RetryRef struct {
	Name   string       `yaml:"-" json:"-"`
	Policy *RetryPolicy `yaml:",inline" json:",inline"`
}

// UnmarshalYAML accepts either a bare string naming a `use.retries` entry or
// an inline retry policy mapping.
func (r *RetryRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Name = node.Value
		return nil
	}
	var p RetryPolicy
	if err := node.Decode(&p); err != nil {
		return err
	}
	r.Policy = &p
	return nil
}

// BackoffKind selects the retry delay progression.
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy fully describes a retry's back-off shape and limits.
type RetryPolicy struct {
	Backoff        BackoffKind `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	Delay          *Duration   `yaml:"delay,omitempty" json:"delay,omitempty"`
	Multiplier     float64     `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	MaxDelay       *Duration   `yaml:"maxDelay,omitempty" json:"maxDelay,omitempty"`
	Jitter         bool        `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	Limit          RetryLimit  `yaml:"limit,omitempty" json:"limit,omitempty"`
}

type RetryLimit struct {
	Attempt  int       `yaml:"attempt,omitempty" json:"attempt,omitempty"`
	Duration *Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// WaitTask suspends the task for a duration.
type WaitTask struct {
	TaskBase `yaml:",inline"`
	Wait     Duration `yaml:"wait" json:"wait"`
}

func (t *WaitTask) Kind() TaskKind { return TaskKindWait }
