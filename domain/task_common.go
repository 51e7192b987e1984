package domain

import "gopkg.in/yaml.v3"

// TaskKind identifies which of the twelve Serverless Workflow task variants
// a TaskDefinition carries. Unlike the DSL's own encoding (which infers the
// kind from which key is present), the in-memory model tags every task
// explicitly so the scheduler can dispatch on it directly.
type TaskKind string

const (
	TaskKindCall   TaskKind = "call"
	TaskKindDo     TaskKind = "do"
	TaskKindEmit   TaskKind = "emit"
	TaskKindFor    TaskKind = "for"
	TaskKindFork   TaskKind = "fork"
	TaskKindListen TaskKind = "listen"
	TaskKindRaise  TaskKind = "raise"
	TaskKindRun    TaskKind = "run"
	TaskKindSet    TaskKind = "set"
	TaskKindSwitch TaskKind = "switch"
	TaskKindTry    TaskKind = "try"
	TaskKindWait   TaskKind = "wait"
)

// Reserved `then` flow directives, alongside sibling task names.
const (
	ThenContinue = "continue"
	ThenEnd      = "end"
	ThenExit     = "exit"
)

// InputFilter is the `input` block common to every task and to the workflow
// document itself: an optional schema check plus a `from` expression that
// reshapes the incoming value before the task/workflow sees it.
type InputFilter struct {
	Schema *Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
	From   string  `yaml:"from,omitempty" json:"from,omitempty"`
}

// OutputFilter is the `output` block: an `as` expression applied to the raw
// result, followed by an optional schema check on the reshaped value.
type OutputFilter struct {
	As     string  `yaml:"as,omitempty" json:"as,omitempty"`
	Schema *Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// ExportFilter is the `export` block: an `as` expression whose result
// replaces the workflow instance's `$context`.
type ExportFilter struct {
	As     string  `yaml:"as,omitempty" json:"as,omitempty"`
	Schema *Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// TimeoutDefinition names a reusable `use.timeouts` entry or carries an
// inline duration.
type TimeoutDefinition struct {
	Name     string    `yaml:"-" json:"-"`
	Duration *Duration `yaml:",inline" json:",inline"`
}

// UnmarshalYAML accepts either a bare string naming a `use.timeouts` entry
// or an inline duration.
func (t *TimeoutDefinition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Name = node.Value
		return nil
	}
	var d Duration
	if err := node.Decode(&d); err != nil {
		return err
	}
	t.Duration = &d
	return nil
}

// TaskBase carries the fields every task variant shares: guard, input/output
// filters, context export, timeout, flow directive, and free-form metadata.
type TaskBase struct {
	Name     string                 `yaml:"-" json:"-"`
	If       string                 `yaml:"if,omitempty" json:"if,omitempty"`
	Input    *InputFilter           `yaml:"input,omitempty" json:"input,omitempty"`
	Output   *OutputFilter          `yaml:"output,omitempty" json:"output,omitempty"`
	Export   *ExportFilter          `yaml:"export,omitempty" json:"export,omitempty"`
	Timeout  *TimeoutDefinition     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Then     string                 `yaml:"then,omitempty" json:"then,omitempty"`
	Metadata map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// TaskDefinition is the tagged-union interface every task variant satisfies.
// The scheduler selects each variant's behavior with a type switch on the
// concrete type (scheduler.executeTaskBody); Kind() names the variant for
// fingerprints and error messages.
type TaskDefinition interface {
	Kind() TaskKind
	Base() *TaskBase
}

func (b *TaskBase) Base() *TaskBase { return b }
