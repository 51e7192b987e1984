package expr

import "encoding/json"

// Environment is the typed value environment an expression is evaluated
// against: the well-known `$`-prefixed names the DSL exposes to runtime
// expressions.
type Environment struct {
	Context       interface{} `json:"context"`
	Input         interface{} `json:"input"`
	Output        interface{} `json:"output,omitempty"`
	Secrets       interface{} `json:"secrets"`
	Task          interface{} `json:"task,omitempty"`
	Workflow      interface{} `json:"workflow,omitempty"`
	Runtime       interface{} `json:"runtime"`
	Authorization interface{} `json:"authorization,omitempty"`
}

// TaskDescriptor is the value bound to $task.
type TaskDescriptor struct {
	Name       string      `json:"name"`
	Reference  string      `json:"reference"`
	Definition interface{} `json:"definition"`
}

// WorkflowDescriptor is the value bound to $workflow.
type WorkflowDescriptor struct {
	ID         string      `json:"id"`
	Definition interface{} `json:"definition"`
	Input      interface{} `json:"input"`
	StartedAt  string      `json:"startedAt"`
}

// RuntimeDescriptor is the value bound to $runtime, identifying the engine.
type RuntimeDescriptor struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultRuntimeDescriptor identifies this engine in $runtime.
var DefaultRuntimeDescriptor = RuntimeDescriptor{Name: "flowcore", Version: "1.0.0"}

// variableNames lists, in the fixed order Evaluator.compile binds them, the
// $-prefixed names exposed to every expression.
var variableNames = []string{
	"context", "input", "output", "secrets", "task", "workflow", "runtime", "authorization",
}

func (e Environment) values() []interface{} {
	return []interface{}{
		e.Context, e.Input, e.Output, e.Secrets, e.Task, e.Workflow, e.Runtime, e.Authorization,
	}
}

// ToGeneric round-trips v through JSON so gojq (which only understands
// map[string]interface{}/[]interface{}/scalar values) can operate on
// arbitrary Go structs passed in as $task, $workflow, etc.
func ToGeneric(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
