package domain

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// TaskList is the ordered `do`-style sequence of named tasks shared by the
// workflow document's top level and by Do/For/Fork/Try bodies. Order is
// significant (declaration order drives the default flow directive), so it
// is backed by an ordered map rather than a plain Go map.
type TaskList struct {
	*orderedmap.OrderedMap[string, TaskDefinition]
}

// NewTaskList returns an empty, ready-to-use TaskList.
func NewTaskList() *TaskList {
	return &TaskList{OrderedMap: orderedmap.New[string, TaskDefinition]()}
}

// UnmarshalYAML decodes the DSL's `do`-style encoding: a sequence of
// single-key mappings, `- taskName: {kind-specific-body}`.
func (l *TaskList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("task list must be a YAML sequence, got kind %d", node.Kind)
	}

	l.OrderedMap = orderedmap.New[string, TaskDefinition](orderedmap.WithInitialData[string, TaskDefinition](
		make([]orderedmap.Pair[string, TaskDefinition], 0, len(node.Content))...,
	))

	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return fmt.Errorf("task list entry must be a single-key mapping, line %d", item.Line)
		}
		name := item.Content[0].Value
		body := item.Content[1]

		task, err := decodeTaskDefinition(name, body)
		if err != nil {
			return fmt.Errorf("task %q: %w", name, err)
		}
		l.Set(name, task)
	}
	return nil
}

// MarshalYAML re-encodes the ordered map back into the DSL's single-key
// sequence form.
func (l TaskList) MarshalYAML() (interface{}, error) {
	if l.OrderedMap == nil {
		return []interface{}{}, nil
	}
	out := make([]map[string]TaskDefinition, 0, l.Len())
	for pair := l.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, map[string]TaskDefinition{pair.Key: pair.Value})
	}
	return out, nil
}

// knownTaskKeys maps the DSL's discriminating key to the task kind it
// declares, per the Serverless Workflow convention of inferring the task
// variant from which top-level key is present rather than an explicit tag.
var knownTaskKeys = map[string]TaskKind{
	"call":   TaskKindCall,
	"do":     TaskKindDo,
	"emit":   TaskKindEmit,
	"for":    TaskKindFor,
	"fork":   TaskKindFork,
	"listen": TaskKindListen,
	"raise":  TaskKindRaise,
	"run":    TaskKindRun,
	"set":    TaskKindSet,
	"switch": TaskKindSwitch,
	"try":    TaskKindTry,
	"wait":   TaskKindWait,
}

func decodeTaskDefinition(name string, body *yaml.Node) (TaskDefinition, error) {
	if body.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("task body must be a mapping")
	}

	var kind TaskKind
	found := false
	for i := 0; i+1 < len(body.Content); i += 2 {
		key := body.Content[i].Value
		if k, ok := knownTaskKeys[key]; ok {
			if found {
				return nil, fmt.Errorf("task body declares more than one task kind (%s and %s)", kind, k)
			}
			kind = k
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("task body does not declare a recognized task kind")
	}

	var task TaskDefinition
	switch kind {
	case TaskKindCall:
		var t CallTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindDo:
		var t DoTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindEmit:
		var t EmitTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindFor:
		var t ForTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindFork:
		var t ForkTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindListen:
		var t ListenTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindRaise:
		var t RaiseTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindRun:
		var t RunTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindSet:
		var t SetTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindSwitch:
		var t SwitchTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindTry:
		var t TryTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	case TaskKindWait:
		var t WaitTask
		if err := body.Decode(&t); err != nil {
			return nil, err
		}
		task = &t
	default:
		return nil, fmt.Errorf("unhandled task kind %s", kind)
	}

	task.Base().Name = name
	return task, nil
}

// Names returns task names in declaration order.
func (l *TaskList) Names() []string {
	if l.OrderedMap == nil {
		return nil
	}
	names := make([]string, 0, l.Len())
	for pair := l.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// NextSibling returns the task name declared immediately after `name`, and
// false if `name` is the last task in the list.
func (l *TaskList) NextSibling(name string) (string, bool) {
	if l.OrderedMap == nil {
		return "", false
	}
	for pair := l.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == name {
			next := pair.Next()
			if next == nil {
				return "", false
			}
			return next.Key, true
		}
	}
	return "", false
}
