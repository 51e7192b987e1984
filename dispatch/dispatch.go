package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"flowcore/domain"
)

// DispatchContext carries the ambient information an executor needs beyond
// the task's own definition and resolved input: the owning instance,
// declared authentications, and the registry for nested workflow Run tasks.
type DispatchContext struct {
	InstanceID      string
	WorkflowRef     domain.Ref
	Authentications map[string]domain.AuthenticationScheme
	Registry        WorkflowResolver
}

// WorkflowResolver is the narrow slice of the Workflow Registry the
// dispatcher needs to run nested-workflow Run tasks.
type WorkflowResolver interface {
	Resolve(ctx context.Context, ref domain.Ref) (*domain.WorkflowDocument, error)
}

// TaskOutcome is what an executor returns: either a raw output value or a
// Problem Details describing why the task failed.
type TaskOutcome struct {
	Output json.RawMessage
	Error  *domain.ProblemDetails
}

// Executor invokes one Call or Run sub-kind.
type Executor interface {
	Execute(ctx context.Context, task domain.TaskDefinition, resolvedInput json.RawMessage, dispatchCtx DispatchContext) (TaskOutcome, error)
}

// Dispatcher resolves a task definition to an executor and invokes it. It
// is transport-agnostic and applies no expression evaluation or caching of
// its own — those are the scheduler's responsibility.
type Dispatcher struct {
	callExecutors map[string]Executor // keyed by function reference scheme, e.g. "http", "grpc", "catalog"
	runExecutors  map[domain.RunProcessKind]Executor
}

// NewDispatcher returns a Dispatcher with no executors registered; callers
// wire in the transports they support via RegisterCallExecutor and
// RegisterRunExecutor.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		callExecutors: make(map[string]Executor),
		runExecutors:  make(map[domain.RunProcessKind]Executor),
	}
}

func (d *Dispatcher) RegisterCallExecutor(scheme string, executor Executor) {
	d.callExecutors[scheme] = executor
}

func (d *Dispatcher) RegisterRunExecutor(kind domain.RunProcessKind, executor Executor) {
	d.runExecutors[kind] = executor
}

// Dispatch selects an executor by task kind and sub-kind and invokes it.
// Only Call and Run reach the dispatcher; every other task kind, Listen
// included, is handled directly by the scheduler and is rejected here.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.TaskDefinition, resolvedInput json.RawMessage, dispatchCtx DispatchContext) (TaskOutcome, error) {
	switch t := task.(type) {
	case *domain.CallTask:
		scheme := callScheme(t.Call)
		executor, ok := d.callExecutors[scheme]
		if !ok {
			return TaskOutcome{}, fmt.Errorf("no executor registered for call scheme %q", scheme)
		}
		return executor.Execute(ctx, task, resolvedInput, dispatchCtx)
	case *domain.RunTask:
		kind := t.Run.ProcessKind()
		executor, ok := d.runExecutors[kind]
		if !ok {
			return TaskOutcome{}, fmt.Errorf("no executor registered for run kind %q", kind)
		}
		return executor.Execute(ctx, task, resolvedInput, dispatchCtx)
	default:
		return TaskOutcome{}, fmt.Errorf("task kind %s does not reach the dispatcher", task.Kind())
	}
}

// callScheme extracts the addressing scheme from a Call reference: a bare
// "name:version" string addresses a catalog function; anything containing
// "://" addresses that transport directly (http://, grpc://).
func callScheme(call string) string {
	for i := 0; i+2 < len(call); i++ {
		if call[i] == ':' && call[i+1] == '/' && call[i+2] == '/' {
			return call[:i]
		}
	}
	return "catalog"
}
