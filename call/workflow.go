package call

import (
	"context"
	"encoding/json"
	"fmt"

	"flowcore/dispatch"
	"flowcore/domain"
)

// WorkflowExecutor runs a Run task's `run.workflow` block as a fresh child
// workflow instance, registered against the Dispatcher under
// domain.RunProcessWorkflow. Per spec.md §9, nested execution always
// creates a fresh child instance with its own id rather than inlining into
// the parent's instance graph, so no structural cycle can form at runtime
// (the Graph Validator rejects document-level cycles before this ever
// runs).
type WorkflowExecutor struct {
	Registry dispatch.WorkflowResolver
	Runner   WorkflowRunner
}

func NewWorkflowExecutor(registry dispatch.WorkflowResolver, runner WorkflowRunner) *WorkflowExecutor {
	return &WorkflowExecutor{Registry: registry, Runner: runner}
}

func (e *WorkflowExecutor) Execute(ctx context.Context, task domain.TaskDefinition, resolvedInput json.RawMessage, dispatchCtx dispatch.DispatchContext) (dispatch.TaskOutcome, error) {
	run, ok := task.(*domain.RunTask)
	if !ok {
		return dispatch.TaskOutcome{}, fmt.Errorf("workflow executor received non-Run task %T", task)
	}
	spec := run.Run.Workflow
	if spec == nil {
		return dispatch.TaskOutcome{}, fmt.Errorf("run task has no workflow spec")
	}

	ref := domain.Ref{Namespace: spec.Namespace, Name: spec.Name, Version: spec.Version}
	doc, err := e.Registry.Resolve(ctx, ref)
	if err != nil {
		return dispatch.TaskOutcome{
			Error: domain.CommunicationProblem("nested-workflow-not-found", err.Error(), ""),
		}, nil
	}

	input := resolvedInput
	if len(spec.Input) > 0 {
		merged, err := json.Marshal(spec.Input)
		if err != nil {
			return dispatch.TaskOutcome{}, fmt.Errorf("failed to marshal run.workflow.input: %w", err)
		}
		input = merged
	}

	child, err := e.Runner.Start(ctx, doc, input, "")
	if err != nil {
		return dispatch.TaskOutcome{}, fmt.Errorf("failed to run nested workflow %s: %w", ref, err)
	}
	if child.Status == domain.InstanceStatusFaulted {
		return dispatch.TaskOutcome{Error: child.Error}, nil
	}
	return dispatch.TaskOutcome{Output: child.Output}, nil
}
