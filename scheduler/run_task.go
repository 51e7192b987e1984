package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowcore/domain"
)

// runTask executes (or skips) a single named task and returns how the
// enclosing list should proceed. The heavy lifting for each task kind's own
// semantics lives in execute.go; this function implements the shared
// pipeline every kind (except Switch, a pure flow-control task) goes
// through: guard, input resolution, cache, dispatch, output/export/schema,
// event/checkpoint bookkeeping, then-directive resolution.
func (s *Scheduler) runTask(ctx context.Context, state *runState, list *domain.TaskList, name string, task domain.TaskDefinition) (flowOutcome, *domain.ProblemDetails) {
	base := task.Base()
	reference := name

	// On Resume, a reference already present in the event log as
	// TaskCompleted is not re-dispatched: state.context was seeded from the
	// Checkpoint taken after that task ran, so only its `then` needs
	// resolving to keep traversal moving toward the first unfinished task.
	if _, done := state.skip[reference]; done {
		return resolveThen(base.Then), nil
	}

	if base.If != "" {
		truthy, problem := s.evalGuard(ctx, base.If, state, name)
		if problem != nil {
			return flowOutcome{}, problem
		}
		if !truthy {
			return resolveThen(base.Then), nil
		}
	}

	// Switch is pure flow control: it never enters the cache/dispatch
	// pipeline and its `then` comes from the matched case, not TaskBase.
	if switchTask, ok := task.(*domain.SwitchTask); ok {
		return s.runSwitch(ctx, state, switchTask, name)
	}

	resolvedInput, problem := s.resolveInput(ctx, base.Input, state, name)
	if problem != nil {
		return flowOutcome{}, problem
	}

	// Call/Run tasks are the only kinds that go through the fingerprint/cache
	// pipeline; on a cache miss, TaskCreated precedes TaskStarted so the
	// event log records the attempt even before dispatch begins.
	if s.Cache != nil && isCacheableDispatch(task) {
		_, fingerprint, problem := s.dispatchFingerprint(ctx, state, task, name, resolvedInput)
		if problem != nil {
			return flowOutcome{}, problem
		}
		if _, hit, err := s.Cache.Get(ctx, fingerprint); err != nil || !hit {
			if _, err := s.appendInstanceEvent(ctx, state.instance, domain.EventTaskCreated, domain.TaskLifecyclePayload{
				TaskReference: reference,
				Input:         resolvedInput,
				Fingerprint:   fingerprint,
			}); err != nil {
				return flowOutcome{}, domain.RuntimeProblem("event-append-failed", err.Error(), "/"+reference)
			}
		}
	}

	startedAt := time.Now().UTC()
	if _, err := s.appendInstanceEvent(ctx, state.instance, domain.EventTaskStarted, domain.TaskLifecyclePayload{
		TaskReference: reference,
		Input:         resolvedInput,
	}); err != nil {
		return flowOutcome{}, domain.RuntimeProblem("event-append-failed", err.Error(), "/"+reference)
	}

	// A task-level timeout narrows ctx's deadline for this task's own body
	// only; it overrides the workflow-level deadline (already applied to ctx
	// by Start/Resume) whenever it's the tighter of the two.
	taskCtx := ctx
	if base.Timeout != nil {
		duration, ok, timeoutProblem := s.resolveTimeout(ctx, base.Timeout, state.doc, state, name)
		if timeoutProblem != nil {
			return flowOutcome{}, timeoutProblem
		}
		if ok {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}
	}

	rawOutput, execProblem, flow := s.executeTaskBody(taskCtx, state, task, name, resolvedInput)
	if execProblem != nil {
		s.recordTaskFault(ctx, state, name, resolvedInput, execProblem)
		return flowOutcome{}, execProblem
	}
	if flow.cancelled {
		if isOwnDeadline(ctx, taskCtx) {
			timeoutProblem := domain.TimeoutProblem("task-timeout", "task "+reference+" exceeded its timeout", "/"+reference)
			s.recordTaskFault(ctx, state, name, resolvedInput, timeoutProblem)
			return flowOutcome{}, timeoutProblem
		}
		return flow, nil
	}
	// A composite task (Do/For/Fork/Try) whose nested list hit `then: end`
	// still finishes its own bookkeeping below, but the resulting flow
	// bubbles past the sibling `then` this task would otherwise resolve to.
	endedEarly := flow.end

	output, problem := s.applyOutput(ctx, base.Output, rawOutput, state, name)
	if problem != nil {
		return flowOutcome{}, problem
	}

	if base.Export != nil {
		exported, problem := s.applyExport(ctx, base.Export.As, output, state, name)
		if problem != nil {
			return flowOutcome{}, problem
		}
		state.context = exported
		if base.Export.Schema != nil {
			if p := s.Schema.Validate(base.Export.Schema, state.context, "/"+reference+"/export"); p != nil {
				return flowOutcome{}, p
			}
		}
	} else if isPassthroughOutput(task) {
		state.context = output
	}

	outputRaw, err := json.Marshal(output)
	if err != nil {
		return flowOutcome{}, domain.RuntimeProblem("output-marshal-failed", err.Error(), "/"+reference)
	}

	completedAt := time.Now().UTC()
	if _, err := s.appendInstanceEvent(ctx, state.instance, domain.EventTaskCompleted, domain.TaskLifecyclePayload{
		TaskReference: reference,
		Output:        outputRaw,
	}); err != nil {
		return flowOutcome{}, domain.RuntimeProblem("event-append-failed", err.Error(), "/"+reference)
	}

	if err := s.Checkpoints.Save(ctx, domain.Checkpoint{
		InstanceID:      state.instance.ID,
		CurrentTask:     reference,
		ContextSnapshot: mustMarshal(state.context),
		SequenceNumber:  state.instance.SequenceNumber,
		Timestamp:       completedAt,
	}); err != nil {
		s.log.Warn().Err(err).Str("instanceId", state.instance.ID).Msg("checkpoint save failed")
	}

	state.instance.History = append(state.instance.History, domain.TaskExecutionRecord{
		InstanceID:    state.instance.ID,
		TaskReference: reference,
		Attempt:       1,
		StartedAt:     startedAt,
		CompletedAt:   &completedAt,
		Input:         resolvedInput,
		Output:        outputRaw,
		Outcome:       domain.TaskOutcomeCompleted,
	})

	if endedEarly {
		return flow, nil
	}
	return resolveThen(base.Then), nil
}

// isPassthroughOutput reports whether a task kind's filtered output should
// become the new $context absent an explicit export, matching Do/For/Try's
// "output of last child becomes the running context" convention. Leaf
// kinds (Set, Call, Run, ...) only affect $context through export.as.
func isPassthroughOutput(task domain.TaskDefinition) bool {
	switch task.(type) {
	case *domain.DoTask, *domain.ForTask, *domain.ForkTask, *domain.TryTask:
		return true
	default:
		return false
	}
}

// applyExport evaluates a task's `export.as` expression with both $context
// (the pre-task context) and $output (this task's own filtered result)
// bound, so a leaf task like Set/Call/Run can merge its output into context
// via e.g. `. + $output`. An empty `as` replaces context with output
// outright, matching the common "export the whole result" case.
func (s *Scheduler) applyExport(ctx context.Context, expression string, output interface{}, state *runState, taskName string) (interface{}, *domain.ProblemDetails) {
	if expression == "" {
		return output, nil
	}
	env := s.environment(state.context, nil, state.instance, state.doc, taskName)
	env.Output = output
	result, err := s.Evaluator.EvaluateLoose(ctx, expression, env)
	if err != nil {
		return nil, toExpressionProblem(err, "/"+taskName+"/export")
	}
	return result, nil
}

func (s *Scheduler) evalGuard(ctx context.Context, guard string, state *runState, taskName string) (bool, *domain.ProblemDetails) {
	env := s.environment(state.context, nil, state.instance, state.doc, taskName)
	result, err := s.Evaluator.EvaluateLoose(ctx, guard, env)
	if err != nil {
		return false, toExpressionProblem(err, "/"+taskName+"/if")
	}
	return isTruthy(result), nil
}

func (s *Scheduler) resolveInput(ctx context.Context, filter *domain.InputFilter, state *runState, taskName string) (json.RawMessage, *domain.ProblemDetails) {
	value := state.context
	if filter != nil && filter.From != "" {
		filtered, problem := s.applyFrom(ctx, filter.From, state.context, state.instance, state.doc)
		if problem != nil {
			return nil, problem
		}
		value = filtered
	}
	if filter != nil && filter.Schema != nil {
		if problem := s.Schema.Validate(filter.Schema, value, "/"+taskName+"/input"); problem != nil {
			return nil, problem
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, domain.RuntimeProblem("input-marshal-failed", err.Error(), "/"+taskName)
	}
	return raw, nil
}

func (s *Scheduler) applyOutput(ctx context.Context, filter *domain.OutputFilter, rawOutput json.RawMessage, state *runState, taskName string) (interface{}, *domain.ProblemDetails) {
	var generic interface{}
	if len(rawOutput) > 0 {
		if err := json.Unmarshal(rawOutput, &generic); err != nil {
			return nil, domain.RuntimeProblem("output-unmarshal-failed", err.Error(), "/"+taskName)
		}
	}
	if filter == nil || filter.As == "" {
		return generic, nil
	}
	env := s.environment(state.context, nil, state.instance, state.doc, taskName)
	env.Output = generic
	result, err := s.Evaluator.EvaluateLoose(ctx, filter.As, env)
	if err != nil {
		return nil, toExpressionProblem(err, "/"+taskName+"/output")
	}
	if filter.Schema != nil {
		if problem := s.Schema.Validate(filter.Schema, result, "/"+taskName+"/output"); problem != nil {
			return nil, problem
		}
	}
	return result, nil
}

func isTruthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func fmtRef(parent, child string) string {
	return fmt.Sprintf("%s/%s", parent, child)
}

// recordTaskFault appends a TaskFaulted event and history entry. The
// caller is responsible for deciding whether the problem is subsequently
// caught by an enclosing Try (in which case execution continues) or
// propagates to a workflow fault.
func (s *Scheduler) recordTaskFault(ctx context.Context, state *runState, reference string, input json.RawMessage, problem *domain.ProblemDetails) {
	now := time.Now().UTC()
	if _, err := s.appendInstanceEvent(ctx, state.instance, domain.EventTaskFaulted, domain.TaskLifecyclePayload{
		TaskReference: reference,
		Input:         input,
		Error:         problem,
	}); err != nil {
		s.log.Warn().Err(err).Str("instanceId", state.instance.ID).Msg("failed to append TaskFaulted")
	}
	state.instance.History = append(state.instance.History, domain.TaskExecutionRecord{
		InstanceID:    state.instance.ID,
		TaskReference: reference,
		Attempt:       1,
		StartedAt:     now,
		CompletedAt:   &now,
		Input:         input,
		Outcome:       domain.TaskOutcomeFaulted,
		Error:         problem,
	})
}
