package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"flowcore/dispatch"
	"flowcore/domain"
	"flowcore/expr"
	"flowcore/logger"
	"flowcore/validate"

	"github.com/rs/zerolog"
)

// EventPublisher publishes CloudEvents 1.0 envelopes for Emit tasks. It is
// satisfied by the events package's NATS-backed implementation.
type EventPublisher interface {
	Publish(ctx context.Context, envelope domain.CloudEventTemplate) error
}

// ListenerAdapter binds a Listen task's declared sources and returns
// delivered event bodies, already validated against their declared schema.
type ListenerAdapter interface {
	Listen(ctx context.Context, spec domain.ListenSpec) (<-chan ListenedEvent, error)
}

// ListenedEvent is one event delivered to a Listen task.
type ListenedEvent struct {
	SourceIndex int
	Body        json.RawMessage
	Err         *domain.ProblemDetails
}

// Scheduler drives one Workflow Instance from start to a terminal state. It
// is the core of the core: it orders task execution, applies flow
// directives, manages timeouts and retries, and records every observable
// state transition to the Event Store and Checkpoint Store before acting
// on it externally.
type Scheduler struct {
	Events      domain.EventStore
	Checkpoints domain.CheckpointStore
	Cache       domain.CacheStore
	Evaluator   expr.Evaluator
	Dispatcher  *dispatch.Dispatcher
	Schema      *validate.SchemaValidator
	Publisher   EventPublisher
	Listener    ListenerAdapter
	Registry    dispatch.WorkflowResolver

	log zerolog.Logger
}

// New wires a Scheduler from its collaborators. Any of Publisher, Listener,
// Registry may be nil if the workflow never exercises Emit, Listen, or
// nested-workflow Run tasks respectively.
func New(events domain.EventStore, checkpoints domain.CheckpointStore, cache domain.CacheStore, evaluator expr.Evaluator, dispatcher *dispatch.Dispatcher) *Scheduler {
	return &Scheduler{
		Events:      events,
		Checkpoints: checkpoints,
		Cache:       cache,
		Evaluator:   evaluator,
		Dispatcher:  dispatcher,
		Schema:      validate.NewSchemaValidator(),
		log:         logger.Get().With().Str("component", "scheduler").Logger(),
	}
}

// runState is the mutable state threaded through one instance's execution,
// separate from domain.WorkflowInstance so replay can rebuild it without
// re-running side effects.
type runState struct {
	instance *domain.WorkflowInstance
	doc      *domain.WorkflowDocument
	context  interface{}
	// skip holds the task reference of every task whose TaskCompleted event
	// is already in the Event Store, populated only on Resume. runTask
	// short-circuits straight to its `then` for a referenced task instead
	// of re-dispatching it; the enclosing context is already caught up to
	// the latest Checkpoint, so no bookkeeping needs to be replayed.
	skip map[string]struct{}
}

// Start begins a new Workflow Instance for doc with the given raw JSON
// input, driving it synchronously to a terminal status. The returned
// instance always has a terminal Status; execution failures are carried as
// instance.Error rather than as the returned error, which is reserved for
// unrecoverable infrastructure failures (event append failed, etc).
func (s *Scheduler) Start(ctx context.Context, doc *domain.WorkflowDocument, rawInput json.RawMessage, instanceID string) (*domain.WorkflowInstance, error) {
	if instanceID == "" {
		instanceID = domain.NewInstanceID()
	}

	instance := &domain.WorkflowInstance{
		ID:          instanceID,
		WorkflowRef: doc.Ref(),
		Input:       rawInput,
		Status:      domain.InstanceStatusPending,
		StartedAt:   time.Now().UTC(),
	}

	if _, err := s.Events.Append(ctx, instanceID, domain.EventWorkflowStarted, domain.WorkflowStartedPayload{
		WorkflowRef: doc.Ref(),
		Input:       rawInput,
	}); err != nil {
		return nil, fmt.Errorf("failed to append WorkflowStarted: %w", err)
	}
	instance.SequenceNumber = 1

	initialContext, problem := s.buildInitialContext(ctx, doc, instance, rawInput)
	if problem != nil {
		return s.fault(ctx, instance, problem)
	}

	contextRaw, err := json.Marshal(initialContext)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initial context: %w", err)
	}
	instance.Context = contextRaw
	instance.Status = domain.InstanceStatusRunning

	state := &runState{instance: instance, doc: doc, context: initialContext}

	runCtx, cancel, timeoutProblem := s.withWorkflowTimeout(ctx, doc, state)
	defer cancel()
	if timeoutProblem != nil {
		return s.fault(ctx, instance, timeoutProblem)
	}

	flow, taskProblem := s.runTaskList(runCtx, state, doc.Do, "")
	if taskProblem != nil {
		return s.fault(ctx, instance, taskProblem)
	}
	if flow.cancelled {
		if isOwnDeadline(ctx, runCtx) {
			return s.fault(ctx, instance, domain.TimeoutProblem("workflow-timeout", "workflow exceeded its timeout", "/"))
		}
		return s.cancel(ctx, instance)
	}

	return s.complete(ctx, state, flow)
}

// withWorkflowTimeout wraps ctx with doc.Timeout's deadline, if declared.
// The returned cancel func must always be called by the caller, even when
// no deadline was applied (it is then a no-op).
func (s *Scheduler) withWorkflowTimeout(ctx context.Context, doc *domain.WorkflowDocument, state *runState) (context.Context, context.CancelFunc, *domain.ProblemDetails) {
	if doc.Timeout == nil {
		return ctx, func() {}, nil
	}
	duration, ok, problem := s.resolveTimeout(ctx, doc.Timeout, doc, state, "")
	if problem != nil {
		return ctx, func() {}, problem
	}
	if !ok {
		return ctx, func() {}, nil
	}
	runCtx, cancel := context.WithTimeout(ctx, duration)
	return runCtx, cancel, nil
}

// buildInitialContext applies doc.Input's `from` filter and schema to
// rawInput, producing the $context value execution starts from. Both Start
// and Resume (when no Checkpoint exists yet, i.e. no task has completed)
// go through this so a resumed instance's pre-first-task context is
// computed identically to a fresh one's.
func (s *Scheduler) buildInitialContext(ctx context.Context, doc *domain.WorkflowDocument, instance *domain.WorkflowInstance, rawInput json.RawMessage) (interface{}, *domain.ProblemDetails) {
	var initialContext interface{}
	if err := json.Unmarshal(nonEmpty(rawInput), &initialContext); err != nil {
		return nil, domain.RuntimeProblem("input-parse-failed", err.Error(), "/input")
	}

	if doc.Input == nil {
		return initialContext, nil
	}
	filtered, problem := s.applyFrom(ctx, doc.Input.From, initialContext, instance, doc)
	if problem != nil {
		return nil, problem
	}
	if doc.Input.Schema != nil {
		if problem := s.Schema.Validate(doc.Input.Schema, filtered, "/input"); problem != nil {
			return nil, problem
		}
	}
	return filtered, nil
}

// Resume continues a previously Started Workflow Instance identified by
// instanceID, loading its recorded event log and latest Checkpoint instead
// of beginning fresh. Tasks whose TaskCompleted event is already recorded
// are skipped rather than re-dispatched; $context resumes from the
// Checkpoint taken after the last one that completed, and execution then
// proceeds live from the first task that never finished. This is the
// event-sourced replay path spec.md §4.4.7 describes: the log is the
// source of truth for "what already happened," the Checkpoint is only an
// optimization that avoids re-deriving $context by folding the whole log.
func (s *Scheduler) Resume(ctx context.Context, doc *domain.WorkflowDocument, instanceID string) (*domain.WorkflowInstance, error) {
	events, err := s.Events.Load(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load event log for %s: %w", instanceID, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no recorded instance %s to resume", instanceID)
	}

	instance := &domain.WorkflowInstance{ID: instanceID, Status: domain.InstanceStatusRunning}
	skip := map[string]struct{}{}
	var rawInput json.RawMessage

	for _, ev := range events {
		instance.SequenceNumber = ev.SequenceNumber
		switch ev.EventType {
		case domain.EventWorkflowStarted:
			var payload domain.WorkflowStartedPayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return nil, fmt.Errorf("failed to decode WorkflowStarted payload: %w", err)
			}
			instance.WorkflowRef = payload.WorkflowRef
			instance.Input = payload.Input
			rawInput = payload.Input
			instance.StartedAt = ev.Timestamp
		case domain.EventWorkflowCompleted, domain.EventWorkflowFailed, domain.EventWorkflowCancelled:
			return nil, fmt.Errorf("instance %s already reached a terminal state", instanceID)
		case domain.EventTaskCompleted:
			var payload domain.TaskLifecyclePayload
			if err := json.Unmarshal(ev.Payload, &payload); err != nil {
				return nil, fmt.Errorf("failed to decode TaskCompleted payload: %w", err)
			}
			skip[payload.TaskReference] = struct{}{}
		}
	}

	var resumeContext interface{}
	checkpoint, found, err := s.Checkpoints.Load(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", instanceID, err)
	}
	if found {
		if err := json.Unmarshal(checkpoint.ContextSnapshot, &resumeContext); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint context: %w", err)
		}
	} else {
		built, problem := s.buildInitialContext(ctx, doc, instance, rawInput)
		if problem != nil {
			return s.fault(ctx, instance, problem)
		}
		resumeContext = built
	}
	instance.Context = mustMarshal(resumeContext)

	s.log.Info().Str("instanceId", instanceID).Int("skippedTasks", len(skip)).Msg("resuming workflow instance")

	state := &runState{instance: instance, doc: doc, context: resumeContext, skip: skip}

	runCtx, cancel, timeoutProblem := s.withWorkflowTimeout(ctx, doc, state)
	defer cancel()
	if timeoutProblem != nil {
		return s.fault(ctx, instance, timeoutProblem)
	}

	flow, problem := s.runTaskList(runCtx, state, doc.Do, "")
	if problem != nil {
		return s.fault(ctx, instance, problem)
	}
	if flow.cancelled {
		if isOwnDeadline(ctx, runCtx) {
			return s.fault(ctx, instance, domain.TimeoutProblem("workflow-timeout", "workflow exceeded its timeout", "/"))
		}
		return s.cancel(ctx, instance)
	}
	return s.complete(ctx, state, flow)
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func (s *Scheduler) complete(ctx context.Context, state *runState, flow flowOutcome) (*domain.WorkflowInstance, error) {
	instance := state.instance
	output := state.context
	if state.doc.Output != nil {
		filtered, err := s.applyFrom(ctx, state.doc.Output.As, state.context, instance, state.doc)
		if err != nil {
			return s.fault(ctx, instance, err)
		}
		output = filtered
		if state.doc.Output.Schema != nil {
			if problem := s.Schema.Validate(state.doc.Output.Schema, output, "/output"); problem != nil {
				return s.fault(ctx, instance, problem)
			}
		}
	}

	outputRaw, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow output: %w", err)
	}
	instance.Output = outputRaw
	instance.Status = domain.InstanceStatusCompleted
	now := time.Now().UTC()
	instance.CompletedAt = &now

	if _, err := s.appendInstanceEvent(ctx, instance, domain.EventWorkflowCompleted, domain.WorkflowTerminalPayload{Output: outputRaw}); err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *Scheduler) fault(ctx context.Context, instance *domain.WorkflowInstance, problem *domain.ProblemDetails) (*domain.WorkflowInstance, error) {
	instance.Status = domain.InstanceStatusFaulted
	instance.Error = problem
	now := time.Now().UTC()
	instance.CompletedAt = &now

	s.log.Warn().Str("instanceId", instance.ID).Str("problemType", problem.Type).Msg("workflow instance faulted")

	if _, err := s.appendInstanceEvent(ctx, instance, domain.EventWorkflowFailed, domain.WorkflowTerminalPayload{Error: problem}); err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *Scheduler) cancel(ctx context.Context, instance *domain.WorkflowInstance) (*domain.WorkflowInstance, error) {
	instance.Status = domain.InstanceStatusCancelled
	now := time.Now().UTC()
	instance.CompletedAt = &now

	if _, err := s.appendInstanceEvent(ctx, instance, domain.EventWorkflowCancelled, domain.WorkflowTerminalPayload{}); err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *Scheduler) appendInstanceEvent(ctx context.Context, instance *domain.WorkflowInstance, eventType domain.WorkflowEventType, payload interface{}) (domain.WorkflowEvent, error) {
	event, err := s.Events.Append(ctx, instance.ID, eventType, payload)
	if err != nil {
		return domain.WorkflowEvent{}, fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	instance.SequenceNumber = event.SequenceNumber
	return event, nil
}

// applyFrom evaluates a loose-mode `from`/`as` expression against the
// current context, returning the reshaped value.
func (s *Scheduler) applyFrom(ctx context.Context, expression string, value interface{}, instance *domain.WorkflowInstance, doc *domain.WorkflowDocument) (interface{}, *domain.ProblemDetails) {
	if expression == "" {
		return value, nil
	}
	env := s.environment(value, nil, instance, doc, "")
	result, err := s.Evaluator.EvaluateLoose(ctx, expression, env)
	if err != nil {
		return nil, toExpressionProblem(err, "")
	}
	return result, nil
}

func (s *Scheduler) environment(contextValue interface{}, input interface{}, instance *domain.WorkflowInstance, doc *domain.WorkflowDocument, taskRef string) expr.Environment {
	return expr.Environment{
		Context: contextValue,
		Input:   input,
		Secrets: declaredSecrets(doc),
		Task: expr.TaskDescriptor{
			Name:      baseName(taskRef),
			Reference: taskRef,
		},
		Workflow: expr.WorkflowDescriptor{
			ID:        instance.ID,
			Input:     json.RawMessage(instance.Input),
			StartedAt: instance.StartedAt.Format(time.RFC3339),
		},
		Runtime: expr.DefaultRuntimeDescriptor,
	}
}

// baseName returns the last segment of a task reference path ("inner" for
// "outer/inner"), the bare declared name bound to $task.name; $task.reference
// carries the full path.
func baseName(taskRef string) string {
	if idx := strings.LastIndex(taskRef, "/"); idx >= 0 {
		return taskRef[idx+1:]
	}
	return taskRef
}

// declaredSecrets resolves every name in the document's `use.secrets` list
// to its value in the process environment. The DSL leaves secret resolution
// unspecified beyond "a declared name maps to a resolved value"; an
// undeclared `$secrets.<name>` reference is a validation error
// (expr.gojqEvaluator checks this against the keys of this map), not a
// silent null.
func declaredSecrets(doc *domain.WorkflowDocument) map[string]interface{} {
	secrets := map[string]interface{}{}
	if doc == nil || doc.Use == nil {
		return secrets
	}
	for _, name := range doc.Use.Secrets {
		secrets[name] = os.Getenv(name)
	}
	return secrets
}

func toExpressionProblem(err error, pointer string) *domain.ProblemDetails {
	if exprErr, ok := err.(*expr.ExpressionError); ok {
		return expr.ToProblemDetails(exprErr, pointer)
	}
	return domain.ValidationProblem("expression-evaluation-failed", err.Error(), pointer)
}
