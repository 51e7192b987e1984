package call

import (
	"context"
	"encoding/json"
	"fmt"

	"flowcore/dispatch"
	"flowcore/domain"
)

// WorkflowRunner is the narrow slice of the Scheduler that a catalog
// function call or a nested-workflow Run task needs: start a fresh child
// instance of a resolved WorkflowDocument and drive it to completion.
// Scheduler.Start satisfies this directly; keeping the dependency this
// narrow avoids call importing scheduler's full surface (and the import
// cycle that would create, since scheduler already imports dispatch,
// which this package also implements executors for).
type WorkflowRunner interface {
	Start(ctx context.Context, doc *domain.WorkflowDocument, rawInput json.RawMessage, instanceID string) (*domain.WorkflowInstance, error)
}

// CatalogRegistry is the slice of the Workflow Registry a catalog-function
// call needs: resolving a registered (namespace,name,version) directly, or
// loading a bare "name:version" reference against a seeded catalog
// endpoint (registry.Registry.LoadFromCatalog).
type CatalogRegistry interface {
	dispatch.WorkflowResolver
	LoadFromCatalog(ctx context.Context, reference string) (*domain.WorkflowDocument, error)
}

// CatalogExecutor resolves a bare "name:version" call reference against a
// Workflow Registry and runs the resolved function document as a fresh
// child workflow instance. A catalog function document (function.yaml,
// per catalog.rs) is a single-task document, but that task is not
// necessarily itself a Call or Run (spec.md's S2 scenario defines one
// with a bare `set`), so it must go through the full scheduler rather
// than straight back into the Dispatcher.
type CatalogExecutor struct {
	Registry CatalogRegistry
	Runner   WorkflowRunner
}

func NewCatalogExecutor(registry CatalogRegistry, runner WorkflowRunner) *CatalogExecutor {
	return &CatalogExecutor{Registry: registry, Runner: runner}
}

func (e *CatalogExecutor) Execute(ctx context.Context, task domain.TaskDefinition, resolvedInput json.RawMessage, dispatchCtx dispatch.DispatchContext) (dispatch.TaskOutcome, error) {
	call, ok := task.(*domain.CallTask)
	if !ok {
		return dispatch.TaskOutcome{}, fmt.Errorf("catalog executor received non-Call task %T", task)
	}

	doc, err := e.resolveFunction(ctx, call.Call)
	if err != nil {
		return dispatch.TaskOutcome{
			Error: domain.CommunicationProblem("catalog-function-not-found", err.Error(), ""),
		}, nil
	}

	if doc.Do == nil || doc.Do.Len() != 1 {
		return dispatch.TaskOutcome{
			Error: domain.RuntimeProblem("catalog-function-malformed", "catalog function document must define exactly one task", ""),
		}, nil
	}

	child, err := e.Runner.Start(ctx, doc, resolvedInput, "")
	if err != nil {
		return dispatch.TaskOutcome{}, fmt.Errorf("failed to run catalog function %s: %w", call.Call, err)
	}
	if child.Status == domain.InstanceStatusFaulted {
		return dispatch.TaskOutcome{Error: child.Error}, nil
	}
	return dispatch.TaskOutcome{Output: child.Output}, nil
}

// resolveFunction tries a direct (namespace,name,version) registry lookup
// first, falling back to catalog-endpoint loading for a bare
// "name:version" reference — the two addressing modes spec.md §4.8
// describes for the Workflow Registry.
func (e *CatalogExecutor) resolveFunction(ctx context.Context, reference string) (*domain.WorkflowDocument, error) {
	if ref, err := domain.ParseRef(reference); err == nil {
		if doc, resolveErr := e.Registry.Resolve(ctx, ref); resolveErr == nil {
			return doc, nil
		}
	}
	doc, err := e.Registry.LoadFromCatalog(ctx, reference)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("no catalog function resolved for %q", reference)
	}
	return doc, nil
}
