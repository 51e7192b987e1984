package call

import (
	"context"
	"encoding/json"
	"testing"

	"flowcore/dispatch"
	"flowcore/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalogRegistry struct {
	resolveErr      error
	catalogDoc      *domain.WorkflowDocument
	catalogErr      error
	lastCatalogCall string
}

func (f *fakeCatalogRegistry) Resolve(_ context.Context, _ domain.Ref) (*domain.WorkflowDocument, error) {
	return nil, f.resolveErr
}

func (f *fakeCatalogRegistry) LoadFromCatalog(_ context.Context, reference string) (*domain.WorkflowDocument, error) {
	f.lastCatalogCall = reference
	return f.catalogDoc, f.catalogErr
}

type fakeRunner struct {
	instance *domain.WorkflowInstance
	err      error
}

func (f *fakeRunner) Start(_ context.Context, _ *domain.WorkflowDocument, _ json.RawMessage, _ string) (*domain.WorkflowInstance, error) {
	return f.instance, f.err
}

func singleTaskDoc() *domain.WorkflowDocument {
	list := domain.NewTaskList()
	list.Set("greet", &domain.SetTask{TaskBase: domain.TaskBase{Name: "greet"}})
	return &domain.WorkflowDocument{Do: list}
}

func TestCatalogExecutorRunsResolvedFunctionAsChildInstance(t *testing.T) {
	registry := &fakeCatalogRegistry{resolveErr: assertErrCall("not found"), catalogDoc: singleTaskDoc()}
	runner := &fakeRunner{instance: &domain.WorkflowInstance{
		Status: domain.InstanceStatusCompleted,
		Output: json.RawMessage(`{"greeting":"hi"}`),
	}}
	executor := NewCatalogExecutor(registry, runner)

	task := &domain.CallTask{Call: "greet:1.0.0"}
	outcome, err := executor.Execute(context.Background(), task, nil, dispatch.DispatchContext{})
	require.NoError(t, err)
	require.Nil(t, outcome.Error)
	assert.Equal(t, "greet:1.0.0", registry.lastCatalogCall)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(outcome.Output))
}

func TestCatalogExecutorPropagatesChildFault(t *testing.T) {
	registry := &fakeCatalogRegistry{resolveErr: assertErrCall("not found"), catalogDoc: singleTaskDoc()}
	problem := domain.RuntimeProblem("boom", "child failed", "")
	runner := &fakeRunner{instance: &domain.WorkflowInstance{Status: domain.InstanceStatusFaulted, Error: problem}}
	executor := NewCatalogExecutor(registry, runner)

	outcome, err := executor.Execute(context.Background(), &domain.CallTask{Call: "greet:1.0.0"}, nil, dispatch.DispatchContext{})
	require.NoError(t, err)
	assert.Equal(t, problem, outcome.Error)
}

func TestCatalogExecutorRejectsMultiTaskFunctionDocument(t *testing.T) {
	list := domain.NewTaskList()
	list.Set("a", &domain.SetTask{TaskBase: domain.TaskBase{Name: "a"}})
	list.Set("b", &domain.SetTask{TaskBase: domain.TaskBase{Name: "b"}})
	registry := &fakeCatalogRegistry{resolveErr: assertErrCall("not found"), catalogDoc: &domain.WorkflowDocument{Do: list}}
	executor := NewCatalogExecutor(registry, &fakeRunner{})

	outcome, err := executor.Execute(context.Background(), &domain.CallTask{Call: "greet:1.0.0"}, nil, dispatch.DispatchContext{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, domain.ProblemKindRuntime, outcome.Error.Kind)
}

func TestCatalogExecutorUnresolvableReferenceYieldsCommunicationProblem(t *testing.T) {
	registry := &fakeCatalogRegistry{resolveErr: assertErrCall("not found"), catalogErr: assertErrCall("no such function")}
	executor := NewCatalogExecutor(registry, &fakeRunner{})

	outcome, err := executor.Execute(context.Background(), &domain.CallTask{Call: "missing:1.0.0"}, nil, dispatch.DispatchContext{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, domain.ProblemKindCommunication, outcome.Error.Kind)
}

type assertErrCall string

func (e assertErrCall) Error() string { return string(e) }
