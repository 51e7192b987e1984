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

type fakeWorkflowResolver struct {
	doc      *domain.WorkflowDocument
	err      error
	lastRef  domain.Ref
}

func (f *fakeWorkflowResolver) Resolve(_ context.Context, ref domain.Ref) (*domain.WorkflowDocument, error) {
	f.lastRef = ref
	return f.doc, f.err
}

func TestWorkflowExecutorResolvesAndRunsChildInstance(t *testing.T) {
	resolver := &fakeWorkflowResolver{doc: singleTaskDoc()}
	runner := &fakeRunner{instance: &domain.WorkflowInstance{
		Status: domain.InstanceStatusCompleted,
		Output: json.RawMessage(`{"ok":true}`),
	}}
	executor := NewWorkflowExecutor(resolver, runner)

	task := &domain.RunTask{Run: domain.RunSpec{Workflow: &domain.WorkflowProcessSpec{
		Namespace: "default", Name: "child", Version: "1.0.0",
	}}}
	outcome, err := executor.Execute(context.Background(), task, json.RawMessage(`{}`), dispatch.DispatchContext{})
	require.NoError(t, err)
	require.Nil(t, outcome.Error)
	assert.Equal(t, domain.Ref{Namespace: "default", Name: "child", Version: "1.0.0"}, resolver.lastRef)
	assert.JSONEq(t, `{"ok":true}`, string(outcome.Output))
}

func TestWorkflowExecutorPrefersInlineInputOverResolvedInput(t *testing.T) {
	resolver := &fakeWorkflowResolver{doc: singleTaskDoc()}
	var capturedInput json.RawMessage
	runner := &capturingRunner{fakeRunner: fakeRunner{instance: &domain.WorkflowInstance{Status: domain.InstanceStatusCompleted}}, captured: &capturedInput}
	executor := NewWorkflowExecutor(resolver, runner)

	task := &domain.RunTask{Run: domain.RunSpec{Workflow: &domain.WorkflowProcessSpec{
		Name:  "child",
		Input: map[string]interface{}{"fixed": "value"},
	}}}
	_, err := executor.Execute(context.Background(), task, json.RawMessage(`{"ignored":true}`), dispatch.DispatchContext{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fixed":"value"}`, string(capturedInput))
}

func TestWorkflowExecutorUnresolvableRefYieldsCommunicationProblem(t *testing.T) {
	resolver := &fakeWorkflowResolver{err: assertErrCall("no such workflow")}
	executor := NewWorkflowExecutor(resolver, &fakeRunner{})

	task := &domain.RunTask{Run: domain.RunSpec{Workflow: &domain.WorkflowProcessSpec{Name: "missing"}}}
	outcome, err := executor.Execute(context.Background(), task, nil, dispatch.DispatchContext{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, domain.ProblemKindCommunication, outcome.Error.Kind)
}

func TestWorkflowExecutorRejectsRunTaskWithoutWorkflowSpec(t *testing.T) {
	executor := NewWorkflowExecutor(&fakeWorkflowResolver{}, &fakeRunner{})
	task := &domain.RunTask{Run: domain.RunSpec{}}
	_, err := executor.Execute(context.Background(), task, nil, dispatch.DispatchContext{})
	require.Error(t, err)
}

type capturingRunner struct {
	fakeRunner
	captured *json.RawMessage
}

func (c *capturingRunner) Start(ctx context.Context, doc *domain.WorkflowDocument, rawInput json.RawMessage, instanceID string) (*domain.WorkflowInstance, error) {
	*c.captured = rawInput
	return c.fakeRunner.Start(ctx, doc, rawInput, instanceID)
}
