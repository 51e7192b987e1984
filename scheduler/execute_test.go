package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"flowcore/domain"
	"flowcore/expr"
	"flowcore/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecuteTestScheduler() *Scheduler {
	return &Scheduler{
		Events:      memory.NewEventStore(),
		Checkpoints: memory.NewCheckpointStore(),
		Evaluator:   expr.NewEvaluator(),
	}
}

func newExecuteTestState(contextValue interface{}) *runState {
	return &runState{
		context:  contextValue,
		instance: &domain.WorkflowInstance{ID: "instance-1", StartedAt: time.Now().UTC()},
		doc:      &domain.WorkflowDocument{},
	}
}

func TestExecuteTaskBodySetEvaluatesTemplate(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{"name": "ada"})
	task := &domain.SetTask{Set: map[string]interface{}{"greeting": "hello ${.name}"}}

	raw, problem, flow := s.executeTaskBody(context.Background(), state, task, "greet", json.RawMessage("null"))
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hello ada", out["greeting"])
}

func TestRunForIteratesOverCollection(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{"items": []interface{}{"a", "b", "c"}, "seen": []interface{}{}})

	list := domain.NewTaskList()
	list.Set("record", &domain.SetTask{
		TaskBase: domain.TaskBase{Export: &domain.ExportFilter{As: ". + $output"}},
		Set:      map[string]interface{}{"seen": "${.seen + [.item]}"},
	})

	task := &domain.ForTask{For: domain.ForSpec{Each: "item", In: ".items"}, Do: list}

	raw, problem, flow := s.runFor(context.Background(), state, task, "loop")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, []interface{}{"a", "b", "c"}, out["seen"])
}

func TestRunForRejectsNonArrayCollection(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{"items": "not-an-array"})
	task := &domain.ForTask{For: domain.ForSpec{Each: "item", In: ".items"}, Do: domain.NewTaskList()}

	_, problem, _ := s.runFor(context.Background(), state, task, "loop")
	require.NotNil(t, problem)
	assert.Equal(t, domain.ProblemKindValidation, problem.Kind)
}

func TestRunEmitWithNoPublisherReturnsRuntimeProblem(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{})
	task := &domain.EmitTask{Emit: domain.EmitSpec{Event: domain.CloudEventTemplate{Type: "com.example.test"}}}

	_, problem, _ := s.runEmit(context.Background(), state, task, "emit")
	require.NotNil(t, problem)
	assert.Equal(t, domain.ProblemKindRuntime, problem.Kind)
}

func TestRunListenWithNoListenerReturnsRuntimeProblem(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{})
	task := &domain.ListenTask{Listen: domain.ListenSpec{Sources: []domain.EventSourceRef{{Transport: "http"}}}}

	_, problem, _ := s.runListen(context.Background(), state, task, "listen")
	require.NotNil(t, problem)
	assert.Equal(t, domain.ProblemKindRuntime, problem.Kind)
}

func TestRunWaitHonorsFixedDuration(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{"ok": true})
	task := &domain.WaitTask{Wait: domain.Duration{IsFixed: true, Fixed: 5 * time.Millisecond}}

	started := time.Now()
	raw, problem, flow := s.runWait(context.Background(), state, task, "pause")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)
	assert.GreaterOrEqual(t, time.Since(started), 5*time.Millisecond)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, true, out["ok"])
}

func TestRunWaitCancelledReturnsCancelledFlow(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{})
	task := &domain.WaitTask{Wait: domain.Duration{IsFixed: true, Fixed: time.Hour}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, problem, flow := s.runWait(ctx, state, task, "pause")
	require.Nil(t, problem)
	assert.True(t, flow.cancelled)
}

func TestRunDispatchWithNoDispatcherReturnsRuntimeProblem(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{})
	task := &domain.CallTask{Call: "http://example.com"}

	_, problem, _ := s.runDispatch(context.Background(), state, task, "call", json.RawMessage("null"))
	require.NotNil(t, problem)
	assert.Equal(t, domain.ProblemKindRuntime, problem.Kind)
}

func TestRunForkCompeteModeReturnsFirstSuccess(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{"base": 1})

	branches := domain.NewTaskList()
	branches.Set("fast", &domain.SetTask{Set: map[string]interface{}{"who": "fast"}})
	branches.Set("slow", &domain.WaitTask{Wait: domain.Duration{IsFixed: true, Fixed: 50 * time.Millisecond}})

	task := &domain.ForkTask{Fork: domain.ForkSpec{Branches: branches, Compete: true}}

	raw, problem, flow := s.runFork(context.Background(), state, task, "race")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)
	assert.NotEmpty(t, raw)
}

func TestRunForkAllModeJoinsEveryBranch(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{})

	branches := domain.NewTaskList()
	branches.Set("a", &domain.SetTask{Set: map[string]interface{}{"x": 1}})
	branches.Set("b", &domain.SetTask{Set: map[string]interface{}{"y": 2}})

	task := &domain.ForkTask{Fork: domain.ForkSpec{Branches: branches, Compete: false}}

	raw, problem, _ := s.runFork(context.Background(), state, task, "join")
	require.Nil(t, problem)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "b")
}

func TestRunTryRecoversFromMatchingCatch(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{})

	tryList := domain.NewTaskList()
	tryList.Set("boom", &domain.RaiseTask{Raise: domain.RaiseSpec{Error: &domain.ProblemDetails{Type: "about:blank", Title: "boom", Status: 500}}})

	catchDo := domain.NewTaskList()
	catchDo.Set("recover", &domain.SetTask{
		TaskBase: domain.TaskBase{Export: &domain.ExportFilter{As: ". + $output"}},
		Set:      map[string]interface{}{"recovered": true},
	})

	task := &domain.TryTask{Try: tryList, Catch: domain.CatchSpec{Do: catchDo}}

	raw, problem, flow := s.runTry(context.Background(), state, task, "attempt")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, true, out["recovered"])
}

func TestRunTryPropagatesUnmatchedError(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{})

	tryList := domain.NewTaskList()
	tryList.Set("boom", &domain.RaiseTask{Raise: domain.RaiseSpec{Error: &domain.ProblemDetails{Type: "about:blank", Title: "boom", Status: 500}}})

	filter := &domain.ErrorFilter{With: domain.ErrorFilterFields{Status: 404}}
	task := &domain.TryTask{Try: tryList, Catch: domain.CatchSpec{Errors: filter}}

	_, problem, _ := s.runTry(context.Background(), state, task, "attempt")
	require.NotNil(t, problem)
	assert.Equal(t, "boom", problem.Title)
}

func TestRunTryPropagatesAfterRetriesExhaustedWithNoRecoveryDo(t *testing.T) {
	s := newExecuteTestScheduler()
	state := newExecuteTestState(map[string]interface{}{})

	tryList := domain.NewTaskList()
	tryList.Set("boom", &domain.RaiseTask{Raise: domain.RaiseSpec{Error: &domain.ProblemDetails{
		Type: "about:blank", Title: "still failing", Status: 503, Kind: domain.ProblemKindCommunication,
	}}})

	policy := &domain.RetryPolicy{
		Backoff: domain.BackoffConstant,
		Delay:   &domain.Duration{IsFixed: true, Fixed: time.Millisecond},
		Limit:   domain.RetryLimit{Attempt: 3},
	}
	task := &domain.TryTask{
		Try: tryList,
		Catch: domain.CatchSpec{
			Errors: &domain.ErrorFilter{With: domain.ErrorFilterFields{Status: 503}},
			Retry:  &domain.RetryRef{Policy: policy},
		},
	}

	_, problem, flow := s.runTry(context.Background(), state, task, "attempt")
	require.NotNil(t, problem)
	assert.Equal(t, "still failing", problem.Title)
	assert.Equal(t, flowOutcome{}, flow)

	recorded, err := s.Events.Load(context.Background(), state.instance.ID, 0)
	require.NoError(t, err)
	retries := 0
	for _, ev := range recorded {
		if ev.EventType == domain.EventTaskRetried {
			retries++
		}
	}
	assert.Equal(t, 3, retries)
}

// fakeListenerAdapter delivers a fixed sequence of events on Listen,
// regardless of the spec passed in, for exercising runListen's until/
// foreach/read handling without a real HTTP or gRPC transport.
type fakeListenerAdapter struct {
	events []ListenedEvent
}

func (f *fakeListenerAdapter) Listen(ctx context.Context, spec domain.ListenSpec) (<-chan ListenedEvent, error) {
	ch := make(chan ListenedEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func TestRunListenAnyStopsOnFirstEvent(t *testing.T) {
	s := newExecuteTestScheduler()
	s.Listener = &fakeListenerAdapter{events: []ListenedEvent{
		{Body: json.RawMessage(`{"n":1}`)},
		{Body: json.RawMessage(`{"n":2}`)},
	}}
	state := newExecuteTestState(map[string]interface{}{})
	task := &domain.ListenTask{Listen: domain.ListenSpec{Strategy: domain.ListenStrategyAny, Sources: []domain.EventSourceRef{{Transport: "http"}}}}

	raw, problem, flow := s.runListen(context.Background(), state, task, "listen")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)
	assert.JSONEq(t, `{"n":1}`, string(raw))
}

func TestRunListenUntilTerminatesEarly(t *testing.T) {
	s := newExecuteTestScheduler()
	s.Listener = &fakeListenerAdapter{events: []ListenedEvent{
		{Body: json.RawMessage(`{"n":1}`)},
		{Body: json.RawMessage(`{"n":2}`)},
		{Body: json.RawMessage(`{"n":3}`)},
	}}
	state := newExecuteTestState(map[string]interface{}{})
	task := &domain.ListenTask{Listen: domain.ListenSpec{
		Strategy: domain.ListenStrategyAll,
		Sources:  []domain.EventSourceRef{{Transport: "http"}, {Transport: "http"}, {Transport: "http"}},
		Until:    "$context.halt == true",
	}, Foreach: &domain.ListenForeachSpec{
		ForSpec: domain.ForSpec{Each: "event"},
		Do: taskListOf("markHalt", &domain.SetTask{
			TaskBase: domain.TaskBase{If: ".event.n == 2", Export: &domain.ExportFilter{As: ". + $output"}},
			Set:      map[string]interface{}{"halt": true},
		}),
	}}

	raw, problem, flow := s.runListen(context.Background(), state, task, "listen")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, true, out["halt"])
}

func TestRunListenForeachRunsPerEvent(t *testing.T) {
	s := newExecuteTestScheduler()
	s.Listener = &fakeListenerAdapter{events: []ListenedEvent{
		{SourceIndex: 0, Body: json.RawMessage(`{"n":1}`)},
		{SourceIndex: 1, Body: json.RawMessage(`{"n":2}`)},
	}}
	state := newExecuteTestState(map[string]interface{}{"seen": []interface{}{}})
	task := &domain.ListenTask{Listen: domain.ListenSpec{
		Strategy: domain.ListenStrategyAll,
		Sources:  []domain.EventSourceRef{{Transport: "http"}, {Transport: "http"}},
	}, Foreach: &domain.ListenForeachSpec{
		ForSpec: domain.ForSpec{Each: "event"},
		Do: taskListOf("record", &domain.SetTask{
			TaskBase: domain.TaskBase{Export: &domain.ExportFilter{As: ". + $output"}},
			Set:      map[string]interface{}{"seen": "${.seen + [.event.n]}"},
		}),
	}}

	_, problem, flow := s.runListen(context.Background(), state, task, "listen")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)

	out, ok := state.context.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{1.0, 2.0}, out["seen"])
}

func TestRunListenReadDataExtractsCloudEventPayload(t *testing.T) {
	s := newExecuteTestScheduler()
	s.Listener = &fakeListenerAdapter{events: []ListenedEvent{
		{Body: json.RawMessage(`{"type":"com.example.ordered","data":{"orderId":"o-1"}}`)},
	}}
	state := newExecuteTestState(map[string]interface{}{})
	task := &domain.ListenTask{Listen: domain.ListenSpec{
		Strategy: domain.ListenStrategyOne,
		Sources:  []domain.EventSourceRef{{Transport: "http"}},
		Read:     domain.ListenReadData,
	}}

	raw, problem, flow := s.runListen(context.Background(), state, task, "listen")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(raw))
}

func TestRunListenReadEnvelopeNormalizesFields(t *testing.T) {
	s := newExecuteTestScheduler()
	s.Listener = &fakeListenerAdapter{events: []ListenedEvent{
		{Body: json.RawMessage(`{"type":"com.example.ordered","data":{"orderId":"o-1"}}`)},
	}}
	state := newExecuteTestState(map[string]interface{}{})
	task := &domain.ListenTask{Listen: domain.ListenSpec{
		Strategy: domain.ListenStrategyOne,
		Sources:  []domain.EventSourceRef{{Transport: "http"}},
		Read:     domain.ListenReadEnvelope,
	}}

	raw, problem, flow := s.runListen(context.Background(), state, task, "listen")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, flow)

	var envelope domain.CloudEventTemplate
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, "com.example.ordered", envelope.Type)
	assert.Equal(t, map[string]interface{}{"orderId": "o-1"}, envelope.Data)
}

func taskListOf(name string, task domain.TaskDefinition) *domain.TaskList {
	list := domain.NewTaskList()
	list.Set(name, task)
	return list
}
