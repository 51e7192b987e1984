package scheduler

import (
	"context"
	"testing"
	"time"

	"flowcore/domain"
	"flowcore/expr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSwitchTestScheduler() *Scheduler {
	return &Scheduler{Evaluator: expr.NewEvaluator()}
}

func newSwitchTestState(contextValue interface{}) *runState {
	return &runState{
		context:  contextValue,
		instance: &domain.WorkflowInstance{ID: "instance-1", StartedAt: time.Now().UTC()},
		doc:      &domain.WorkflowDocument{},
	}
}

func TestRunSwitchPicksFirstTruthyCase(t *testing.T) {
	s := newSwitchTestScheduler()
	state := newSwitchTestState(map[string]interface{}{"amount": 100})

	task := &domain.SwitchTask{Switch: domain.SwitchCaseList{
		{Name: "small", When: ".amount < 10", Then: "handleSmall"},
		{Name: "large", When: ".amount >= 10", Then: "handleLarge"},
	}}

	outcome, problem := s.runSwitch(context.Background(), state, task, "decide")
	require.Nil(t, problem)
	assert.Equal(t, "handleLarge", outcome.gotoTask)
}

func TestRunSwitchFallsBackToDefaultCase(t *testing.T) {
	s := newSwitchTestScheduler()
	state := newSwitchTestState(map[string]interface{}{"amount": 100})

	task := &domain.SwitchTask{Switch: domain.SwitchCaseList{
		{Name: "small", When: ".amount < 10", Then: "handleSmall"},
		{Name: "default", When: "", Then: "handleDefault"},
	}}

	outcome, problem := s.runSwitch(context.Background(), state, task, "decide")
	require.Nil(t, problem)
	assert.Equal(t, "handleDefault", outcome.gotoTask)
}

func TestRunSwitchNoMatchAndNoDefaultContinues(t *testing.T) {
	s := newSwitchTestScheduler()
	state := newSwitchTestState(map[string]interface{}{"amount": 1})

	task := &domain.SwitchTask{Switch: domain.SwitchCaseList{
		{Name: "large", When: ".amount >= 10", Then: "handleLarge"},
	}}

	outcome, problem := s.runSwitch(context.Background(), state, task, "decide")
	require.Nil(t, problem)
	assert.Equal(t, flowOutcome{}, outcome)
}

func TestRunSwitchInvalidExpressionReturnsValidationProblem(t *testing.T) {
	s := newSwitchTestScheduler()
	state := newSwitchTestState(map[string]interface{}{})

	task := &domain.SwitchTask{Switch: domain.SwitchCaseList{
		{Name: "broken", When: ".amount +++ ", Then: "handleBroken"},
	}}

	_, problem := s.runSwitch(context.Background(), state, task, "decide")
	require.NotNil(t, problem)
	assert.Equal(t, domain.ProblemKindValidation, problem.Kind)
}
