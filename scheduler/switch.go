package scheduler

import (
	"context"

	"flowcore/domain"
)

// runSwitch evaluates each case's `when` in declaration order; the first
// truthy branch resolves the flow directive, falling back to the case with
// an empty `when` (the graph validator guarantees at most one such default).
func (s *Scheduler) runSwitch(ctx context.Context, state *runState, t *domain.SwitchTask, name string) (flowOutcome, *domain.ProblemDetails) {
	env := s.environment(state.context, nil, state.instance, state.doc, name)

	var defaultCase *domain.SwitchCase
	for i := range t.Switch {
		c := &t.Switch[i]
		if c.When == "" {
			defaultCase = c
			continue
		}
		result, err := s.Evaluator.EvaluateLoose(ctx, c.When, env)
		if err != nil {
			return flowOutcome{}, toExpressionProblem(err, "/"+name+"/switch/"+c.Name)
		}
		if isTruthy(result) {
			return resolveThen(c.Then), nil
		}
	}
	if defaultCase != nil {
		return resolveThen(defaultCase.Then), nil
	}
	return flowOutcome{}, nil
}
