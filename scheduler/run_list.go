package scheduler

import (
	"context"

	"flowcore/domain"
)

// runTaskList drives list's tasks in declaration order, honoring each
// task's `if` guard and `then` flow directive, until the list is
// exhausted, a task raises `end`/`exit`, or an error/cancellation occurs.
// parentRef is the task reference path of the enclosing task (empty at the
// workflow's top-level `do`), prefixed onto each child's own name so
// `$task.reference` and the event/history log reflect full nesting
// (`outer/inner` for a Set nested in a Do named "outer"), not just the
// child's bare declared name.
func (s *Scheduler) runTaskList(ctx context.Context, state *runState, list *domain.TaskList, parentRef string) (flowOutcome, *domain.ProblemDetails) {
	if list == nil || list.Len() == 0 {
		return flowOutcome{}, nil
	}

	pair := list.Oldest()
	for pair != nil {
		select {
		case <-ctx.Done():
			return flowOutcome{cancelled: true}, nil
		default:
		}

		name := pair.Key
		task := pair.Value
		reference := name
		if parentRef != "" {
			reference = fmtRef(parentRef, name)
		}

		flow, problem := s.runTask(ctx, state, list, reference, task)
		if problem != nil {
			return flowOutcome{}, problem
		}
		if flow.cancelled || flow.end {
			return flow, nil
		}
		if flow.exit {
			return flowOutcome{}, nil
		}
		if flow.gotoTask != "" {
			next := list.GetPair(flow.gotoTask)
			if next == nil {
				return flowOutcome{}, domain.ValidationProblem("then-target-unresolved", "then target "+flow.gotoTask+" not found in current task list", "/"+name+"/then")
			}
			pair = next
			continue
		}
		pair = pair.Next()
	}
	return flowOutcome{}, nil
}
