package scheduler

import (
	"context"

	"flowcore/domain"
)

// flowOutcome captures how execution should proceed after a task
// completes, is skipped, or a composite task (Switch) redirects flow
// without executing a body of its own.
type flowOutcome struct {
	// gotoTask, when non-empty, names the sibling task in the current list
	// to run next.
	gotoTask string
	// end terminates the entire workflow instance successfully, bubbling
	// through every enclosing task list unchanged.
	end bool
	// exit stops iterating the current task list only; control returns to
	// whatever follows the enclosing composite task in its own list.
	exit bool
	// cancelled bubbles a cancellation signal observed at a suspension
	// point all the way out to Start.
	cancelled bool
}

// resolveThen turns a task's `then` field (or empty, meaning "continue")
// into a flowOutcome. Reserved directives take priority over sibling names,
// which the Graph Validator already guarantees do not collide.
func resolveThen(then string) flowOutcome {
	switch then {
	case "", domain.ThenContinue:
		return flowOutcome{}
	case domain.ThenEnd:
		return flowOutcome{end: true}
	case domain.ThenExit:
		return flowOutcome{exit: true}
	default:
		return flowOutcome{gotoTask: then}
	}
}

// isOwnDeadline reports whether derivedCtx (built from parent via
// context.WithTimeout) is the context whose own deadline just fired, as
// opposed to parent having already been cancelled or timed out for some
// outer reason. Only the former should be reported as this level's timeout;
// the latter is left to whichever level does own parent.
func isOwnDeadline(parent, derivedCtx context.Context) bool {
	return derivedCtx.Err() == context.DeadlineExceeded && parent.Err() != context.DeadlineExceeded
}
