package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowcore/dispatch"
	"flowcore/domain"
	"flowcore/expr"
)

// executeTaskBody runs the kind-specific behavior of task and returns its
// raw, pre output-filter result. The returned flowOutcome is non-zero only
// when execution observed cancellation (at a suspension point such as Wait,
// Listen or a cache wait, or inside a nested task list) or a nested task
// list (Do/For/Fork/Try) hit an `end` directive; every other flow decision
// is left to resolveThen in the caller.
func (s *Scheduler) executeTaskBody(ctx context.Context, state *runState, task domain.TaskDefinition, name string, resolvedInput json.RawMessage) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	var inputGeneric interface{}
	if len(resolvedInput) > 0 {
		if err := json.Unmarshal(resolvedInput, &inputGeneric); err != nil {
			return nil, domain.RuntimeProblem("input-unmarshal-failed", err.Error(), "/"+name), flowOutcome{}
		}
	}

	switch t := task.(type) {
	case *domain.SetTask:
		env := s.environment(state.context, inputGeneric, state.instance, state.doc, name)
		result, err := evalTemplate(ctx, s.Evaluator, map[string]interface{}(t.Set), env)
		if err != nil {
			return nil, toExpressionProblem(err, "/"+name+"/set"), flowOutcome{}
		}
		return mustMarshal(result), nil, flowOutcome{}

	case *domain.DoTask:
		flow, problem := s.runTaskList(ctx, state, t.Do, name)
		if problem != nil {
			return nil, problem, flowOutcome{}
		}
		if flow.cancelled || flow.end {
			return nil, nil, flow
		}
		return mustMarshal(state.context), nil, flowOutcome{}

	case *domain.ForTask:
		return s.runFor(ctx, state, t, name)

	case *domain.ForkTask:
		return s.runFork(ctx, state, t, name)

	case *domain.TryTask:
		return s.runTry(ctx, state, t, name)

	case *domain.RaiseTask:
		problem, resolveErr := s.resolveRaise(t.Raise, state.doc, name)
		if resolveErr != nil {
			return nil, resolveErr, flowOutcome{}
		}
		return nil, problem, flowOutcome{}

	case *domain.EmitTask:
		return s.runEmit(ctx, state, t, name)

	case *domain.WaitTask:
		return s.runWait(ctx, state, t, name)

	case *domain.CallTask, *domain.RunTask:
		return s.runDispatch(ctx, state, task, name, resolvedInput)

	case *domain.ListenTask:
		return s.runListen(ctx, state, t, name)

	default:
		return nil, domain.RuntimeProblem("unhandled-task-kind", fmt.Sprintf("no execution handler for task kind %s", task.Kind()), "/"+name), flowOutcome{}
	}
}

// evalTemplate recursively resolves runtime expressions embedded in a task
// field: every string leaf is evaluated in strict mode (only its "${...}"
// spans are substituted, literal text passes through unchanged), every map
// and slice is walked, and every other scalar is returned as-is.
func evalTemplate(ctx context.Context, evaluator expr.Evaluator, value interface{}, env expr.Environment) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return evaluator.EvaluateStrict(ctx, v, env)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			resolved, err := evalTemplate(ctx, evaluator, val, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			resolved, err := evalTemplate(ctx, evaluator, val, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// runFor iterates for.in's evaluated collection sequentially, binding the
// each/at loop variables into $context for the duration of the body. Output
// is the value of $context after the loop, matching Do/Try's convention.
func (s *Scheduler) runFor(ctx context.Context, state *runState, t *domain.ForTask, name string) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	env := s.environment(state.context, nil, state.instance, state.doc, name)
	collectionValue, err := s.Evaluator.EvaluateLoose(ctx, t.For.In, env)
	if err != nil {
		return nil, toExpressionProblem(err, "/"+name+"/for/in"), flowOutcome{}
	}
	items, ok := collectionValue.([]interface{})
	if !ok {
		return nil, domain.ValidationProblem("for-not-iterable", fmt.Sprintf("for.in did not evaluate to an array (got %T)", collectionValue), "/"+name+"/for/in"), flowOutcome{}
	}

	eachName := t.For.Each
	if eachName == "" {
		eachName = "item"
	}
	atName := t.For.At
	if atName == "" {
		atName = "index"
	}

	for i, item := range items {
		state.context = withLoopVars(state.context, eachName, item, atName, i)

		if t.While != "" {
			whileEnv := s.environment(state.context, nil, state.instance, state.doc, name)
			result, err := s.Evaluator.EvaluateLoose(ctx, t.While, whileEnv)
			if err != nil {
				return nil, toExpressionProblem(err, "/"+name+"/for/while"), flowOutcome{}
			}
			if !isTruthy(result) {
				state.context = withoutLoopVars(state.context, eachName, atName)
				break
			}
		}

		flow, problem := s.runTaskList(ctx, state, t.Do, name)
		if problem != nil {
			return nil, problem, flowOutcome{}
		}
		if flow.cancelled || flow.end {
			return nil, nil, flow
		}
		state.context = withoutLoopVars(state.context, eachName, atName)
	}

	return mustMarshal(state.context), nil, flowOutcome{}
}

// withLoopVars merges a For iteration's item/index into $context for the
// duration of the body. Context mutations a prior iteration's body made
// persist into the next one: only the loop-var keys themselves are
// stripped between iterations (see withoutLoopVars), never the whole
// context.
func withLoopVars(ctxValue interface{}, eachName string, item interface{}, atName string, index int) interface{} {
	merged := map[string]interface{}{
		eachName: item,
		atName:   index,
	}
	if m, ok := ctxValue.(map[string]interface{}); ok {
		for k, v := range m {
			if k == eachName || k == atName {
				continue
			}
			merged[k] = v
		}
	} else if ctxValue != nil {
		merged["context"] = ctxValue
	}
	return merged
}

// withoutLoopVars strips the loop-var keys a completed iteration bound,
// leaving every other context field (including ones the iteration's body
// itself set) intact for the next iteration.
func withoutLoopVars(ctxValue interface{}, eachName, atName string) interface{} {
	m, ok := ctxValue.(map[string]interface{})
	if !ok {
		return ctxValue
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == eachName || k == atName {
			continue
		}
		out[k] = v
	}
	return out
}

// runFork executes every branch concurrently against an independent copy of
// $context. In "all" mode every branch runs to completion and the outputs
// join into an object keyed by branch name; in "compete" mode the first
// branch to complete successfully wins outright (its raw output, unwrapped)
// and the rest are cancelled.
func (s *Scheduler) runFork(ctx context.Context, state *runState, t *domain.ForkTask, name string) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	if t.Fork.Branches == nil || t.Fork.Branches.Len() == 0 {
		return mustMarshal(state.context), nil, flowOutcome{}
	}

	type branchResult struct {
		name    string
		context interface{}
		problem *domain.ProblemDetails
		flow    flowOutcome
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type branch struct {
		name string
		task domain.TaskDefinition
	}
	branches := make([]branch, 0, t.Fork.Branches.Len())
	for pair := t.Fork.Branches.Oldest(); pair != nil; pair = pair.Next() {
		branches = append(branches, branch{pair.Key, pair.Value})
	}

	results := make(chan branchResult, len(branches))
	for _, b := range branches {
		b := b
		go func() {
			branchState := &runState{instance: state.instance, doc: state.doc, context: state.context}
			branchList := domain.NewTaskList()
			branchList.Set(b.name, b.task)
			flow, problem := s.runTaskList(branchCtx, branchState, branchList, name)
			results <- branchResult{name: b.name, context: branchState.context, problem: problem, flow: flow}
		}()
	}

	if t.Fork.Mode() == domain.ForkModeCompete {
		var firstProblem *domain.ProblemDetails
		for i := 0; i < len(branches); i++ {
			r := <-results
			if r.problem == nil && !r.flow.cancelled {
				cancel()
				return mustMarshal(r.context), nil, flowOutcome{}
			}
			if firstProblem == nil {
				firstProblem = r.problem
			}
		}
		if firstProblem != nil {
			return nil, firstProblem, flowOutcome{}
		}
		return nil, nil, flowOutcome{cancelled: true}
	}

	collected := make(map[string]interface{}, len(branches))
	var firstProblem *domain.ProblemDetails
	for i := 0; i < len(branches); i++ {
		r := <-results
		if r.flow.cancelled {
			return nil, nil, flowOutcome{cancelled: true}
		}
		if r.problem != nil && firstProblem == nil {
			firstProblem = r.problem
			continue
		}
		collected[r.name] = r.context
	}
	if firstProblem != nil {
		return nil, firstProblem, flowOutcome{}
	}
	return mustMarshal(collected), nil, flowOutcome{}
}

// runTry runs the try list, retrying per Catch.Retry's policy on a matching
// error and finally falling through to Catch.Do (if any) once retries are
// exhausted or the error isn't retried at all.
func (s *Scheduler) runTry(ctx context.Context, state *runState, t *domain.TryTask, name string) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	var policy *domain.RetryPolicy
	if t.Catch.Retry != nil {
		resolved, problem := s.resolveRetryPolicy(t.Catch.Retry, state.doc, name)
		if problem != nil {
			return nil, problem, flowOutcome{}
		}
		policy = resolved
	}

	attempt := 1
	startedAt := time.Now()

	for {
		snapshot := state.context
		flow, problem := s.runTaskList(ctx, state, t.Try, name)
		if problem == nil {
			if flow.cancelled || flow.end {
				return nil, nil, flow
			}
			return mustMarshal(state.context), nil, flowOutcome{}
		}
		if flow.cancelled {
			return nil, nil, flow
		}
		matched, matchProblem := s.matchesCatch(ctx, state, t.Catch, problem, name)
		if matchProblem != nil {
			return nil, matchProblem, flowOutcome{}
		}
		if !matched {
			return nil, problem, flowOutcome{}
		}

		state.context = snapshot

		if policy != nil && !retryLimitExceeded(policy, attempt, time.Since(startedAt)) {
			if _, err := s.appendInstanceEvent(ctx, state.instance, domain.EventTaskRetried, domain.TaskLifecyclePayload{
				TaskReference: name,
				Attempt:       attempt,
				Error:         problem,
			}); err != nil {
				return nil, domain.RuntimeProblem("event-append-failed", err.Error(), "/"+name), flowOutcome{}
			}
			select {
			case <-ctx.Done():
				return nil, nil, flowOutcome{cancelled: true}
			case <-time.After(computeDelay(policy, attempt)):
			}
			attempt++
			continue
		}

		return s.runCatchBody(ctx, state, t.Catch, problem, name)
	}
}

// matchesCatch decides, once per failure and before any retry-or-catch
// action is taken, whether a Try's catch block applies: the static `with`
// filters and the optional dynamic `when`/`exceptWhen` expressions are one
// joint decision, not a filter check now and a dynamic check later, so a
// Try whose `when` ultimately rejects the error never spends a retry budget
// on it. `when`/`exceptWhen` see the error bound under its catch.as name
// (or "error" if unset), the same binding runCatchBody uses.
func (s *Scheduler) matchesCatch(ctx context.Context, state *runState, catch domain.CatchSpec, problem *domain.ProblemDetails, name string) (bool, *domain.ProblemDetails) {
	if !matchesCatchFilter(catch, problem) {
		return false, nil
	}
	if catch.When == "" && catch.ExceptWhen == "" {
		return true, nil
	}

	problemGeneric, err := expr.ToGeneric(problem)
	if err != nil {
		return false, domain.RuntimeProblem("catch-error-marshal-failed", err.Error(), "/"+name+"/catch")
	}
	boundContext := mergeCatchVar(state.context, catchVarName(catch), problemGeneric)
	env := s.environment(boundContext, nil, state.instance, state.doc, name)

	if catch.When != "" {
		truthy, err := s.Evaluator.EvaluateLoose(ctx, catch.When, env)
		if err != nil {
			return false, toExpressionProblem(err, "/"+name+"/catch/when")
		}
		if !isTruthy(truthy) {
			return false, nil
		}
	}
	if catch.ExceptWhen != "" {
		truthy, err := s.Evaluator.EvaluateLoose(ctx, catch.ExceptWhen, env)
		if err != nil {
			return false, toExpressionProblem(err, "/"+name+"/catch/exceptWhen")
		}
		if isTruthy(truthy) {
			return false, nil
		}
	}
	return true, nil
}

// runCatchBody binds the caught error and executes catch.do. Matching is
// already decided by matchesCatch by the time this runs. A catch with no
// recovery do never counts as having handled the error — whether it's
// reached immediately or only after retries are exhausted, the original
// problem propagates, per spec.md §4.4.5 ("the final error propagates");
// only a do branch that actually runs and completes recovers the Try.
func (s *Scheduler) runCatchBody(ctx context.Context, state *runState, catch domain.CatchSpec, problem *domain.ProblemDetails, name string) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	if catch.Do == nil {
		return nil, problem, flowOutcome{}
	}

	problemGeneric, err := expr.ToGeneric(problem)
	if err != nil {
		return nil, domain.RuntimeProblem("catch-error-marshal-failed", err.Error(), "/"+name+"/catch"), flowOutcome{}
	}
	state.context = mergeCatchVar(state.context, catchVarName(catch), problemGeneric)

	flow, doProblem := s.runTaskList(ctx, state, catch.Do, name)
	if doProblem != nil {
		return nil, doProblem, flowOutcome{}
	}
	if flow.cancelled || flow.end {
		return nil, nil, flow
	}
	return mustMarshal(state.context), nil, flowOutcome{}
}

// catchVarName is the context key the caught error is bound under: catch.as
// if given, "error" otherwise.
func catchVarName(catch domain.CatchSpec) string {
	if catch.As != "" {
		return catch.As
	}
	return "error"
}

// matchesCatchFilter checks only the static `with` filters (type, status,
// instance, title, detail exact-match); an absent Errors block matches
// everything.
func matchesCatchFilter(catch domain.CatchSpec, problem *domain.ProblemDetails) bool {
	if catch.Errors == nil {
		return true
	}
	f := catch.Errors.With
	if f.Type != "" && f.Type != problem.Type {
		return false
	}
	if f.Status != 0 && f.Status != problem.Status {
		return false
	}
	if f.Instance != "" && f.Instance != problem.Instance {
		return false
	}
	if f.Title != "" && f.Title != problem.Title {
		return false
	}
	if f.Detail != "" && f.Detail != problem.Detail {
		return false
	}
	return true
}

// mergeCatchVar binds the caught error under catch.as, preserving the
// surrounding context's fields the same way withLoopVars does for For.
func mergeCatchVar(ctxValue interface{}, as string, errValue interface{}) interface{} {
	merged := map[string]interface{}{as: errValue}
	if m, ok := ctxValue.(map[string]interface{}); ok {
		for k, v := range m {
			if k == as {
				continue
			}
			merged[k] = v
		}
	}
	return merged
}

// resolveRaise turns a RaiseSpec into the Problem Details it synthesizes,
// resolving a use.errors reference by name if the error wasn't given inline.
func (s *Scheduler) resolveRaise(spec domain.RaiseSpec, doc *domain.WorkflowDocument, name string) (*domain.ProblemDetails, *domain.ProblemDetails) {
	if spec.Error != nil {
		spec.Error.Kind = domain.ProblemKindUserRaised
		return spec.Error, nil
	}
	if spec.ErrorRef == "" {
		return nil, domain.RuntimeProblem("raise-missing-error", "raise task declares neither an inline error nor an error reference", "/"+name+"/raise")
	}
	if doc.Use == nil {
		return nil, domain.ValidationProblem("raise-ref-unresolved", "no use.errors block to resolve "+spec.ErrorRef, "/"+name+"/raise")
	}
	def, ok := doc.Use.Errors[spec.ErrorRef]
	if !ok {
		return nil, domain.ValidationProblem("raise-ref-unresolved", "use.errors has no entry named "+spec.ErrorRef, "/"+name+"/raise")
	}
	resolved := def
	resolved.Kind = domain.ProblemKindUserRaised
	return &resolved, nil
}

// resolveRetryPolicy resolves a Catch.Retry reference to its policy, either
// inline or by name against use.retries.
func (s *Scheduler) resolveRetryPolicy(ref *domain.RetryRef, doc *domain.WorkflowDocument, name string) (*domain.RetryPolicy, *domain.ProblemDetails) {
	if ref.Policy != nil {
		return ref.Policy, nil
	}
	if ref.Name == "" {
		return nil, nil
	}
	if doc.Use == nil {
		return nil, domain.ValidationProblem("retry-ref-unresolved", "no use.retries block to resolve "+ref.Name, "/"+name+"/catch/retry")
	}
	policy, ok := doc.Use.Retries[ref.Name]
	if !ok {
		return nil, domain.ValidationProblem("retry-ref-unresolved", "use.retries has no entry named "+ref.Name, "/"+name+"/catch/retry")
	}
	return &policy, nil
}

// resolveTimeout resolves a TaskBase/WorkflowDocument Timeout to a concrete
// deadline duration, either inline or by name against use.timeouts. ok is
// false when timeout is nil, meaning no deadline is declared at this level.
func (s *Scheduler) resolveTimeout(ctx context.Context, timeout *domain.TimeoutDefinition, doc *domain.WorkflowDocument, state *runState, name string) (time.Duration, bool, *domain.ProblemDetails) {
	if timeout == nil {
		return 0, false, nil
	}
	if timeout.Duration != nil {
		d, problem := s.resolveDuration(ctx, timeout.Duration, state, name)
		return d, problem == nil, problem
	}
	if timeout.Name == "" {
		return 0, false, nil
	}
	if doc.Use == nil {
		return 0, false, domain.ValidationProblem("timeout-ref-unresolved", "no use.timeouts block to resolve "+timeout.Name, "/"+name+"/timeout")
	}
	named, ok := doc.Use.Timeouts[timeout.Name]
	if !ok {
		return 0, false, domain.ValidationProblem("timeout-ref-unresolved", "use.timeouts has no entry named "+timeout.Name, "/"+name+"/timeout")
	}
	d, problem := s.resolveDuration(ctx, &named, state, name)
	return d, problem == nil, problem
}

// runEmit resolves the CloudEvent template's expression-bearing fields and
// publishes the resulting envelope.
func (s *Scheduler) runEmit(ctx context.Context, state *runState, t *domain.EmitTask, name string) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	if s.Publisher == nil {
		return nil, domain.RuntimeProblem("no-event-publisher", "no EventPublisher configured to emit events", "/"+name), flowOutcome{}
	}

	env := s.environment(state.context, nil, state.instance, state.doc, name)
	resolvedGeneric, err := evalTemplate(ctx, s.Evaluator, cloudEventToGeneric(t.Emit.Event), env)
	if err != nil {
		return nil, toExpressionProblem(err, "/"+name+"/emit"), flowOutcome{}
	}
	envelope, err := genericToCloudEvent(resolvedGeneric)
	if err != nil {
		return nil, domain.RuntimeProblem("emit-envelope-invalid", err.Error(), "/"+name+"/emit"), flowOutcome{}
	}
	if envelope.ID == "" {
		envelope.ID = domain.NewInstanceID()
	}
	if envelope.Source == "" {
		envelope.Source = state.doc.Ref().String()
	}

	if err := s.Publisher.Publish(ctx, envelope); err != nil {
		return nil, domain.CommunicationProblem("emit-failed", err.Error(), "/"+name), flowOutcome{}
	}
	return mustMarshal(envelope), nil, flowOutcome{}
}

func cloudEventToGeneric(e domain.CloudEventTemplate) interface{} {
	data, err := json.Marshal(e)
	if err != nil {
		return map[string]interface{}{}
	}
	var generic interface{}
	_ = json.Unmarshal(data, &generic)
	return generic
}

func genericToCloudEvent(v interface{}) (domain.CloudEventTemplate, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return domain.CloudEventTemplate{}, err
	}
	var e domain.CloudEventTemplate
	if err := json.Unmarshal(data, &e); err != nil {
		return domain.CloudEventTemplate{}, err
	}
	return e, nil
}

// runWait suspends the task for the resolved duration, honoring
// cancellation as an early exit rather than an error.
func (s *Scheduler) runWait(ctx context.Context, state *runState, t *domain.WaitTask, name string) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	duration, problem := s.resolveDuration(ctx, &t.Wait, state, name)
	if problem != nil {
		return nil, problem, flowOutcome{}
	}
	select {
	case <-ctx.Done():
		return nil, nil, flowOutcome{cancelled: true}
	case <-time.After(duration):
	}
	return mustMarshal(state.context), nil, flowOutcome{}
}

func (s *Scheduler) resolveDuration(ctx context.Context, d *domain.Duration, state *runState, name string) (time.Duration, *domain.ProblemDetails) {
	if d.IsFixed {
		return d.Fixed, nil
	}
	env := s.environment(state.context, nil, state.instance, state.doc, name)
	value, err := s.Evaluator.EvaluateLoose(ctx, d.Expression, env)
	if err != nil {
		return 0, toExpressionProblem(err, "/"+name+"/wait")
	}
	str, ok := value.(string)
	if !ok {
		return 0, domain.ValidationProblem("wait-not-duration", fmt.Sprintf("wait expression did not evaluate to a duration string (got %T)", value), "/"+name+"/wait")
	}
	parsed, err := domain.ParseISO8601Duration(str)
	if err != nil {
		return 0, domain.ValidationProblem("wait-invalid-duration", err.Error(), "/"+name+"/wait")
	}
	return parsed, nil
}

// dispatchFingerprint resolves a Call task's `with` arguments (Run tasks
// carry none) and computes the cache fingerprint for the invocation, shared
// between runDispatch and runTask's pre-TaskStarted cache peek so both agree
// on exactly what is being looked up.
func (s *Scheduler) dispatchFingerprint(ctx context.Context, state *runState, task domain.TaskDefinition, name string, resolvedInput json.RawMessage) (json.RawMessage, string, *domain.ProblemDetails) {
	args := resolvedInput
	if callTask, ok := task.(*domain.CallTask); ok && len(callTask.With) > 0 {
		env := s.environment(state.context, nil, state.instance, state.doc, name)
		resolved, err := evalTemplate(ctx, s.Evaluator, map[string]interface{}(callTask.With), env)
		if err != nil {
			return nil, "", toExpressionProblem(err, "/"+name+"/with")
		}
		args = mustMarshal(resolved)
	}

	fingerprint, err := domain.Fingerprint(domain.FingerprintInput{
		TaskKind:       task.Kind(),
		TaskDefinition: task,
		ResolvedInput:  json.RawMessage(args),
	})
	if err != nil {
		return nil, "", domain.RuntimeProblem("fingerprint-failed", err.Error(), "/"+name)
	}
	return args, fingerprint, nil
}

// isCacheableDispatch reports whether task is a Call or Run task, the only
// kinds that go through the fingerprint/cache pipeline.
func isCacheableDispatch(task domain.TaskDefinition) bool {
	switch task.(type) {
	case *domain.CallTask, *domain.RunTask:
		return true
	default:
		return false
	}
}

// runDispatch handles Call and Run tasks: resolve any expression-bearing
// arguments, fingerprint the invocation, consult the cache, and delegate to
// the Dispatcher on a miss, coordinating with concurrent callers so a given
// fingerprint executes effectively once.
func (s *Scheduler) runDispatch(ctx context.Context, state *runState, task domain.TaskDefinition, name string, resolvedInput json.RawMessage) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	if s.Dispatcher == nil {
		return nil, domain.RuntimeProblem("no-dispatcher", "no Dispatcher configured to execute call/run tasks", "/"+name), flowOutcome{}
	}

	args, fingerprint, problem := s.dispatchFingerprint(ctx, state, task, name, resolvedInput)
	if problem != nil {
		return nil, problem, flowOutcome{}
	}

	dispatchCtx := dispatch.DispatchContext{
		InstanceID:  state.instance.ID,
		WorkflowRef: state.instance.WorkflowRef,
		Registry:    s.Registry,
	}
	if state.doc.Use != nil {
		dispatchCtx.Authentications = state.doc.Use.Authentications
	}

	if s.Cache == nil {
		outcome, err := s.Dispatcher.Dispatch(ctx, task, args, dispatchCtx)
		if err != nil {
			return nil, domain.CommunicationProblem("dispatch-failed", err.Error(), "/"+name), flowOutcome{}
		}
		if outcome.Error != nil {
			return nil, outcome.Error, flowOutcome{}
		}
		return outcome.Output, nil, flowOutcome{}
	}

	if entry, hit, err := s.Cache.Get(ctx, fingerprint); err == nil && hit {
		return entry.Output, nil, flowOutcome{}
	}

	isLeader, release, err := s.Cache.Coordinate(ctx, fingerprint)
	if err != nil {
		return nil, domain.RuntimeProblem("cache-coordination-failed", err.Error(), "/"+name), flowOutcome{}
	}
	defer release()

	if !isLeader {
		return s.awaitCacheEntry(ctx, fingerprint, name)
	}

	outcome, err := s.Dispatcher.Dispatch(ctx, task, args, dispatchCtx)
	if err != nil {
		return nil, domain.CommunicationProblem("dispatch-failed", err.Error(), "/"+name), flowOutcome{}
	}
	if outcome.Error != nil {
		return nil, outcome.Error, flowOutcome{}
	}
	if err := s.Cache.Put(ctx, domain.CacheEntry{
		Fingerprint: fingerprint,
		Input:       args,
		Output:      outcome.Output,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		s.log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("failed to cache task output")
	}
	return outcome.Output, nil, flowOutcome{}
}

// awaitCacheEntry polls for the leader's result after losing Coordinate.
func (s *Scheduler) awaitCacheEntry(ctx context.Context, fingerprint, name string) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	const pollInterval = 20 * time.Millisecond
	const maxPolls = 500
	for i := 0; i < maxPolls; i++ {
		if entry, hit, err := s.Cache.Get(ctx, fingerprint); err == nil && hit {
			return entry.Output, nil, flowOutcome{}
		}
		select {
		case <-ctx.Done():
			return nil, nil, flowOutcome{cancelled: true}
		case <-time.After(pollInterval):
		}
	}
	return nil, domain.RuntimeProblem("cache-coordination-timeout", "leader did not publish a result for fingerprint "+fingerprint, "/"+name), flowOutcome{}
}

// runListen suspends until the declared sources satisfy the listen
// strategy: "one" and "any" resolve on the first event, "all" waits for one
// per declared source. Each delivered event is reshaped per listen.read
// before it counts toward the strategy or feeds foreach; listen.until is
// re-evaluated after every event (including ones foreach just consumed) so
// the listener can stop early regardless of how many sources are declared.
func (s *Scheduler) runListen(ctx context.Context, state *runState, t *domain.ListenTask, name string) (json.RawMessage, *domain.ProblemDetails, flowOutcome) {
	if s.Listener == nil {
		return nil, domain.RuntimeProblem("no-listener", "no ListenerAdapter configured to receive events", "/"+name), flowOutcome{}
	}
	events, err := s.Listener.Listen(ctx, t.Listen)
	if err != nil {
		return nil, domain.CommunicationProblem("listen-failed", err.Error(), "/"+name), flowOutcome{}
	}

	needed := len(t.Listen.Sources)
	if needed == 0 || t.Listen.Strategy == domain.ListenStrategyOne || t.Listen.Strategy == domain.ListenStrategyAny {
		needed = 1
	}

	eachName, atName := "event", "index"
	if t.Foreach != nil {
		if t.Foreach.Each != "" {
			eachName = t.Foreach.Each
		}
		if t.Foreach.At != "" {
			atName = t.Foreach.At
		}
	}

	received := make([]json.RawMessage, 0, needed)
	sourcesSeen := make(map[int]struct{}, needed)
	index := 0

listenLoop:
	for {
		select {
		case <-ctx.Done():
			return nil, nil, flowOutcome{cancelled: true}
		case ev, ok := <-events:
			if !ok {
				return nil, domain.CommunicationProblem("listen-closed", "event source closed before satisfying the listen strategy", "/"+name), flowOutcome{}
			}
			if ev.Err != nil {
				return nil, ev.Err, flowOutcome{}
			}

			body, readErr := readListenBody(t.Listen.Read, ev.Body)
			if readErr != nil {
				return nil, domain.RuntimeProblem("listen-read-failed", readErr.Error(), "/"+name+"/listen"), flowOutcome{}
			}
			received = append(received, body)
			sourcesSeen[ev.SourceIndex] = struct{}{}

			if t.Foreach != nil && t.Foreach.Do != nil {
				var eventGeneric interface{}
				if len(body) > 0 {
					if err := json.Unmarshal(body, &eventGeneric); err != nil {
						return nil, domain.RuntimeProblem("listen-foreach-unmarshal-failed", err.Error(), "/"+name+"/foreach"), flowOutcome{}
					}
				}
				state.context = withLoopVars(state.context, eachName, eventGeneric, atName, index)
				flow, problem := s.runTaskList(ctx, state, t.Foreach.Do, name)
				state.context = withoutLoopVars(state.context, eachName, atName)
				if problem != nil {
					return nil, problem, flowOutcome{}
				}
				if flow.cancelled || flow.end {
					return nil, nil, flow
				}
			}
			index++

			if t.Listen.Until != "" {
				terminate, problem := s.evalListenUntil(ctx, state, t.Listen.Until, name)
				if problem != nil {
					return nil, problem, flowOutcome{}
				}
				if terminate {
					break listenLoop
				}
			}
		}
		if t.Listen.Strategy == domain.ListenStrategyAny || len(sourcesSeen) >= needed {
			break listenLoop
		}
	}

	if t.Foreach != nil && t.Foreach.Do != nil {
		return mustMarshal(state.context), nil, flowOutcome{}
	}
	if len(received) == 1 {
		return received[0], nil, flowOutcome{}
	}
	return mustMarshal(received), nil, flowOutcome{}
}

// evalListenUntil re-evaluates listen.until against the current context
// after a delivered event (and any foreach body it ran) has been applied,
// letting the listener stop before its declared sources/strategy would
// otherwise be satisfied.
func (s *Scheduler) evalListenUntil(ctx context.Context, state *runState, expression, name string) (bool, *domain.ProblemDetails) {
	env := s.environment(state.context, nil, state.instance, state.doc, name)
	result, err := s.Evaluator.EvaluateLoose(ctx, expression, env)
	if err != nil {
		return false, toExpressionProblem(err, "/"+name+"/listen/until")
	}
	return isTruthy(result), nil
}

// readListenBody reshapes one delivered event per listen.read: "raw" (the
// default) passes the body through unchanged, "envelope" parses it into the
// canonical CloudEvents 1.0 field set, and "data" surfaces just the
// envelope's data payload, falling back to the raw body when it was never
// CloudEvents-shaped to begin with.
func readListenBody(mode domain.ListenReadMode, body json.RawMessage) (json.RawMessage, error) {
	switch mode {
	case "", domain.ListenReadRaw:
		return body, nil
	case domain.ListenReadEnvelope:
		envelope, err := genericToCloudEvent(bodyToGeneric(body))
		if err != nil {
			return nil, err
		}
		return mustMarshal(envelope), nil
	case domain.ListenReadData:
		envelope, err := genericToCloudEvent(bodyToGeneric(body))
		if err != nil {
			return nil, err
		}
		if envelope.Data != nil {
			return mustMarshal(envelope.Data), nil
		}
		return body, nil
	default:
		return body, nil
	}
}

func bodyToGeneric(body json.RawMessage) interface{} {
	var generic interface{}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &generic)
	}
	return generic
}
