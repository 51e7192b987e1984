package validate

import (
	"fmt"

	"flowcore/domain"
)

// GraphValidator rejects a WorkflowDocument before any side effects: document
// metadata presence, `then` targets resolving to sibling task names or
// reserved directives, switch branches referencing defined targets, well
// formed try/catch retry policies, resolvable use-block references, and no
// document-level cycles in nested workflow references.
type GraphValidator struct {
	// ResolveNested resolves a nested workflow reference to detect cycles.
	// Nil disables cycle checking (e.g. when catalogs are not reachable at
	// validation time).
	ResolveNested func(ref domain.Ref) (*domain.WorkflowDocument, bool)
}

func NewGraphValidator() *GraphValidator {
	return &GraphValidator{}
}

// Validate returns the first validation-kind ProblemDetails found, or nil.
func (v *GraphValidator) Validate(doc *domain.WorkflowDocument) *domain.ProblemDetails {
	if doc.Document.Namespace == "" || doc.Document.Name == "" || doc.Document.Version == "" {
		return domain.ValidationProblem("document-metadata-missing", "document.namespace, document.name, and document.version are required", "/document")
	}
	if doc.Document.DSL == "" {
		return domain.ValidationProblem("document-dsl-missing", "document.dsl is required", "/document/dsl")
	}
	if doc.Do == nil || doc.Do.Len() == 0 {
		return domain.ValidationProblem("document-empty", "workflow document must declare at least one task in do", "/do")
	}

	if problem := v.validateTaskList(doc.Do, "/do", doc.Use); problem != nil {
		return problem
	}

	if doc.Use != nil {
		if problem := v.validateUseBlock(doc.Use); problem != nil {
			return problem
		}
	}

	if v.ResolveNested != nil {
		if problem := v.checkCycles(doc, map[domain.Ref]bool{doc.Ref(): true}); problem != nil {
			return problem
		}
	}

	return nil
}

func (v *GraphValidator) validateTaskList(list *domain.TaskList, pointer string, use *domain.UseBlock) *domain.ProblemDetails {
	names := make(map[string]bool)
	for _, name := range list.Names() {
		names[name] = true
	}

	for pair := list.Oldest(); pair != nil; pair = pair.Next() {
		taskPointer := fmt.Sprintf("%s/%s", pointer, pair.Key)
		task := pair.Value
		base := task.Base()

		if problem := validateThen(base.Then, names, taskPointer); problem != nil {
			return problem
		}

		switch t := task.(type) {
		case *domain.DoTask:
			if t.Do != nil {
				if problem := v.validateTaskList(t.Do, taskPointer+"/do", use); problem != nil {
					return problem
				}
			}
		case *domain.ForTask:
			if t.Do != nil {
				if problem := v.validateTaskList(t.Do, taskPointer+"/do", use); problem != nil {
					return problem
				}
			}
		case *domain.ForkTask:
			if t.Fork.Branches != nil {
				if problem := v.validateTaskList(t.Fork.Branches, taskPointer+"/fork/branches", use); problem != nil {
					return problem
				}
			}
		case *domain.TryTask:
			if t.Try != nil {
				if problem := v.validateTaskList(t.Try, taskPointer+"/try", use); problem != nil {
					return problem
				}
			}
			if t.Catch.Do != nil {
				if problem := v.validateTaskList(t.Catch.Do, taskPointer+"/catch/do", use); problem != nil {
					return problem
				}
			}
			if t.Catch.Retry != nil && t.Catch.Retry.Name != "" {
				if use == nil || use.Retries == nil {
					return domain.ValidationProblem("retry-ref-unresolved", fmt.Sprintf("retry %q is not declared in use.retries", t.Catch.Retry.Name), taskPointer+"/catch/retry")
				}
				if _, ok := use.Retries[t.Catch.Retry.Name]; !ok {
					return domain.ValidationProblem("retry-ref-unresolved", fmt.Sprintf("retry %q is not declared in use.retries", t.Catch.Retry.Name), taskPointer+"/catch/retry")
				}
			}
		case *domain.SwitchTask:
			hasDefault := false
			for _, c := range t.Switch {
				if c.When == "" {
					if hasDefault {
						return domain.ValidationProblem("switch-multiple-defaults", "switch declares more than one default branch", taskPointer+"/switch")
					}
					hasDefault = true
				}
				if problem := validateThen(c.Then, names, taskPointer+"/switch/"+c.Name); problem != nil {
					return problem
				}
			}
		case *domain.RaiseTask:
			if t.Raise.ErrorRef != "" {
				if use == nil || use.Errors == nil {
					return domain.ValidationProblem("error-ref-unresolved", fmt.Sprintf("error %q is not declared in use.errors", t.Raise.ErrorRef), taskPointer+"/raise")
				}
				if _, ok := use.Errors[t.Raise.ErrorRef]; !ok {
					return domain.ValidationProblem("error-ref-unresolved", fmt.Sprintf("error %q is not declared in use.errors", t.Raise.ErrorRef), taskPointer+"/raise")
				}
			}
		}
	}
	return nil
}

func validateThen(then string, siblings map[string]bool, pointer string) *domain.ProblemDetails {
	if then == "" {
		return nil
	}
	switch then {
	case domain.ThenContinue, domain.ThenEnd, domain.ThenExit:
		return nil
	}
	if !siblings[then] {
		return domain.ValidationProblem("then-target-unresolved", fmt.Sprintf("then %q does not name a sibling task or a reserved directive", then), pointer+"/then")
	}
	return nil
}

func (v *GraphValidator) validateUseBlock(use *domain.UseBlock) *domain.ProblemDetails {
	for name, retry := range use.Retries {
		if retry.Limit.Attempt == 0 && retry.Limit.Duration == nil {
			return domain.ValidationProblem("retry-policy-malformed", fmt.Sprintf("retry %q declares neither an attempt limit nor a duration limit", name), "/use/retries/"+name)
		}
	}
	return nil
}

// checkCycles walks nested workflow references reachable via Run tasks and
// rejects the document if any reference forms a cycle back to an ancestor.
func (v *GraphValidator) checkCycles(doc *domain.WorkflowDocument, ancestors map[domain.Ref]bool) *domain.ProblemDetails {
	return v.checkCyclesInList(doc.Do, ancestors)
}

func (v *GraphValidator) checkCyclesInList(list *domain.TaskList, ancestors map[domain.Ref]bool) *domain.ProblemDetails {
	if list == nil {
		return nil
	}
	for pair := list.Oldest(); pair != nil; pair = pair.Next() {
		switch t := pair.Value.(type) {
		case *domain.RunTask:
			if t.Run.Workflow == nil {
				continue
			}
			ref := domain.Ref{Namespace: t.Run.Workflow.Namespace, Name: t.Run.Workflow.Name, Version: t.Run.Workflow.Version}
			if ancestors[ref] {
				return domain.ValidationProblem("nested-workflow-cycle", fmt.Sprintf("nested workflow reference %s forms a cycle", ref), "/do")
			}
			nested, ok := v.ResolveNested(ref)
			if !ok {
				continue
			}
			nextAncestors := make(map[domain.Ref]bool, len(ancestors)+1)
			for k := range ancestors {
				nextAncestors[k] = true
			}
			nextAncestors[ref] = true
			if problem := v.checkCyclesInList(nested.Do, nextAncestors); problem != nil {
				return problem
			}
		case *domain.DoTask:
			if problem := v.checkCyclesInList(t.Do, ancestors); problem != nil {
				return problem
			}
		case *domain.ForTask:
			if problem := v.checkCyclesInList(t.Do, ancestors); problem != nil {
				return problem
			}
		case *domain.ForkTask:
			if problem := v.checkCyclesInList(t.Fork.Branches, ancestors); problem != nil {
				return problem
			}
		case *domain.TryTask:
			if problem := v.checkCyclesInList(t.Try, ancestors); problem != nil {
				return problem
			}
			if problem := v.checkCyclesInList(t.Catch.Do, ancestors); problem != nil {
				return problem
			}
		}
	}
	return nil
}
