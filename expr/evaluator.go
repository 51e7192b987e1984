package expr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"flowcore/domain"
)

// Evaluator is the narrow contract the scheduler drives every input/output
// filter, guard, and flow expression through: evaluate(expression,
// environment) -> Value | ExpressionError.
type Evaluator interface {
	// EvaluateStrict evaluates a `${ … }`-wrapped expression: only the
	// enclosed text is evaluated, surrounding literal text is preserved and
	// string-interpolated.
	EvaluateStrict(ctx context.Context, expression string, env Environment) (interface{}, error)
	// EvaluateLoose evaluates a value that is itself an expression, used in
	// input.from, output.as, when, and if.
	EvaluateLoose(ctx context.Context, expression string, env Environment) (interface{}, error)
}

// gojqEvaluator implements Evaluator with the itchyny/gojq JQ engine,
// compiling and caching each distinct query text.
type gojqEvaluator struct {
	mu    sync.Mutex
	cache map[string]*gojq.Code
}

// NewEvaluator returns an Evaluator backed by gojq.
func NewEvaluator() Evaluator {
	return &gojqEvaluator{cache: make(map[string]*gojq.Code)}
}

var strictExprPattern = regexp.MustCompile(`\$\{(.*?)\}`)

// EvaluateStrict finds every `${…}` span in expression. If the entire
// string is exactly one such span, the evaluated value is returned as-is
// (preserving its type); otherwise every span is stringified and spliced
// back into the surrounding literal text.
func (e *gojqEvaluator) EvaluateStrict(ctx context.Context, expression string, env Environment) (interface{}, error) {
	matches := strictExprPattern.FindAllStringSubmatchIndex(expression, -1)
	if len(matches) == 0 {
		return expression, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(expression) {
		inner := expression[matches[0][2]:matches[0][3]]
		return e.run(ctx, inner, env)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(expression[last:m[0]])
		inner := expression[m[2]:m[3]]
		value, err := e.run(ctx, inner, env)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(value))
		last = m[1]
	}
	sb.WriteString(expression[last:])
	return sb.String(), nil
}

// EvaluateLoose treats the whole string as a JQ expression.
func (e *gojqEvaluator) EvaluateLoose(ctx context.Context, expression string, env Environment) (interface{}, error) {
	trimmed := strings.TrimSpace(expression)
	// An empty or all-whitespace field evaluates to null. Any other text is
	// compiled as a JQ query as-is; plain literal text is not passed through
	// as a string.
	if trimmed == "" {
		return nil, nil
	}
	return e.run(ctx, trimmed, env)
}

func (e *gojqEvaluator) run(ctx context.Context, src string, env Environment) (interface{}, error) {
	if name, ok := unknownSecretRef(src, env.Secrets); ok {
		return nil, newExpressionError(src, fmt.Errorf("unknown secret %q: not declared in use.secrets", name))
	}

	code, err := e.compile(src)
	if err != nil {
		return nil, newExpressionError(src, err)
	}

	genericEnv, err := env.generic()
	if err != nil {
		return nil, newExpressionError(src, err)
	}

	iter := code.RunWithContext(ctx, genericEnv.rootInput, genericEnv.varValues...)
	value, hasResult := iter.Next()
	if !hasResult {
		// No output from the query itself (e.g. `empty`, a failed `select`),
		// not a suppressed error: the contract for this is already null.
		return nil, nil
	}
	if err, isErr := value.(error); isErr {
		var haltErr *gojq.HaltError
		if ok := asHaltError(err, &haltErr); ok {
			return nil, newExpressionError(src, haltErr)
		}
		if isNullOperandError(err) {
			// Division, indexing, or arithmetic where one operand was null:
			// degrades to null per the preprocessing contract, rather than
			// the blanket suppression that previously masked every runtime
			// error including genuine type mismatches like `1 + {}`.
			return nil, nil
		}
		return nil, newExpressionError(src, err)
	}
	return value, nil
}

// isNullOperandError reports whether err is gojq's runtime error for an
// operation where one side of the operation was null (e.g. `null / 2`,
// `.missing[]` where `.missing` resolved to null). gojq renders a null
// operand in these messages as a bare "null" ("cannot divide: null and
// number (2)", "cannot iterate over: null"); older releases rendered it as
// "null (null)", which is matched as well. A type mismatch between two
// non-null values (e.g. `1 + {}`) never matches this and is left to
// propagate as an ExpressionError.
func isNullOperandError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "null (null)") ||
		strings.Contains(msg, ": null and ") ||
		strings.HasSuffix(msg, " and null") ||
		strings.HasSuffix(msg, "iterate over: null")
}

var secretRefPattern = regexp.MustCompile(`\$secrets\.([A-Za-z_][A-Za-z0-9_]*)`)

// unknownSecretRef scans src for `$secrets.<name>` references and reports
// the first one not present among the declared secrets bound into env
// (expr.Environment.Secrets, a map[string]interface{} keyed by `use.secrets`
// names). The DSL leaves secret resolution otherwise unspecified, but an
// undeclared reference is a validation error, not a silent null: a typo'd
// secret name in an auth header is a worse failure mode than a loud one.
// Dynamic access (`$secrets[$name]`) is not caught by this syntactic check.
func unknownSecretRef(src string, secrets interface{}) (string, bool) {
	matches := secretRefPattern.FindAllStringSubmatch(src, -1)
	if len(matches) == 0 {
		return "", false
	}
	known, _ := secrets.(map[string]interface{})
	for _, m := range matches {
		if _, ok := known[m[1]]; !ok {
			return m[1], true
		}
	}
	return "", false
}

func asHaltError(err error, target **gojq.HaltError) bool {
	if h, ok := err.(*gojq.HaltError); ok {
		*target = h
		return true
	}
	return false
}

// compile parses and compiles src. Unlike wrapping the whole query in a
// trailing `?`, leaving the query as-is lets genuine type errors reach run,
// which narrows null-safety degradation to the specific null-operand cases
// isNullOperandError recognizes instead of swallowing every runtime error.
func (e *gojqEvaluator) compile(src string) (*gojq.Code, error) {
	e.mu.Lock()
	if code, ok := e.cache[src]; ok {
		e.mu.Unlock()
		return code, nil
	}
	e.mu.Unlock()

	query, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", src, err)
	}

	varNames := make([]string, len(variableNames))
	for i, n := range variableNames {
		varNames[i] = "$" + n
	}

	code, err := gojq.Compile(query, gojq.WithVariables(varNames))
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", src, err)
	}

	e.mu.Lock()
	e.cache[src] = code
	e.mu.Unlock()
	return code, nil
}

type genericEnvironment struct {
	rootInput interface{}
	varValues []interface{}
}

// generic converts the Environment's typed fields into gojq-compatible
// generic values ($context becomes the root input jq operates on, so
// bare `.foo` expressions read from context, matching Serverless Workflow
// convention).
func (e Environment) generic() (genericEnvironment, error) {
	root, err := ToGeneric(e.Context)
	if err != nil {
		return genericEnvironment{}, err
	}
	vals := e.values()
	generic := make([]interface{}, len(vals))
	for i, v := range vals {
		g, err := ToGeneric(v)
		if err != nil {
			return genericEnvironment{}, err
		}
		generic[i] = g
	}
	return genericEnvironment{rootInput: root, varValues: generic}, nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ExpressionError is returned when an expression fails to parse, compile,
// or evaluate to a well-typed value (e.g. adding an object to a number).
// It is surfaced to callers as a validation-kind domain.ProblemDetails.
type ExpressionError struct {
	Expression string
	Err        error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expression, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

func newExpressionError(expression string, err error) *ExpressionError {
	return &ExpressionError{Expression: expression, Err: err}
}

// ToProblemDetails converts an ExpressionError into the validation-kind
// Problem Details the scheduler propagates as the task's outcome.
func ToProblemDetails(err *ExpressionError, instancePointer string) *domain.ProblemDetails {
	return domain.ValidationProblem("expression-evaluation-failed", err.Error(), instancePointer)
}
