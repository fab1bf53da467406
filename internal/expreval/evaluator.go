// Package expreval evaluates the conservative JavaScript-like expression
// subset used by condition checks and {{ }} template interpolation
// (spec §4.3). It embeds github.com/expr-lang/expr the same way the
// teacher's ConditionEvaluator and TemplateProcessor do: compile once,
// cache the compiled program, run against a per-call environment map.
//
// The restricted grammar is enforced structurally: expr-lang's own syntax
// has no regex literals, function declarations, or prototype access, so
// compiling against it already rejects the beyond-spec constructs the
// spec's §9 open question calls out. The builtin surface is capped to the
// now()/JSON.*/Math.* functions registered below plus expr-lang's native
// operators and sequence/string builtins (len, filter, map, reduce, any,
// all, find, findIndex, hasPrefix, hasSuffix, indexOf, upper, lower,
// split, join, trim), which already cover the method set named in §4.3.
package expreval

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	domerrors "github.com/aroton/aromcp/internal/domain/errors"
)

// Clock supplies the current time for now(), overridable for deterministic
// tests (SPEC_FULL.md's supplemented now()-determinism feature).
type Clock func() time.Time

var fragmentPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Evaluator compiles and runs condition and template expressions, caching
// compiled programs the way the teacher's ConditionEvaluator does.
type Evaluator struct {
	mu        sync.RWMutex
	compiled  map[string]*vm.Program
	clock     Clock
}

// New returns an Evaluator using time.Now for now().
func New() *Evaluator {
	return &Evaluator{compiled: make(map[string]*vm.Program), clock: time.Now}
}

// WithClock returns an Evaluator using clock for now() instead of time.Now.
func (e *Evaluator) WithClock(clock Clock) *Evaluator {
	return &Evaluator{compiled: make(map[string]*vm.Program), clock: clock}
}

func (e *Evaluator) getCompiled(src string, opts ...expr.Option) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.compiled[src]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	program, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, domerrors.Wrap(domerrors.KindExpression,
			fmt.Sprintf("failed to compile expression %q", src), err)
	}

	e.mu.Lock()
	e.compiled[src] = program
	e.mu.Unlock()
	return program, nil
}

// builtins returns the functions and namespaces exposed to every
// expression: now(), JSON.parse/stringify, Math.* basics.
func (e *Evaluator) builtins() map[string]any {
	return map[string]any{
		"now": func() string { return e.clock().UTC().Format(time.RFC3339) },
		"JSON": map[string]any{
			"parse": func(s string) (any, error) {
				var v any
				if err := json.Unmarshal([]byte(s), &v); err != nil {
					return nil, fmt.Errorf("JSON.parse: %w", err)
				}
				return v, nil
			},
			"stringify": func(v any) (string, error) {
				b, err := json.Marshal(v)
				if err != nil {
					return "", fmt.Errorf("JSON.stringify: %w", err)
				}
				return string(b), nil
			},
		},
		"Math": map[string]any{
			"floor": func(x float64) float64 { return math.Floor(x) },
			"ceil":  func(x float64) float64 { return math.Ceil(x) },
			"round": func(x float64) float64 { return math.Round(x) },
			"abs":   func(x float64) float64 { return math.Abs(x) },
			"sqrt":  func(x float64) float64 { return math.Sqrt(x) },
			"pow":   func(x, y float64) float64 { return math.Pow(x, y) },
			"max":   func(x, y float64) float64 { return math.Max(x, y) },
			"min":   func(x, y float64) float64 { return math.Min(x, y) },
		},
	}
}

func (e *Evaluator) env(vars map[string]any) map[string]any {
	out := e.builtins()
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// EvalCondition evaluates a boolean expression against the supplied
// flattened view + loop vars (spec §4.3 conditions surface). Conditions are
// authored as a bare expression ("state.x > 0"), but a workflow that wraps
// one in a template fragment ("{{ state.x > 0 }}") out of habit still works:
// the wrapper is stripped before compiling.
func (e *Evaluator) EvalCondition(expression string, vars map[string]any) (bool, error) {
	if m := wholeFragmentPattern.FindStringSubmatch(expression); m != nil {
		expression = m[1]
	}
	env := e.env(vars)
	program, err := e.getCompiled(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		// Fallback: compile without a fixed env type so late-bound paths
		// (maps added per-call) don't fail compile-time type inference,
		// mirroring the teacher's ConditionEvaluator fallback.
		program, err = e.getCompiled(expression, expr.AsBool())
		if err != nil {
			return false, err
		}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, e.softenEvalError(expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, domerrors.New(domerrors.KindExpression,
			fmt.Sprintf("expression %q did not evaluate to a boolean", expression))
	}
	return b, nil
}

// Eval evaluates an arbitrary-result expression (used for computed-field
// transforms and foreach.items).
func (e *Evaluator) Eval(expression string, vars map[string]any) (any, error) {
	env := e.env(vars)
	program, err := e.getCompiled(expression, expr.Env(env), expr.AsAny())
	if err != nil {
		program, err = e.getCompiled(expression, expr.AsAny())
		if err != nil {
			return nil, err
		}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, e.softenEvalError(expression, err)
	}
	return out, nil
}

// wholeFragmentPattern matches a template string that is nothing but a
// single {{ expr }} fragment, with no surrounding text.
var wholeFragmentPattern = regexp.MustCompile(`^\{\{\s*(.*?)\s*\}\}$`)

// EvalValue resolves a step field that may be a typed literal, a bare
// `{{ expr }}` fragment (returned with its native type, e.g. a number or a
// mapping), or free text mixing literal characters with fragments (string
// result via EvalTemplate). This lets state_update.value reference, say,
// `{{ state.sum + item.id }}` and get back a number rather than its
// stringified printer form (spec §4.2 numeric operations; §4.3 only
// mandates stringification for mixed template text).
func (e *Evaluator) EvalValue(value any, vars map[string]any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	if m := wholeFragmentPattern.FindStringSubmatch(s); m != nil {
		return e.Eval(m[1], vars)
	}
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	return e.EvalTemplate(s, vars)
}

// EvalTemplate interpolates every {{ expr }} fragment in template against
// vars, coercing results with the canonical printer (spec §4.3).
func (e *Evaluator) EvalTemplate(template string, vars map[string]any) (string, error) {
	var firstErr error
	result := fragmentPattern.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := fragmentPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		out, err := e.Eval(sub[1], vars)
		if err != nil {
			firstErr = err
			return match
		}
		return Print(out)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// CompileCheck validates that expression compiles under the restricted
// grammar, without requiring a concrete environment — used by the loader
// (spec §4.1) to reject malformed or beyond-spec expressions at load time.
func (e *Evaluator) CompileCheck(expression string) error {
	_, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return domerrors.Wrap(domerrors.KindValidation,
			fmt.Sprintf("invalid expression %q", expression), err)
	}
	return nil
}

var notFoundPatterns = []string{"cannot fetch", "undefined", "unknown name", "nil pointer", "not found", "no such key"}

// softenEvalError wraps a raw expr-lang runtime error into the engine's
// WorkflowError shape, classifying reference/undefined errors distinctly
// from other evaluation failures the way the teacher's
// handleEvaluationError does.
func (e *Evaluator) softenEvalError(expression string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, p := range notFoundPatterns {
		if strings.Contains(msg, p) {
			return domerrors.Wrap(domerrors.KindExpression,
				fmt.Sprintf("undefined reference while evaluating %q", expression), err)
		}
	}
	return domerrors.Wrap(domerrors.KindExpression,
		fmt.Sprintf("error evaluating %q", expression), err)
}

// Print renders a value using the template printer rules (spec §4.3):
// canonical decimal numbers, lowercase booleans, "null", JSON for
// mappings/sequences.
func Print(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int, int64, int32:
		return fmt.Sprintf("%d", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
