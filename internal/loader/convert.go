package loader

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
	"github.com/aroton/aromcp/internal/expreval"
	"github.com/aroton/aromcp/internal/state"
)

var (
	namePattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+:[a-zA-Z0-9_-]+$`)
	semverPattern  = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
	templateFrag   = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
	exprRootIdent  = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\.`)
	builtinRoots   = map[string]bool{"Math": true, "JSON": true}
	allowedRoots   = map[string]bool{"inputs": true, "state": true, "computed": true}
)

// converter accumulates validation issues while walking a raw YAML file,
// matching the teacher importer's "collect ValidationErrors, convert only
// if clean" shape (see loader.go doc comment).
type converter struct {
	eval          *expreval.Evaluator
	issues        []string
	warnings      []string
	subAgentTasks map[string]*domain.SubAgentTaskDef
	stepCount     int
}

func newConverter(eval *expreval.Evaluator) *converter {
	return &converter{eval: eval, subAgentTasks: make(map[string]*domain.SubAgentTaskDef)}
}

func (c *converter) fail(location, format string, args ...any) {
	c.issues = append(c.issues, fmt.Sprintf("%s: %s", location, fmt.Sprintf(format, args...)))
}

func (c *converter) warn(location, format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf("%s: %s", location, fmt.Sprintf(format, args...)))
}

func (c *converter) asError() error {
	return domerrors.New(domerrors.KindValidation,
		fmt.Sprintf("workflow failed validation with %d issue(s): %s", len(c.issues), strings.Join(c.issues, "; ")))
}

func (c *converter) convert(raw *yamlFile) *domain.WorkflowDef {
	def := &domain.WorkflowDef{}

	if raw.Name == "" {
		c.fail("/name", "required field is missing")
	} else if !namePattern.MatchString(raw.Name) {
		c.fail("/name", "must match ns:id, got %q", raw.Name)
	} else {
		parts := strings.SplitN(raw.Name, ":", 2)
		def.Namespace, def.ID = parts[0], parts[1]
	}

	def.Description = raw.Description

	if raw.Version == "" {
		c.fail("/version", "required field is missing")
	} else if !semverPattern.MatchString(raw.Version) {
		c.fail("/version", "must be semver, got %q", raw.Version)
	}
	def.Version = raw.Version

	if raw.Config != nil {
		if ts, ok := raw.Config["timeout_seconds"]; ok {
			def.TimeoutSeconds = toInt(ts)
		}
	}

	def.DefaultState = map[string]any{}
	if raw.DefaultState != nil {
		if st, ok := raw.DefaultState["state"].(map[string]any); ok {
			def.DefaultState = st
		}
	}

	def.Inputs = c.convertInputs(raw.Inputs)
	def.StateSchema = c.convertStateSchema(raw.StateSchema)

	def.SubAgentTasks = c.convertSubAgentTasks(raw.SubAgentTasks)

	if len(raw.Steps) == 0 {
		c.fail("/steps", "must be a non-empty ordered list")
	}
	def.Steps = c.convertSteps(raw.Steps, "/steps", 0, map[string]bool{})

	return def
}

func (c *converter) convertInputs(raw map[string]any) map[string]*domain.VariableDefinition {
	out := make(map[string]*domain.VariableDefinition, len(raw))
	for name, v := range raw {
		spec, _ := v.(map[string]any)
		def := &domain.VariableDefinition{Name: name}
		if spec != nil {
			if t, ok := spec["type"].(string); ok {
				def.Type = domain.VariableType(t)
			}
			if req, ok := spec["required"].(bool); ok {
				def.Required = req
			}
			def.Default = spec["default"]
		}
		out[name] = def
	}
	return out
}

func (c *converter) convertStateSchema(raw map[string]any) *domain.StateSchema {
	schema := &domain.StateSchema{}
	if raw == nil {
		return schema
	}
	if inputs, ok := raw["inputs"].(map[string]any); ok {
		schema.Inputs = inputs
	}
	if st, ok := raw["state"].(map[string]any); ok {
		schema.State = st
	}
	computedRaw, _ := raw["computed"].([]any)
	for i, entryRaw := range computedRaw {
		loc := fmt.Sprintf("/state_schema/computed[%d]", i)
		entry, ok := entryRaw.(map[string]any)
		if !ok {
			c.fail(loc, "must be a mapping")
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			c.fail(loc, "computed field requires a name")
			continue
		}
		cf := &domain.ComputedFieldDef{Name: name}
		cf.DependsOn = toStringSlice(entry["depends_on"])
		expression, _ := entry["expression"].(string)
		if expression == "" {
			c.fail(loc, "computed field %q requires an expression", name)
		}
		cf.Expression = expression
		if c.eval != nil && expression != "" {
			if err := c.eval.CompileCheck(expression); err != nil {
				c.fail(loc, "computed field %q has an invalid expression: %v", name, err)
			}
		}
		policy := domain.ComputedErrorPolicy(stringOr(entry["error_policy"], string(domain.PolicyPropagate)))
		if !policy.IsValid() {
			c.fail(loc, "computed field %q has an invalid error_policy %q", name, policy)
			policy = domain.PolicyPropagate
		}
		cf.ErrorPolicy = policy
		if _, declared := entry["fallback_value"]; declared {
			cf.FallbackValue = entry["fallback_value"]
		} else {
			cf.FallbackZero = true
		}
		if cf.FallbackZero && policy == domain.PolicyUseFallback {
			c.warn(loc, "computed field %q uses error_policy use_fallback but declares no fallback_value; failures will fall back to nil", name)
		}
		schema.Computed = append(schema.Computed, cf)
	}

	if err := state.ValidateAcyclic(schema.Computed); err != nil {
		c.fail("/state_schema/computed", "dependency graph is cyclic: %v", err)
	}
	return schema
}

func (c *converter) convertSubAgentTasks(raw map[string]any) map[string]*domain.SubAgentTaskDef {
	out := make(map[string]*domain.SubAgentTaskDef, len(raw))
	for name, v := range raw {
		loc := fmt.Sprintf("/sub_agent_tasks/%s", name)
		spec, ok := v.(map[string]any)
		if !ok {
			c.fail(loc, "must be a mapping")
			continue
		}
		task := &domain.SubAgentTaskDef{Name: name}
		if schema, ok := spec["input_schema"].(map[string]any); ok {
			task.InputSchema = schema
		}
		if prompt, ok := spec["prompt_template"].(string); ok {
			task.PromptTemplate = prompt
		}
		if stepsRaw, ok := spec["steps"].([]any); ok {
			task.Steps = c.convertSteps(toMapSlice(stepsRaw), loc+"/steps", 0, map[string]bool{})
		}
		if task.PromptTemplate == "" && len(task.Steps) == 0 {
			c.fail(loc, "sub_agent_task requires either steps or a prompt_template")
		}
		out[name] = task
	}
	c.subAgentTasks = out
	return out
}

// convertSteps converts a list of raw step maps, threading loopDepth
// (>0 means break/continue are valid here) and scopeVars (loop vars
// visible to path validation in this lexical position) through nested
// control-flow bodies (spec §4.5 Variable scoping).
func (c *converter) convertSteps(raw []map[string]any, loc string, loopDepth int, scopeVars map[string]bool) []*domain.StepDef {
	out := make([]*domain.StepDef, 0, len(raw))
	for i, stepRaw := range raw {
		stepLoc := fmt.Sprintf("%s[%d]", loc, i)
		out = append(out, c.convertStep(stepRaw, stepLoc, loopDepth, scopeVars))
	}
	return out
}

func (c *converter) convertStep(raw map[string]any, loc string, loopDepth int, scopeVars map[string]bool) *domain.StepDef {
	c.stepCount++
	typeStr, _ := raw["type"].(string)
	stepType := domain.StepType(typeStr)
	if typeStr == "" {
		c.fail(loc, "step requires a type")
	} else if !stepType.IsValid() {
		c.fail(loc, "unrecognized step type %q", typeStr)
	}

	id, _ := raw["id"].(string)
	if id == "" {
		id = "step@" + loc // deterministic across loads of identical bytes
	}

	step := &domain.StepDef{ID: id, Type: stepType, Location: loc, Fields: map[string]any{}}
	for k, v := range raw {
		switch k {
		case "then_steps", "else_steps", "steps", "body":
			continue
		default:
			step.Fields[k] = v
		}
	}

	if eh, ok := raw["error_handling"].(map[string]any); ok {
		step.ErrorHandling = c.convertErrorHandling(eh, loc)
	} else {
		step.ErrorHandling = domain.DefaultErrorHandling()
	}

	if ec, ok := raw["execution_context"].(string); ok {
		step.ExecutionContext = domain.ExecutionContext(ec)
		if !step.ExecutionContext.IsValid() {
			c.fail(loc, "execution_context must be \"server\" or \"client\", got %q", ec)
		}
	} else if stepType == domain.StepShellCommand {
		step.ExecutionContext = domain.ContextServer
	}

	if to, ok := raw["timeout"]; ok {
		step.TimeoutSeconds = toInt(to)
	}

	switch stepType {
	case domain.StepStateUpdate:
		c.requireString(raw, loc, "path")
		op, _ := raw["op"].(string)
		if !domain.Operation(op).IsValid() {
			c.fail(loc, "state_update.op %q is not a recognized operation", op)
		}
	case domain.StepShellCommand, domain.StepAgentShellCommand:
		c.requireString(raw, loc, "command")
	case domain.StepUserMessage:
		c.requireString(raw, loc, "message")
		c.checkTemplate(step.Str("message"), loc+"/message", scopeVars)
	case domain.StepUserInput:
		c.requireString(raw, loc, "prompt")
		c.checkTemplate(step.Str("prompt"), loc+"/prompt", scopeVars)
	case domain.StepMCPCall:
		c.requireString(raw, loc, "tool")
	case domain.StepAgentPrompt:
		c.requireString(raw, loc, "instructions")
		c.checkTemplate(step.Str("instructions"), loc+"/instructions", scopeVars)
	case domain.StepAgentResponse:
		if _, ok := raw["response_schema"]; !ok {
			c.fail(loc, "agent_response requires a response_schema")
		}
	case domain.StepWaitStep:
		// no required fields
	case domain.StepConditional:
		c.requireString(raw, loc, "condition")
		c.checkExpression(step.Str("condition"), loc+"/condition", scopeVars)
		thenRaw, _ := raw["then_steps"].([]any)
		elseRaw, _ := raw["else_steps"].([]any)
		if len(thenRaw) == 0 && len(elseRaw) == 0 {
			c.fail(loc, "conditional requires then_steps and/or else_steps")
		}
		step.ThenSteps = c.convertSteps(toMapSlice(thenRaw), loc+"/then_steps", loopDepth, scopeVars)
		step.ElseSteps = c.convertSteps(toMapSlice(elseRaw), loc+"/else_steps", loopDepth, scopeVars)
	case domain.StepWhile:
		c.requireString(raw, loc, "condition")
		c.checkExpression(step.Str("condition"), loc+"/condition", union(scopeVars, "attempt_number"))
		bodyRaw := bodyOf(raw)
		if len(bodyRaw) == 0 {
			c.fail(loc, "while requires a non-empty body")
		}
		innerScope := union(scopeVars, "attempt_number")
		step.Body = c.convertSteps(toMapSlice(bodyRaw), loc+"/body", loopDepth+1, innerScope)
	case domain.StepForeach:
		c.requireString(raw, loc, "items")
		c.checkExpression(step.Str("items"), loc+"/items", scopeVars)
		bodyRaw := bodyOf(raw)
		if len(bodyRaw) == 0 {
			c.fail(loc, "foreach requires a non-empty body")
		}
		innerScope := union(scopeVars, "item", "index", "total")
		step.Body = c.convertSteps(toMapSlice(bodyRaw), loc+"/body", loopDepth+1, innerScope)
	case domain.StepParallelForeach:
		c.requireString(raw, loc, "items")
		c.checkExpression(step.Str("items"), loc+"/items", scopeVars)
		taskName := step.Str("sub_agent_task")
		if taskName == "" {
			c.fail(loc, "parallel_foreach requires sub_agent_task")
		} else if _, ok := c.subAgentTasks[taskName]; !ok {
			c.fail(loc, "parallel_foreach.sub_agent_task %q is not defined", taskName)
		}
	case domain.StepBreak, domain.StepContinue:
		if loopDepth == 0 {
			c.fail(loc, "%s may only appear inside a loop body", stepType)
		}
	}

	return step
}

func (c *converter) requireString(raw map[string]any, loc, key string) {
	v, ok := raw[key].(string)
	if !ok || v == "" {
		c.fail(loc, "requires a non-empty %q field", key)
	}
}

func (c *converter) convertErrorHandling(raw map[string]any, loc string) *domain.ErrorHandlingDef {
	eh := domain.DefaultErrorHandling()
	if strategy, ok := raw["strategy"].(string); ok {
		eh.Strategy = domain.ErrorStrategy(strategy)
		if !eh.Strategy.IsValid() {
			c.fail(loc+"/error_handling", "unrecognized strategy %q", strategy)
		}
	}
	if mr, ok := raw["max_retries"]; ok {
		eh.MaxRetries = toInt(mr)
	}
	if backoff, ok := raw["backoff"].(map[string]any); ok {
		if base, ok := backoff["base"]; ok {
			eh.BackoffBase = toFloat(base)
		}
		if mult, ok := backoff["multiplier"]; ok {
			eh.BackoffMult = toFloat(mult)
		}
		if cap, ok := backoff["cap"]; ok {
			eh.BackoffCap = toFloat(cap)
		}
	}
	eh.FallbackValue = raw["fallback_value"]
	if esp, ok := raw["error_state_path"].(string); ok {
		eh.ErrorStatePath = esp
	}
	return eh
}

// checkExpression validates a bare expression (condition, items) against
// the restricted grammar and the declared-root rule of spec §4.1.
func (c *converter) checkExpression(expr, loc string, scopeVars map[string]bool) {
	if expr == "" {
		return
	}
	if c.eval != nil {
		if err := c.eval.CompileCheck(expr); err != nil {
			c.fail(loc, "invalid expression: %v", err)
			return
		}
	}
	c.checkRoots(expr, loc, scopeVars)
}

// checkTemplate validates every {{ expr }} fragment inside a template
// string the same way checkExpression validates a bare expression.
func (c *converter) checkTemplate(tmpl, loc string, scopeVars map[string]bool) {
	if tmpl == "" {
		return
	}
	for _, m := range templateFrag.FindAllStringSubmatch(tmpl, -1) {
		c.checkExpression(m[1], loc, scopeVars)
	}
}

func (c *converter) checkRoots(expr, loc string, scopeVars map[string]bool) {
	for _, m := range exprRootIdent.FindAllStringSubmatch(expr, -1) {
		ident := m[1]
		if allowedRoots[ident] || builtinRoots[ident] || scopeVars[ident] {
			continue
		}
		c.fail(loc, "undeclared root %q in expression %q", ident, expr)
	}
}

func bodyOf(raw map[string]any) []any {
	if body, ok := raw["body"].([]any); ok {
		return body
	}
	if steps, ok := raw["steps"].([]any); ok {
		return steps
	}
	return nil
}

func union(base map[string]bool, extra ...string) map[string]bool {
	out := make(map[string]bool, len(base)+len(extra))
	for k := range base {
		out[k] = true
	}
	for _, e := range extra {
		out[e] = true
	}
	return out
}

func toMapSlice(raw []any) []map[string]any {
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func toStringSlice(raw any) []string {
	arr, _ := raw.([]any)
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}
