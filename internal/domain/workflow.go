package domain

import (
	"fmt"

	domerrors "github.com/aroton/aromcp/internal/domain/errors"
)

// ComputedFieldDef is one entry of a WorkflowDef's computed-field graph
// (spec §3 ComputedField).
type ComputedFieldDef struct {
	Name        string
	DependsOn   []string
	Expression  string
	ErrorPolicy ComputedErrorPolicy

	// FallbackZero is true when the YAML declared no fallback_value at all
	// (as opposed to an explicit fallback_value: null), so FallbackValue is
	// Go's nil zero value rather than an authored value. The loader warns
	// when this is combined with error_policy: use_fallback, since "fall
	// back to unconditional nil" is rarely what the author intended.
	FallbackZero bool
	FallbackValue any
}

// ErrorHandlingDef is a step's optional error_handling block (spec §4.7).
type ErrorHandlingDef struct {
	Strategy       ErrorStrategy
	MaxRetries     int
	BackoffBase    float64 // seconds
	BackoffMult    float64
	BackoffCap     float64 // seconds
	FallbackValue  any
	ErrorStatePath string
}

// DefaultErrorHandling is applied to steps that omit error_handling.
func DefaultErrorHandling() *ErrorHandlingDef {
	return &ErrorHandlingDef{
		Strategy:    StrategyFail,
		MaxRetries:  0,
		BackoffBase: 0.5,
		BackoffMult: 2.0,
		BackoffCap:  30,
	}
}

// StepDef is one step in a WorkflowDef's ordered step list, or a nested
// step inside a control-flow body (spec §4.4). Type-specific fields are
// held in Fields, exactly as decoded from YAML, and read through the
// Str/Int/Bool/StringSlice/Map accessors below — the same
// generic-config-map idiom the teacher uses for NodeConfig.
type StepDef struct {
	ID               string
	Type             StepType
	ExecutionContext ExecutionContext
	ErrorHandling    *ErrorHandlingDef
	TimeoutSeconds   int

	Fields map[string]any

	// Nested bodies, populated by the loader for compound step types.
	ThenSteps []*StepDef // conditional
	ElseSteps []*StepDef // conditional
	Body      []*StepDef // while, foreach

	// Location is a JSON-pointer-like path used in validation errors.
	Location string
}

// Str reads a string field, returning "" if absent or of the wrong type.
func (s *StepDef) Str(key string) string {
	v, ok := s.Fields[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Int reads a numeric field as int.
func (s *StepDef) Int(key string, fallback int) int {
	v, ok := s.Fields[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// Bool reads a boolean field.
func (s *StepDef) Bool(key string, fallback bool) bool {
	v, ok := s.Fields[key]
	if !ok {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

// StringSlice reads a []any / []string field as []string.
func (s *StepDef) StringSlice(key string) []string {
	v, ok := s.Fields[key]
	if !ok {
		return nil
	}
	switch arr := v.(type) {
	case []string:
		return arr
	case []any:
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// Map reads a mapping field.
func (s *StepDef) Map(key string) map[string]any {
	v, ok := s.Fields[key]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// SubAgentTaskDef is a named, reusable task body invoked by parallel_foreach
// (spec §3 SubAgentTask).
type SubAgentTaskDef struct {
	Name         string
	InputSchema  map[string]any
	Steps        []*StepDef
	PromptTemplate string // alternative to Steps: a freeform prompt body
}

// StateSchema declares the shape of the three StateStore tiers at load time
// (spec §6 state_schema).
type StateSchema struct {
	Inputs   map[string]any
	State    map[string]any
	Computed []*ComputedFieldDef
}

// WorkflowDef is the immutable, parsed-and-validated representation of a
// workflow file (spec §3 WorkflowDef).
type WorkflowDef struct {
	Namespace   string
	ID          string
	Description string
	Version     string

	Inputs        map[string]*VariableDefinition
	DefaultState  map[string]any
	StateSchema   *StateSchema
	Steps         []*StepDef
	SubAgentTasks map[string]*SubAgentTaskDef

	TimeoutSeconds int // config.timeout_seconds, workflow-level deadline
}

// Name returns the namespaced ns:id name used for discovery and the
// Control API's workflow.info/workflow.start (spec §6).
func (w *WorkflowDef) Name() string {
	return fmt.Sprintf("%s:%s", w.Namespace, w.ID)
}

// VariableDefinition describes one declared input (spec §6 inputs).
// Kept minimal and intentionally distinct from the loader's raw YAML shape:
// this is the validated, load-time form consumed by the state store and
// the Control API's workflow.info.
type VariableDefinition struct {
	Name     string
	Type     VariableType
	Required bool
	Default  any
}

// Validate checks a supplied input value against this definition,
// returning a *errors.WorkflowError of kind ValidationError on failure —
// the same validation shape the teacher's VariableDefinition.Validate used,
// generalized to the engine's own closed error kind.
func (vd *VariableDefinition) Validate(value any) error {
	if value == nil {
		if vd.Required {
			return domerrors.New(domerrors.KindValidation,
				fmt.Sprintf("input %q is required but was not provided", vd.Name))
		}
		return nil
	}
	if vd.Type == "" || vd.Type == VarUnknown {
		return nil
	}
	if got := InferType(value); got != vd.Type && got != VarUnknown {
		return domerrors.New(domerrors.KindValidation,
			fmt.Sprintf("input %q expected type %s but got %s", vd.Name, vd.Type, got))
	}
	return nil
}
