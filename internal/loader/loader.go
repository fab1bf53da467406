// Package loader parses and validates workflow YAML files into immutable
// domain.WorkflowDef values (spec §4.1/§6).
//
// Grounded on the teacher's sibling-module importer,
// backend/internal/application/importer/yaml_importer.go (read as
// reference only — that file lives under a different go.mod than the
// teacher root this repo copies): unmarshal into a raw YAML shape first,
// accumulate validation issues instead of failing on the first one, then
// convert to the domain type only once validation passes.
package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
	"github.com/aroton/aromcp/internal/expreval"
)

// Discover resolves a workflow's file path: <projectDir>/.aromcp/workflows/<name>.yaml
// first, then <homeDir>/.aromcp/workflows/<name>.yaml (spec §6 Discovery).
func Discover(name, projectDir, homeDir string) (string, error) {
	candidates := []string{
		filepath.Join(projectDir, ".aromcp", "workflows", name+".yaml"),
		filepath.Join(homeDir, ".aromcp", "workflows", name+".yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", domerrors.New(domerrors.KindValidation,
		fmt.Sprintf("workflow %q not found in project or home .aromcp/workflows", name))
}

// Loader parses and validates workflow files into domain.WorkflowDef.
type Loader struct {
	eval *expreval.Evaluator
}

// New returns a Loader. eval is used only to compile-check expressions
// found in conditions/templates/items during validation.
func New(eval *expreval.Evaluator) *Loader {
	return &Loader{eval: eval}
}

// LoadFile reads and parses the workflow file at path.
func (l *Loader) LoadFile(path string) (*domain.WorkflowDef, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, domerrors.Wrap(domerrors.KindValidation, fmt.Sprintf("reading %s", path), err)
	}
	return l.LoadBytes(data)
}

// LoadBytes parses raw YAML bytes into a validated WorkflowDef. Two loads
// of the same bytes produce structurally equal WorkflowDefs (spec §8
// invariant 1): parsing and conversion are pure functions of the input.
func (l *Loader) LoadBytes(data []byte) (*domain.WorkflowDef, []string, error) {
	var raw yamlFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, domerrors.Wrap(domerrors.KindValidation, "invalid YAML", err)
	}

	c := newConverter(l.eval)
	def := c.convert(&raw)
	if len(c.issues) > 0 {
		return nil, nil, c.asError()
	}
	return def, c.warnings, nil
}
