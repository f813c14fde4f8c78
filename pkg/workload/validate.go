// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workload

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/maestro/pkg/errors"
)

// semverPattern matches MAJOR.MINOR.PATCH with an optional pre-release suffix.
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)

var validWorkers = map[string]bool{
	WorkerAI:        true,
	WorkerFetch:     true,
	WorkerExec:      true,
	WorkerCountdown: true,
	WorkerAlert:     true,
}

var validFormats = map[string]bool{
	FormatJSON:     true,
	FormatMarkdown: true,
	FormatText:     true,
}

var validInputTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
}

// ValidationResult accumulates errors and warnings for one definition.
// A definition with a non-empty Errors list never enters the catalog.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether the definition passed validation.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks a definition against the schema rules: required fields,
// semver version, exactly one execution shape, unique step ids, dependency
// closure, and an acyclic dependency graph.
func Validate(def *Definition) *ValidationResult {
	result := &ValidationResult{}

	if def.ID == "" {
		result.errorf("id is required")
	}
	if def.Name == "" {
		result.errorf("name is required")
	}
	if def.Version == "" {
		result.errorf("version is required")
	} else if !semverPattern.MatchString(def.Version) {
		result.errorf("version %q is not valid semver (expected MAJOR.MINOR.PATCH)", def.Version)
	}

	for name, spec := range def.Input {
		if !validInputTypes[spec.Type] {
			result.errorf("input %q: type must be one of string, number, boolean (got %q)", name, spec.Type)
		}
		if spec.Required && spec.Default != nil {
			result.warnf("input %q: default value on a required parameter is never used", name)
		}
	}

	if def.Alert != nil && def.Alert.Title == "" {
		result.errorf("alert: title is required")
	}

	hasPrompt := def.Prompt != ""
	hasSteps := len(def.Steps) > 0
	switch {
	case hasPrompt && hasSteps:
		result.errorf("workload must declare either prompt or steps, not both")
	case !hasPrompt && !hasSteps:
		result.errorf("workload must declare either prompt or steps")
	case hasPrompt:
		validatePromptShape(def, result)
	default:
		validateStepShape(def, result)
	}

	return result
}

func validatePromptShape(def *Definition, result *ValidationResult) {
	if def.Output == nil {
		result.errorf("prompt workload requires output.format")
		return
	}
	if !validFormats[def.Output.Format] {
		result.errorf("output.format must be one of json, markdown, text (got %q)", def.Output.Format)
	}
}

func validateStepShape(def *Definition, result *ValidationResult) {
	ids := make(map[string]bool, len(def.Steps))
	outputs := make(map[string]string, len(def.Steps))

	for i, step := range def.Steps {
		where := step.ID
		if where == "" {
			where = fmt.Sprintf("steps[%d]", i)
			result.errorf("%s: id is required", where)
		}
		if ids[step.ID] {
			result.errorf("duplicate step id %q", step.ID)
		}
		ids[step.ID] = true

		if step.Worker == "" {
			result.errorf("step %s: worker is required", where)
		} else if !validWorkers[step.Worker] {
			result.errorf("step %s: unknown worker %q (expected ai, fetch, exec, countdown, alert)", where, step.Worker)
		}
		if step.Output == "" {
			result.errorf("step %s: output is required", where)
		} else if prev, dup := outputs[step.Output]; dup {
			result.errorf("step %s: output %q is already written by step %s", where, step.Output, prev)
		} else {
			outputs[step.Output] = step.ID
		}
	}

	// Dependency closure: every dependsOn and input file must resolve
	// to a sibling step.
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				result.errorf("step %s: dependsOn references unknown step %q", step.ID, dep)
			}
		}
		for _, in := range step.Input {
			producer, ok := outputs[in]
			if !ok {
				result.errorf("step %s: input %q is not the output of any step", step.ID, in)
			} else if producer == step.ID {
				result.errorf("step %s: reads its own output %q", step.ID, in)
			}
		}
	}

	if cycle := findCycle(def.Steps); len(cycle) > 0 {
		result.errorf("workflow contains circular dependencies: %s", strings.Join(cycle, " -> "))
	}
}

// findCycle runs a depth-first search over the dependency edges (dependsOn
// plus implicit input-file edges) and returns the first cycle found, or nil.
func findCycle(steps []Step) []string {
	producers := make(map[string]string, len(steps))
	for _, s := range steps {
		if s.Output != "" {
			producers[s.Output] = s.ID
		}
	}

	edges := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps := append([]string{}, s.DependsOn...)
		for _, in := range s.Input {
			if p, ok := producers[in]; ok {
				deps = append(deps, p)
			}
		}
		edges[s.ID] = deps
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case visiting:
			// Found the back edge; extract the cycle from the stack.
			for i, s := range stack {
				if s == id {
					return append(append([]string{}, stack[i:]...), id)
				}
			}
			return []string{id, id}
		case done:
			return nil
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range edges[id] {
			if _, known := edges[dep]; !known {
				continue
			}
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, s := range steps {
		if cycle := visit(s.ID); cycle != nil {
			return cycle
		}
	}
	return nil
}

// ValidateInputs checks run parameters against the declared input specs and
// returns the effective input map with defaults applied. Failures are
// *errors.ValidationError so callers can map them onto a 4xx response.
func ValidateInputs(def *Definition, params map[string]interface{}) (map[string]interface{}, error) {
	effective := make(map[string]interface{}, len(params))
	for k, v := range params {
		effective[k] = v
	}

	for name, spec := range def.Input {
		value, ok := effective[name]
		if !ok {
			if spec.Default != nil {
				effective[name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, &errors.ValidationError{
					Field:      name,
					Message:    "required input is missing",
					Suggestion: fmt.Sprintf("pass %q in the run parameters", name),
				}
			}
			continue
		}
		if !inputTypeMatches(spec.Type, value) {
			return nil, &errors.ValidationError{
				Field:   name,
				Message: fmt.Sprintf("expected %s, got %T", spec.Type, value),
			}
		}
	}
	return effective, nil
}

// inputTypeMatches checks a run parameter against its declared type.
// Numbers accept the integer and float forms JSON and YAML decoders
// produce.
func inputTypeMatches(specType string, v interface{}) bool {
	switch specType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	}
	return true
}
