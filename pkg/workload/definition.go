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

// Package workload defines the YAML workload recipe format, its validation
// rules, and the loader that maintains the in-memory catalog.
//
// A workload is either a single AI prompt (prompt shape) or a DAG of steps
// dispatched to typed workers (step shape). Exactly one of the two shapes
// must be present in a definition.
package workload

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Worker names accepted in step definitions.
const (
	WorkerAI        = "ai"
	WorkerFetch     = "fetch"
	WorkerExec      = "exec"
	WorkerCountdown = "countdown"
	WorkerAlert     = "alert"
)

// OutputFormat values accepted for prompt workloads.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// Definition represents a YAML workload definition.
//
// The prompt shape carries a single Prompt (with {{param}} placeholders) and
// an Output format; the step shape carries an ordered Steps list forming a
// directed acyclic graph. Step ids must be unique and every dependsOn must
// reference a sibling id.
type Definition struct {
	// ID is the globally unique workload identifier
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable workload name
	Name string `yaml:"name" json:"name"`

	// Description provides human-readable context about the workload
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version tracks the workload definition version (semver)
	Version string `yaml:"version" json:"version"`

	// Tags are optional free-form labels for grouping in the GUI
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Input declares the expected run parameters, keyed by parameter name
	Input map[string]InputSpec `yaml:"input,omitempty" json:"input,omitempty"`

	// Alert optionally evaluates a condition against the final AI output
	// and raises an alert when it holds
	Alert *AlertRule `yaml:"alert,omitempty" json:"alert,omitempty"`

	// Prompt is the AI prompt for prompt-shape workloads.
	// May contain {{param}} placeholders resolved from run inputs.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// Model optionally pins the AI model for prompt-shape workloads
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Output configures the terminal output for prompt-shape workloads
	Output *OutputSpec `yaml:"output,omitempty" json:"output,omitempty"`

	// Steps are the DAG nodes for step-shape workloads
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// LegacyType is tolerated from older recipe files and ignored.
	// The execution shape is inferred from the prompt/steps fields.
	LegacyType string `yaml:"type,omitempty" json:"-"`
}

// InputSpec describes one declared run parameter.
type InputSpec struct {
	// Type is the parameter type (string, number, boolean)
	Type string `yaml:"type" json:"type"`

	// Required marks parameters that must be supplied at run time
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Description explains what this parameter is for
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Default provides a fallback value when the parameter is omitted
	Default interface{} `yaml:"default,omitempty" json:"default,omitempty"`
}

// OutputSpec configures the terminal output of a prompt workload.
type OutputSpec struct {
	// Format is the result document format (json, markdown, text)
	Format string `yaml:"format" json:"format"`
}

// AlertRule raises an alert when the condition holds against the AI output.
type AlertRule struct {
	// Condition is an expression evaluated with the final output bound
	// as "output" (e.g., `output contains "CRITICAL"`). Empty means
	// always trigger.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Title is the alert title (required when Alert is present)
	Title string `yaml:"title" json:"title"`

	// Message is the alert body; {{param}} placeholders are resolved
	// from run inputs
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Step represents a single node in a step-shape workload DAG.
type Step struct {
	// ID is the unique step identifier within this workload
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable step name
	Name string `yaml:"name" json:"name"`

	// Worker selects the executor (ai, fetch, exec, countdown, alert)
	Worker string `yaml:"worker" json:"worker"`

	// Config is the worker-specific configuration. String values (at any
	// nesting depth) may contain {{param}} placeholders.
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// Input lists output filenames of prior steps this step reads
	Input []string `yaml:"input,omitempty" json:"input,omitempty"`

	// Output is the filename this step writes into the run directory
	Output string `yaml:"output" json:"output"`

	// DependsOn lists sibling step ids that must complete first
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	// Condition optionally gates the step. The expression is evaluated
	// against run inputs; false records the step as skipped.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Parallel is advisory; ready steps always dispatch concurrently
	// subject to per-worker ceilings
	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// IsPrompt reports whether the definition uses the prompt shape.
func (d *Definition) IsPrompt() bool {
	return d.Prompt != ""
}

// StepByID returns the step with the given id, or nil.
func (d *Definition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// ResultExt returns the filename extension for a prompt workload's terminal
// output document.
func (d *Definition) ResultExt() string {
	if d.Output == nil {
		return "txt"
	}
	switch d.Output.Format {
	case FormatJSON:
		return "json"
	case FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

// Parse parses a YAML document into a Definition without validating it.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workload YAML: %w", err)
	}
	return &def, nil
}

// Marshal serializes a definition back to YAML.
// Parse → Marshal → Parse is a fixed point for a validated definition.
func Marshal(def *Definition) ([]byte, error) {
	data, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("serializing workload YAML: %w", err)
	}
	return data, nil
}
