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

// Package manifest owns the per-run state file.
//
// Every run directory holds one run.json describing the run: identity,
// status, per-step records, and recorded outputs. The manifest is the
// single source of truth for a run's state; no other file is authoritative.
package manifest

import "time"

// FileName is the manifest filename inside a run directory.
const FileName = "run.json"

// SchemaVersion is written into every manifest.
const SchemaVersion = "1"

// Status is a run's lifecycle state. Transitions are monotonic:
// pending -> running -> completed|failed. Terminal states never change.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is a step's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Output types recorded for worker output files.
const (
	OutputIntermediate = "intermediate"
	OutputPrimary      = "primary"
)

// StepRecord tracks one step's execution inside the manifest.
type StepRecord struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Worker      string     `json:"worker"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// DurationMs is completedAt - startedAt in milliseconds.
	DurationMs *int64 `json:"duration,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OutputRecord describes one file a worker wrote into the run directory.
type OutputRecord struct {
	File   string `json:"file"`
	Step   string `json:"step"`
	Type   string `json:"type"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
}

// Manifest is the run.json document.
type Manifest struct {
	InstanceID   string `json:"instanceId"`
	WorkloadID   string `json:"workloadId"`
	WorkloadName string `json:"workloadName"`
	Status       Status `json:"status"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// DurationMs is completedAt - startedAt in milliseconds.
	DurationMs *int64 `json:"duration,omitempty"`
	Error      string `json:"error,omitempty"`

	Input map[string]interface{} `json:"input,omitempty"`

	// Steps is present for step workloads only.
	Steps []StepRecord `json:"steps,omitempty"`

	Outputs       []OutputRecord `json:"outputs"`
	PrimaryOutput string         `json:"primaryOutput,omitempty"`

	Version   string `json:"version"`
	CreatedBy string `json:"createdBy"`
}

// Step returns the record with the given step id, or nil.
func (m *Manifest) Step(id string) *StepRecord {
	for i := range m.Steps {
		if m.Steps[i].ID == id {
			return &m.Steps[i]
		}
	}
	return nil
}

// Summary is the condensed view the REST facade lists runs with.
type Summary struct {
	InstanceID    string `json:"instanceId"`
	WorkloadID    string `json:"workloadId,omitempty"`
	WorkloadName  string `json:"workloadName"`
	Status        Status `json:"status"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	DurationMs    *int64 `json:"duration,omitempty"`
	OutputCount   int    `json:"outputCount"`
	PrimaryOutput string `json:"primaryOutput,omitempty"`
	Error         string `json:"error,omitempty"`
	// Diagnostic is populated on best-effort reads of damaged runs.
	Diagnostic string `json:"diagnostic,omitempty"`
}
