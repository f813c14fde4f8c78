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

package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tombee/maestro/pkg/workload"
)

// staleAfter is how long a manifest-less or pending run may sit before the
// derived-status read path reports it failed.
const staleAfter = 5 * time.Minute

// Store provides the sole means to mutate run.json. Every mutation is a
// read-modify-write of the whole file, serialized per run directory.
type Store struct {
	locks sync.Map // runDir -> *sync.Mutex

	// OnTerminal, when set, is called after a run reaches a terminal
	// status. The daemon uses it to maintain the run-history index.
	OnTerminal func(runDir string, m *Manifest)
}

// NewStore creates a manifest store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) lock(runDir string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(runDir, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Create writes the initial manifest for a new instance. Step records are
// derived from the definition; the primary output is result.<ext> for
// prompt workloads and the last step's output for step workloads.
func (s *Store) Create(runDir, instanceID string, def *workload.Definition, input map[string]interface{}, createdBy string) (*Manifest, error) {
	m := &Manifest{
		InstanceID:   instanceID,
		WorkloadID:   def.ID,
		WorkloadName: def.Name,
		Status:       StatusPending,
		StartedAt:    time.Now(),
		Input:        input,
		Outputs:      []OutputRecord{},
		Version:      SchemaVersion,
		CreatedBy:    createdBy,
	}

	if def.IsPrompt() {
		m.PrimaryOutput = "result." + def.ResultExt()
	} else {
		for _, step := range def.Steps {
			m.Steps = append(m.Steps, StepRecord{
				ID:     step.ID,
				Name:   step.Name,
				Worker: step.Worker,
				Status: StepPending,
				Output: step.Output,
			})
		}
		if n := len(def.Steps); n > 0 {
			m.PrimaryOutput = def.Steps[n-1].Output
		}
	}

	mu := s.lock(runDir)
	mu.Lock()
	defer mu.Unlock()
	if err := write(runDir, m); err != nil {
		return nil, err
	}
	return m, nil
}

// MarkRunStarted transitions the run to running.
func (s *Store) MarkRunStarted(runDir string) error {
	return s.mutate(runDir, func(m *Manifest) {
		if m.Status.Terminal() {
			return
		}
		m.Status = StatusRunning
	})
}

// MarkRunCompleted transitions the run to completed and stamps the terminal
// fields. A run already terminal is left unchanged.
func (s *Store) MarkRunCompleted(runDir string) error {
	return s.mutate(runDir, func(m *Manifest) {
		if m.Status.Terminal() {
			return
		}
		finish(m, StatusCompleted, "")
	})
}

// MarkRunFailed transitions the run to failed with the given error string.
// A run already terminal is left unchanged.
func (s *Store) MarkRunFailed(runDir, errMsg string) error {
	return s.mutate(runDir, func(m *Manifest) {
		if m.Status.Terminal() {
			return
		}
		finish(m, StatusFailed, errMsg)
	})
}

func finish(m *Manifest, status Status, errMsg string) {
	now := time.Now()
	m.Status = status
	m.CompletedAt = &now
	duration := now.Sub(m.StartedAt).Milliseconds()
	m.DurationMs = &duration
	if errMsg != "" {
		m.Error = errMsg
	}
}

// UpdateStep transitions one step record. The first transition to running
// stamps startedAt; terminal transitions stamp completedAt and duration.
// Updates against a step already terminal are ignored so that replayed
// completion events leave the manifest unchanged.
func (s *Store) UpdateStep(runDir, stepID string, status StepStatus, errMsg string) error {
	return s.mutate(runDir, func(m *Manifest) {
		step := m.Step(stepID)
		if step == nil || step.Status.Terminal() {
			return
		}
		now := time.Now()
		switch status {
		case StepRunning:
			if step.StartedAt == nil {
				step.StartedAt = &now
			}
		case StepCompleted, StepFailed, StepSkipped:
			step.CompletedAt = &now
			if step.StartedAt != nil {
				d := now.Sub(*step.StartedAt).Milliseconds()
				step.DurationMs = &d
			}
		}
		step.Status = status
		if errMsg != "" {
			step.Error = errMsg
		}
	})
}

// RecordOutput upserts an output record, keyed by filename.
func (s *Store) RecordOutput(runDir string, output OutputRecord) error {
	return s.mutate(runDir, func(m *Manifest) {
		for i := range m.Outputs {
			if m.Outputs[i].File == output.File {
				m.Outputs[i] = output
				return
			}
		}
		m.Outputs = append(m.Outputs, output)
	})
}

// Read loads the manifest from a run directory.
func (s *Store) Read(runDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(runDir, FileName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest in %s: %w", runDir, err)
	}
	return &m, nil
}

// Summary condenses a run directory into the listing view. Runs without a
// readable manifest fall back to filename heuristics with the diagnostic
// field populated.
func (s *Store) Summary(runDir string) Summary {
	m, err := s.Read(runDir)
	if err != nil {
		return s.derivedSummary(runDir, err)
	}
	return Summary{
		InstanceID:    m.InstanceID,
		WorkloadID:    m.WorkloadID,
		WorkloadName:  m.WorkloadName,
		Status:        m.Status,
		StartedAt:     &m.StartedAt,
		DurationMs:    m.DurationMs,
		OutputCount:   len(m.Outputs),
		PrimaryOutput: m.PrimaryOutput,
		Error:         m.Error,
	}
}

// derivedSummary is the best-effort read path for legacy or damaged runs:
// completed if any result.* or non-README markdown file exists, failed if
// the directory has sat untouched past the staleness window, pending
// otherwise.
func (s *Store) derivedSummary(runDir string, cause error) Summary {
	summary := Summary{
		InstanceID: filepath.Base(runDir),
		Status:     StatusPending,
		Diagnostic: cause.Error(),
	}

	entries, err := os.ReadDir(runDir)
	if err != nil {
		summary.Status = StatusFailed
		return summary
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "result.") ||
			(strings.HasSuffix(name, ".md") && !strings.EqualFold(name, "README.md")) {
			summary.Status = StatusCompleted
			summary.PrimaryOutput = name
			return summary
		}
	}

	if info, err := os.Stat(runDir); err == nil && time.Since(info.ModTime()) > staleAfter {
		summary.Status = StatusFailed
	}
	return summary
}

// mutate performs one serialized read-modify-write of the manifest file.
func (s *Store) mutate(runDir string, fn func(*Manifest)) error {
	mu := s.lock(runDir)
	mu.Lock()

	m, err := s.Read(runDir)
	if err != nil {
		mu.Unlock()
		return err
	}

	wasTerminal := m.Status.Terminal()
	fn(m)
	err = write(runDir, m)
	nowTerminal := m.Status.Terminal()
	mu.Unlock()

	if err == nil && !wasTerminal && nowTerminal && s.OnTerminal != nil {
		s.OnTerminal(runDir, m)
	}
	return err
}

// write replaces run.json atomically via a temp file and rename.
func write(runDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	tmp := filepath.Join(runDir, FileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(runDir, FileName))
}
