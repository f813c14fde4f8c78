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
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/tombee/maestro/pkg/workload"
)

func stepDef() *workload.Definition {
	return &workload.Definition{
		ID:      "news-digest",
		Name:    "News digest",
		Version: "1.0.0",
		Steps: []workload.Step{
			{ID: "fetch-news", Name: "Fetch news", Worker: "fetch", Output: "raw-news.json"},
			{ID: "summarize", Name: "Summarize", Worker: "ai", Input: []string{"raw-news.json"}, Output: "digest.md"},
		},
	}
}

func promptDef() *workload.Definition {
	return &workload.Definition{
		ID:      "weather",
		Name:    "Weather report",
		Version: "1.0.0",
		Prompt:  "Weather for {{location}}",
		Output:  &workload.OutputSpec{Format: workload.FormatJSON},
	}
}

func TestCreateStepManifest(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()

	m, err := s.Create(dir, "news-digest-2026-01-02-030405", stepDef(), map[string]interface{}{"limit": 5}, "maestro-test")
	if err != nil {
		t.Fatal(err)
	}

	if m.Status != StatusPending {
		t.Errorf("status = %s, want pending", m.Status)
	}
	if len(m.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(m.Steps))
	}
	if m.PrimaryOutput != "digest.md" {
		t.Errorf("primaryOutput = %q, want last step's output", m.PrimaryOutput)
	}

	onDisk, err := s.Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	if onDisk.InstanceID != "news-digest-2026-01-02-030405" {
		t.Errorf("instanceId = %q", onDisk.InstanceID)
	}
}

func TestCreatePromptManifest(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()

	m, err := s.Create(dir, "weather-2026-01-02-030405", promptDef(), nil, "maestro-test")
	if err != nil {
		t.Fatal(err)
	}
	if m.PrimaryOutput != "result.json" {
		t.Errorf("primaryOutput = %q, want result.json", m.PrimaryOutput)
	}
	if len(m.Steps) != 0 {
		t.Errorf("prompt manifest has %d step records, want 0", len(m.Steps))
	}
}

func TestStatusMonotonicity(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	if _, err := s.Create(dir, "x", promptDef(), nil, "t"); err != nil {
		t.Fatal(err)
	}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}

	must(s.MarkRunStarted(dir))
	must(s.MarkRunCompleted(dir))
	// Terminal state must survive any further transition attempt.
	must(s.MarkRunFailed(dir, "late failure"))
	must(s.MarkRunStarted(dir))

	m, err := s.Read(dir)
	must(err)
	if m.Status != StatusCompleted {
		t.Errorf("terminal status mutated: %s", m.Status)
	}
	if m.Error != "" {
		t.Errorf("error recorded after terminal transition: %q", m.Error)
	}
	if m.CompletedAt == nil || m.DurationMs == nil {
		t.Error("terminal transition did not stamp completedAt/duration")
	}
}

func TestUpdateStepTimestamps(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	if _, err := s.Create(dir, "x", stepDef(), nil, "t"); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateStep(dir, "fetch-news", StepRunning, ""); err != nil {
		t.Fatal(err)
	}
	m, _ := s.Read(dir)
	step := m.Step("fetch-news")
	if step.StartedAt == nil {
		t.Fatal("running transition did not stamp startedAt")
	}
	started := *step.StartedAt

	if err := s.UpdateStep(dir, "fetch-news", StepCompleted, ""); err != nil {
		t.Fatal(err)
	}
	m, _ = s.Read(dir)
	step = m.Step("fetch-news")
	if step.CompletedAt == nil || step.DurationMs == nil {
		t.Fatal("terminal transition did not stamp completedAt/duration")
	}
	if !step.StartedAt.Equal(started) {
		t.Error("startedAt changed on terminal transition")
	}
}

func TestUpdateStepReplayIgnored(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	if _, err := s.Create(dir, "x", stepDef(), nil, "t"); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateStep(dir, "fetch-news", StepCompleted, ""); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Read(dir)

	// Replay of the same completion must leave the manifest unchanged.
	if err := s.UpdateStep(dir, "fetch-news", StepCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStep(dir, "fetch-news", StepFailed, "late"); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Read(dir)

	if !reflect.DeepEqual(first.Step("fetch-news"), second.Step("fetch-news")) {
		t.Errorf("replayed update mutated the step record:\nfirst:  %+v\nsecond: %+v",
			first.Step("fetch-news"), second.Step("fetch-news"))
	}
}

func TestRecordOutputUpsert(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	if _, err := s.Create(dir, "x", stepDef(), nil, "t"); err != nil {
		t.Fatal(err)
	}

	out := OutputRecord{File: "raw-news.json", Step: "fetch-news", Type: OutputIntermediate, Format: "json", Size: 120}
	if err := s.RecordOutput(dir, out); err != nil {
		t.Fatal(err)
	}
	out.Size = 340
	if err := s.RecordOutput(dir, out); err != nil {
		t.Fatal(err)
	}

	m, _ := s.Read(dir)
	if len(m.Outputs) != 1 {
		t.Fatalf("outputs = %d, want 1 after upsert", len(m.Outputs))
	}
	if m.Outputs[0].Size != 340 {
		t.Errorf("upsert did not replace record: size = %d", m.Outputs[0].Size)
	}
}

func TestConcurrentMutations(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	if _, err := s.Create(dir, "x", stepDef(), nil, "t"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.RecordOutput(dir, OutputRecord{
				File: "raw-news.json", Step: "fetch-news",
				Type: OutputIntermediate, Format: "json", Size: int64(n),
			})
		}(i)
	}
	wg.Wait()

	m, err := s.Read(dir)
	if err != nil {
		t.Fatalf("manifest unreadable after concurrent writes: %v", err)
	}
	if len(m.Outputs) != 1 {
		t.Errorf("outputs = %d, want 1", len(m.Outputs))
	}
}

func TestOnTerminalCallback(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()

	var got []Status
	s.OnTerminal = func(runDir string, m *Manifest) {
		got = append(got, m.Status)
	}

	if _, err := s.Create(dir, "x", promptDef(), nil, "t"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunStarted(dir); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunFailed(dir, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunFailed(dir, "again"); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 || got[0] != StatusFailed {
		t.Errorf("OnTerminal calls = %v, want exactly one failed", got)
	}
}

func TestDerivedSummary(t *testing.T) {
	t.Run("result file means completed", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "result.json"), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
		summary := NewStore().Summary(dir)
		if summary.Status != StatusCompleted {
			t.Errorf("status = %s, want completed", summary.Status)
		}
		if summary.Diagnostic == "" {
			t.Error("diagnostic not populated for manifest-less run")
		}
	})

	t.Run("readme does not count", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("#"), 0o644); err != nil {
			t.Fatal(err)
		}
		summary := NewStore().Summary(dir)
		if summary.Status == StatusCompleted {
			t.Error("README.md treated as a result document")
		}
	})
}
