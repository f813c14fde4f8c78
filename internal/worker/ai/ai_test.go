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

package ai

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/manifest"
	"github.com/tombee/maestro/internal/worker"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workload"
)

type staticCatalog map[string]*workload.Definition

func (c staticCatalog) Get(id string) (*workload.Definition, bool) {
	def, ok := c[id]
	return def, ok
}

func weatherDef() *workload.Definition {
	return &workload.Definition{
		ID:      "weather",
		Name:    "Weather report",
		Version: "1.0.0",
		Prompt:  "Weather for {{location}}",
		Output:  &workload.OutputSpec{Format: workload.FormatJSON},
	}
}

type fixture struct {
	worker  *Worker
	system  *worker.MockSystem
	runDir  string
	dataDir string
}

func newFixture(t *testing.T, def *workload.Definition, input map[string]interface{}) *fixture {
	t.Helper()
	runDir := t.TempDir()
	store := manifest.NewStore()
	if _, err := store.Create(runDir, "x", def, input, "test"); err != nil {
		t.Fatal(err)
	}

	system := &worker.MockSystem{}
	dataDir := t.TempDir()
	w := New(
		&worker.Deps{Manifests: store, Logger: slog.Default()},
		system,
		staticCatalog{def.ID: def},
		dataDir,
		Options{DefaultModel: "haiku"},
	)
	return &fixture{worker: w, system: system, runDir: runDir, dataDir: dataDir}
}

func (f *fixture) run(t *testing.T, task bus.TaskReadyPayload, inputs map[string]interface{}) (*worker.Result, error) {
	t.Helper()
	task.RunPath = f.runDir
	return f.worker.run(context.Background(), task, inputs)
}

func TestRunSubstitutesParams(t *testing.T) {
	f := newFixture(t, weatherDef(), map[string]interface{}{"location": "Oslo"})
	f.system.Response = `{"forecast": "rain"}`

	res, err := f.run(t, bus.TaskReadyPayload{
		TaskID: "report",
		Config: map[string]interface{}{"prompt": "Weather for {{location}}"},
		Output: "result.json",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Format != "json" {
		t.Errorf("format = %q", res.Format)
	}

	prompts := f.system.Prompts()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "Weather for Oslo") {
		t.Errorf("prompt = %q", prompts)
	}

	data, err := os.ReadFile(filepath.Join(f.runDir, "result.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"forecast": "rain"}` {
		t.Errorf("result = %q", data)
	}
}

func TestRunAppendsInputFiles(t *testing.T) {
	f := newFixture(t, weatherDef(), nil)
	f.system.Response = "{}"

	_, err := f.run(t, bus.TaskReadyPayload{
		Config: map[string]interface{}{"prompt": "Summarize"},
		Output: "result.json",
	}, map[string]interface{}{
		"raw-news.json": map[string]interface{}{"itemCount": 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	prompt := f.system.Prompts()[0]
	if !strings.Contains(prompt, "Input data:") || !strings.Contains(prompt, "raw-news.json") {
		t.Errorf("input appendix missing from prompt:\n%s", prompt)
	}
}

func TestRunExtractsFencedJSON(t *testing.T) {
	f := newFixture(t, weatherDef(), nil)
	f.system.Response = "Here you go:\n```json\n{\"ok\": true}\n```\nEnjoy."

	_, err := f.run(t, bus.TaskReadyPayload{
		Config: map[string]interface{}{"prompt": "p", "outputFormat": "json"},
		Output: "result.json",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(filepath.Join(f.runDir, "result.json"))
	if string(data) != `{"ok": true}` {
		t.Errorf("extracted = %q", data)
	}
}

func TestRunWrapsMarkdown(t *testing.T) {
	def := weatherDef()
	def.Output = &workload.OutputSpec{Format: workload.FormatMarkdown}
	f := newFixture(t, def, nil)
	f.system.Response = "All clear."

	res, err := f.run(t, bus.TaskReadyPayload{
		Config: map[string]interface{}{"prompt": "p", "outputFormat": "markdown"},
		Output: "result.md",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Format != "md" {
		t.Errorf("format = %q", res.Format)
	}

	data, _ := os.ReadFile(filepath.Join(f.runDir, "result.md"))
	text := string(data)
	if !strings.HasPrefix(text, "# Weather report") || !strings.Contains(text, "All clear.") {
		t.Errorf("document = %q", text)
	}
}

func TestRunAlertRuleTriggered(t *testing.T) {
	def := weatherDef()
	def.Alert = &workload.AlertRule{
		Condition: `output contains "CRITICAL"`,
		Title:     "Storm warning",
	}
	f := newFixture(t, def, nil)
	f.system.Response = "CRITICAL: hurricane inbound"

	_, err := f.run(t, bus.TaskReadyPayload{
		Config: map[string]interface{}{"prompt": "p", "outputFormat": "text"},
		Output: "result.txt",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(f.dataDir, "alerts"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("alert descriptor not written: %v (%d entries)", err, len(entries))
	}
	if got := f.system.Alerts(); len(got) != 1 || got[0].Title != "Storm warning" {
		t.Errorf("delivered alerts = %+v", got)
	}
}

func TestRunAlertRuleNotTriggered(t *testing.T) {
	def := weatherDef()
	def.Alert = &workload.AlertRule{
		Condition: `output contains "CRITICAL"`,
		Title:     "Storm warning",
	}
	f := newFixture(t, def, nil)
	f.system.Response = "calm seas"

	_, err := f.run(t, bus.TaskReadyPayload{
		Config: map[string]interface{}{"prompt": "p", "outputFormat": "text"},
		Output: "result.txt",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, serr := os.Stat(filepath.Join(f.dataDir, "alerts")); !os.IsNotExist(serr) {
		t.Error("alert written despite false condition")
	}
}

func TestRunMissingPrompt(t *testing.T) {
	f := newFixture(t, weatherDef(), nil)
	_, err := f.run(t, bus.TaskReadyPayload{
		Config: map[string]interface{}{},
		Output: "result.txt",
	}, nil)
	if !errors.IsPermanent(err) {
		t.Errorf("missing prompt should be permanent, got %v", err)
	}
}

// gateSystem blocks every prompt until released, so the test can observe
// how many are in flight at once.
type gateSystem struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateSystem) SendPrompt(ctx context.Context, _, _, _ string) (string, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return "{}", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gateSystem) DeliverAlert(context.Context, string, worker.Alert) error { return nil }

func TestRegisterConcurrencyFromOptions(t *testing.T) {
	def := weatherDef()
	store := manifest.NewStore()
	b := bus.New(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})

	gate := &gateSystem{entered: make(chan struct{}), release: make(chan struct{})}
	deps := &worker.Deps{Bus: b, Manifests: store, Logger: slog.Default()}
	New(deps, gate, staticCatalog{def.ID: def}, t.TempDir(), Options{Concurrency: 2}).Register()

	for i := 0; i < 2; i++ {
		runDir := t.TempDir()
		if _, err := store.Create(runDir, "x", def, nil, "test"); err != nil {
			t.Fatal(err)
		}
		b.Publish(context.Background(), bus.Event{
			Name: bus.TaskReady,
			Payload: bus.TaskReadyPayload{
				PlanID:  "p",
				TaskID:  "prompt",
				Worker:  "ai",
				Config:  map[string]interface{}{"prompt": "hi"},
				Output:  "result.json",
				RunPath: runDir,
			},
		})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-gate.entered:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 2 prompts in flight; concurrency option not applied", i)
		}
	}
	close(gate.release)
}

func TestRunBackendFailureRetryable(t *testing.T) {
	f := newFixture(t, weatherDef(), nil)
	f.system.Err = context.DeadlineExceeded

	_, err := f.run(t, bus.TaskReadyPayload{
		Config: map[string]interface{}{"prompt": "p"},
		Output: "result.txt",
	}, nil)
	if err == nil {
		t.Fatal("expected backend error")
	}
	if errors.IsPermanent(err) {
		t.Error("backend failure should stay retryable")
	}
}
