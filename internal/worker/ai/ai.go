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

// Package ai implements the AI worker: prompt assembly from run inputs
// and collected input files, one serialized call to the AI backend, and
// format-aware wrapping of the response. AI calls never run concurrently.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/manifest"
	"github.com/tombee/maestro/internal/worker"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workload"
)

// Concurrency serializes AI calls.
const Concurrency = 1

// fencePattern extracts the first fenced code block from a response.
var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// Catalog resolves a workload definition by id, so the worker can read
// the workload's alert rule. *workload.Loader satisfies it.
type Catalog interface {
	Get(id string) (*workload.Definition, bool)
}

// Options configures the worker from the daemon config.
type Options struct {
	DefaultModel string
	Concurrency  int
	Retries      int
}

// Worker is the AI worker.
type Worker struct {
	deps    *worker.Deps
	system  worker.System
	catalog Catalog
	dataDir string
	opts    Options
}

// New creates the worker.
func New(deps *worker.Deps, system worker.System, catalog Catalog, dataDir string, opts Options) *Worker {
	return &Worker{deps: deps, system: system, catalog: catalog, dataDir: dataDir, opts: opts}
}

// Register subscribes the worker to the bus.
func (w *Worker) Register() {
	concurrency := w.opts.Concurrency
	if concurrency <= 0 {
		concurrency = Concurrency
	}
	w.deps.Register("ai", concurrency, w.opts.Retries, w.run)
}

type taskConfig struct {
	Prompt       string `json:"prompt"`
	Model        string `json:"model"`
	OutputFormat string `json:"outputFormat"`
}

func (w *Worker) run(ctx context.Context, task bus.TaskReadyPayload, inputs map[string]interface{}) (*worker.Result, error) {
	var cfg taskConfig
	data, err := json.Marshal(task.Config)
	if err == nil {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, &errors.WorkerError{Worker: "ai", Task: task.TaskID, Message: fmt.Sprintf("invalid config: %v", err), Permanent: true}
	}
	if cfg.Prompt == "" {
		return nil, &errors.WorkerError{Worker: "ai", Task: task.TaskID, Message: "prompt is required", Permanent: true}
	}

	m, err := w.deps.Manifests.Read(task.RunPath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	prompt := workload.InterpolateString(cfg.Prompt, m.Input)
	if len(inputs) > 0 {
		appendix, merr := json.MarshalIndent(inputs, "", "  ")
		if merr == nil {
			prompt += "\n\nInput data:\n```json\n" + string(appendix) + "\n```"
		}
	}

	format := cfg.OutputFormat
	if format == "" {
		format = formatFromName(task.Output)
	}
	model := cfg.Model
	if model == "" {
		model = w.opts.DefaultModel
	}

	response, err := w.system.SendPrompt(ctx, prompt, model, format)
	if err != nil {
		return nil, &errors.WorkerError{Worker: "ai", Task: task.TaskID, Message: err.Error(), Cause: err}
	}

	wrapped, fileFormat := wrapResponse(response, format, m.WorkloadName)
	size, err := worker.WriteFile(task.RunPath, task.Output, []byte(wrapped))
	if err != nil {
		return nil, err
	}

	w.evaluateAlertRule(ctx, task, m, response)

	return &worker.Result{Format: fileFormat, Size: size}, nil
}

// evaluateAlertRule checks the workload's optional alert rule against the
// response and persists an alert descriptor when it holds. Rule failures
// never fail the task.
func (w *Worker) evaluateAlertRule(ctx context.Context, task bus.TaskReadyPayload, m *manifest.Manifest, response string) {
	if w.catalog == nil {
		return
	}
	def, ok := w.catalog.Get(m.WorkloadID)
	if !ok || def.Alert == nil {
		return
	}
	rule := def.Alert

	triggered := true
	if rule.Condition != "" {
		program, err := expr.Compile(rule.Condition, expr.Env(map[string]interface{}{"output": ""}), expr.AsBool())
		if err != nil {
			w.deps.Logger.Warn("alert rule does not compile", "workload", m.WorkloadID, "error", err)
			return
		}
		result, err := expr.Run(program, map[string]interface{}{"output": response})
		if err != nil {
			w.deps.Logger.Warn("alert rule evaluation failed", "workload", m.WorkloadID, "error", err)
			return
		}
		triggered, _ = result.(bool)
	}
	if !triggered {
		return
	}

	message := rule.Message
	if message == "" {
		message = fmt.Sprintf("Workload %s triggered an alert", m.WorkloadName)
	}
	alert := worker.Alert{
		ID:        uuid.NewString(),
		Title:     workload.InterpolateString(rule.Title, m.Input),
		Message:   workload.InterpolateString(message, m.Input),
		Source:    worker.AlertSource{PlanID: task.PlanID, TaskID: task.TaskID},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := worker.PersistAlert(w.dataDir, alert); err != nil {
		w.deps.Logger.Warn("alert descriptor not persisted", "error", err)
		return
	}
	_ = w.system.DeliverAlert(ctx, "toast", alert)
}

func formatFromName(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "json"
	case strings.HasSuffix(name, ".md"):
		return "markdown"
	default:
		return "text"
	}
}

// wrapResponse renders the backend response per the requested format.
// JSON responses are unwrapped from any fenced code block; markdown and
// text get a titled document with a generation timestamp.
func wrapResponse(response, format, title string) (content, fileFormat string) {
	switch format {
	case "json":
		return extractJSON(response), "json"
	case "markdown":
		doc := fmt.Sprintf("# %s\n\n_Generated %s_\n\n%s\n",
			title, time.Now().Format("2006-01-02 15:04"), strings.TrimSpace(response))
		return doc, "md"
	default:
		doc := fmt.Sprintf("%s\nGenerated %s\n\n%s\n",
			title, time.Now().Format("2006-01-02 15:04"), strings.TrimSpace(response))
		return doc, "txt"
	}
}

// extractJSON pulls the JSON document out of a response that may wrap it
// in prose or a fenced code block.
func extractJSON(response string) string {
	trimmed := strings.TrimSpace(response)
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}
	if m := fencePattern.FindStringSubmatch(response); m != nil {
		if candidate := strings.TrimSpace(m[1]); json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return trimmed
}
