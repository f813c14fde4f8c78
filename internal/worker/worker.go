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

// Package worker holds the shared task contract every worker follows:
// mark the step running, read declared input files, execute, write the
// output file, record it in the manifest, mark the step terminal, and
// emit a completion event. Individual workers implement only the
// execute phase.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/manifest"
)

// unreadableInput is the placeholder asset substituted for an input file
// that cannot be read, so a single bad input degrades the task instead of
// failing it.
var unreadableInput = map[string]interface{}{"error": "Could not read file"}

// Result describes the output file a worker wrote for a task.
type Result struct {
	// Format is the output file format: "json", "md", or "txt".
	Format string
	// Size is the written file's size in bytes.
	Size int64
}

// Handler is one worker's execute phase. Inputs are the task's declared
// input files, parsed as JSON where possible, keyed by filename. The
// handler writes the task's output file itself and reports what it wrote.
type Handler func(ctx context.Context, task bus.TaskReadyPayload, inputs map[string]interface{}) (*Result, error)

// Deps wires a worker to the engine.
type Deps struct {
	Bus       *bus.Bus
	Manifests *manifest.Store
	Logger    *slog.Logger
}

// Register subscribes a worker to task.ready events for its worker name,
// wrapping the handler in the shared contract. Retries are driven by the
// bus; when the budget is exhausted the step is marked failed and a
// completion event is still emitted so the orchestrator observes the
// verdict from the manifest.
func (d *Deps) Register(workerName string, concurrency, retries int, h Handler) {
	logger := log.WithComponent(d.Logger, "worker."+workerName)

	d.Bus.Subscribe(bus.TaskReady, bus.SubscribeOptions{
		Name:        "worker." + workerName,
		Worker:      workerName,
		Concurrency: concurrency,
		Retries:     retries,
		OnExhausted: func(ctx context.Context, event bus.Event, err error) {
			task, ok := event.Payload.(bus.TaskReadyPayload)
			if !ok {
				return
			}
			d.fail(ctx, task, err)
		},
	}, func(ctx context.Context, event bus.Event) error {
		task, ok := event.Payload.(bus.TaskReadyPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for task.ready", event.Payload)
		}

		taskLogger := logger.With(
			slog.String(log.RunIDKey, task.PlanID),
			slog.String(log.StepIDKey, task.TaskID))

		// A redelivered task whose step already finished is acknowledged
		// by re-emitting the completion event, not by re-executing.
		if d.alreadyTerminal(task) {
			taskLogger.Debug("task already terminal, re-emitting completion")
			d.emitCompleted(ctx, task)
			return nil
		}

		if err := d.Manifests.UpdateStep(task.RunPath, task.TaskID, manifest.StepRunning, ""); err != nil {
			return fmt.Errorf("marking step running: %w", err)
		}

		start := time.Now()
		inputs := ReadInputs(task.RunPath, task.Input, taskLogger)

		res, err := h(ctx, task, inputs)
		if err != nil {
			return err
		}

		outputType := manifest.OutputIntermediate
		if m, rerr := d.Manifests.Read(task.RunPath); rerr == nil && m.PrimaryOutput == task.Output {
			outputType = manifest.OutputPrimary
		}
		if err := d.Manifests.RecordOutput(task.RunPath, manifest.OutputRecord{
			File:   task.Output,
			Step:   task.TaskID,
			Type:   outputType,
			Format: res.Format,
			Size:   res.Size,
		}); err != nil {
			return fmt.Errorf("recording output: %w", err)
		}
		if err := d.Manifests.UpdateStep(task.RunPath, task.TaskID, manifest.StepCompleted, ""); err != nil {
			return fmt.Errorf("marking step completed: %w", err)
		}

		taskLogger.Info("task completed",
			slog.String("output", task.Output),
			slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))
		d.emitCompleted(ctx, task)
		return nil
	})
}

// fail records the final verdict after retries are exhausted. Prompt runs
// have no step records; the run itself is failed instead.
func (d *Deps) fail(ctx context.Context, task bus.TaskReadyPayload, cause error) {
	m, err := d.Manifests.Read(task.RunPath)
	if err == nil && len(m.Steps) == 0 {
		_ = d.Manifests.MarkRunFailed(task.RunPath, cause.Error())
	} else {
		_ = d.Manifests.UpdateStep(task.RunPath, task.TaskID, manifest.StepFailed, cause.Error())
	}
	d.emitCompleted(ctx, task)
}

func (d *Deps) alreadyTerminal(task bus.TaskReadyPayload) bool {
	m, err := d.Manifests.Read(task.RunPath)
	if err != nil {
		return false
	}
	if len(m.Steps) == 0 {
		return m.Status.Terminal()
	}
	step := m.Step(task.TaskID)
	return step != nil && step.Status.Terminal()
}

func (d *Deps) emitCompleted(ctx context.Context, task bus.TaskReadyPayload) {
	d.Bus.Publish(ctx, bus.Event{
		Name: bus.TaskCompleted,
		Payload: bus.TaskCompletedPayload{
			PlanID:  task.PlanID,
			TaskID:  task.TaskID,
			Output:  task.Output,
			RunPath: task.RunPath,
		},
	})
}

// ReadInputs loads the task's declared input files from the run directory.
// Each file is parsed as JSON when possible; otherwise the raw text is
// kept. Unreadable files are replaced with an error placeholder.
func ReadInputs(runPath string, names []string, logger *slog.Logger) map[string]interface{} {
	if len(names) == 0 {
		return nil
	}
	inputs := make(map[string]interface{}, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(runPath, name))
		if err != nil {
			if logger != nil {
				logger.Warn("input file unreadable", slog.String("file", name), slog.Any("error", err))
			}
			inputs[name] = unreadableInput
			continue
		}
		var parsed interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			inputs[name] = string(data)
			continue
		}
		inputs[name] = parsed
	}
	return inputs
}

// WriteJSON writes a JSON asset into the run directory and returns its size.
func WriteJSON(runPath, name string, v interface{}) (int64, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encoding %s: %w", name, err)
	}
	return WriteFile(runPath, name, data)
}

// WriteFile writes raw output into the run directory and returns its size.
func WriteFile(runPath, name string, data []byte) (int64, error) {
	path := filepath.Join(runPath, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing %s: %w", name, err)
	}
	return int64(len(data)), nil
}
