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

// Package engine runs workloads: the executor turns a run request into a
// run directory plus the initial events, and the orchestrator walks step
// plans through their dependency graph.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/manifest"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workload"
)

// Catalog is the read side of the workload loader the engine needs.
type Catalog interface {
	Get(id string) (*workload.Definition, bool)
}

// RunInfo describes a run the executor just started.
type RunInfo struct {
	InstanceID string `json:"instanceId"`
	WorkloadID string `json:"workloadId"`
	RunPath    string `json:"runPath"`
	Status     string `json:"status"`
}

// Executor is the single entry point for starting runs. It allocates the
// instance id and run directory, writes the initial manifest, and hands
// the run to the bus: one task.ready for prompt workloads, one
// plan.created for step workloads.
type Executor struct {
	catalog   Catalog
	manifests *manifest.Store
	bus       *bus.Bus
	dataDir   string
	logger    *slog.Logger
}

// NewExecutor creates the executor.
func NewExecutor(catalog Catalog, manifests *manifest.Store, b *bus.Bus, dataDir string, logger *slog.Logger) *Executor {
	return &Executor{
		catalog:   catalog,
		manifests: manifests,
		bus:       b,
		dataDir:   dataDir,
		logger:    log.WithComponent(logger, "executor"),
	}
}

// RegisterTriggerHandler subscribes the executor to scheduler triggers.
func (e *Executor) RegisterTriggerHandler() {
	e.bus.Subscribe(bus.WorkloadTrigger, bus.SubscribeOptions{Name: "executor.trigger", Concurrency: 4}, func(ctx context.Context, event bus.Event) error {
		payload, ok := event.Payload.(bus.WorkloadTriggerPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for workload.trigger", event.Payload)
		}
		info, err := e.Run(ctx, payload.WorkloadID, payload.Params, "schedule:"+payload.ScheduleID)
		if err != nil {
			e.logger.Error("scheduled run failed to start",
				slog.String(log.ScheduleKey, payload.ScheduleID),
				slog.String(log.WorkloadKey, payload.WorkloadID),
				slog.Any("error", err))
			// Creation-time errors are not transient; retrying the
			// trigger would re-fail identically.
			return nil
		}
		e.logger.Info("scheduled run started",
			slog.String(log.ScheduleKey, payload.ScheduleID),
			slog.String(log.RunIDKey, info.InstanceID))
		return nil
	})
}

// Run starts one run of the given workload. Unknown workloads and invalid
// inputs fail synchronously; everything after manifest creation flows
// through the bus.
func (e *Executor) Run(ctx context.Context, workloadID string, params map[string]interface{}, createdBy string) (*RunInfo, error) {
	def, ok := e.catalog.Get(workloadID)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workload", ID: workloadID}
	}

	input, err := workload.ValidateInputs(def, params)
	if err != nil {
		return nil, err
	}

	instanceID := NewInstanceID(workloadID, time.Now())
	runPath := filepath.Join(e.dataDir, "runs", instanceID)
	if err := os.MkdirAll(runPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	if createdBy == "" {
		createdBy = "api"
	}
	m, err := e.manifests.Create(runPath, instanceID, def, input, createdBy)
	if err != nil {
		return nil, fmt.Errorf("writing initial manifest: %w", err)
	}

	if def.IsPrompt() {
		config := map[string]interface{}{
			"prompt": def.Prompt,
		}
		if def.Model != "" {
			config["model"] = def.Model
		}
		if def.Output != nil {
			config["outputFormat"] = def.Output.Format
		}
		e.bus.Publish(ctx, bus.Event{
			Name: bus.TaskReady,
			Payload: bus.TaskReadyPayload{
				PlanID:  instanceID,
				TaskID:  "prompt",
				Worker:  workload.WorkerAI,
				Config:  config,
				Output:  m.PrimaryOutput,
				RunPath: runPath,
			},
		})
	} else {
		e.bus.Publish(ctx, bus.Event{
			Name: bus.PlanCreated,
			Payload: bus.PlanCreatedPayload{
				PlanID:     instanceID,
				TemplateID: workloadID,
				RunPath:    runPath,
				Steps:      def.Steps,
				Input:      input,
			},
		})
	}

	e.logger.Info("run started",
		slog.String(log.RunIDKey, instanceID),
		slog.String(log.WorkloadKey, workloadID))

	return &RunInfo{
		InstanceID: instanceID,
		WorkloadID: workloadID,
		RunPath:    runPath,
		Status:     string(manifest.StatusPending),
	}, nil
}

// NewInstanceID builds the run identifier: <workloadId>-YYYY-MM-DD-HHMMSS
// in local time.
func NewInstanceID(workloadID string, t time.Time) string {
	return fmt.Sprintf("%s-%s", workloadID, t.Format("2006-01-02-150405"))
}
