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

// Package alert implements the ALERT worker: user-facing notifications
// delivered over one or more channels. Toast and sound go through the
// external System integration; the log channel persists the alert under
// the data directory where the REST facade can list it.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/worker"
	"github.com/tombee/maestro/pkg/errors"
)

// Concurrency is the bus-level invocation ceiling for alert tasks.
const Concurrency = 5

// Worker is the ALERT worker.
type Worker struct {
	deps    *worker.Deps
	dataDir string
	system  worker.System
	retries int
}

// New creates the worker. dataDir is the daemon data directory; persisted
// alerts land in its alerts/ subdirectory.
func New(deps *worker.Deps, dataDir string, system worker.System) *Worker {
	return &Worker{deps: deps, dataDir: dataDir, system: system}
}

// Register subscribes the worker to the bus.
func (w *Worker) Register() {
	w.deps.Register("alert", Concurrency, w.retries, w.run)
}

type taskConfig struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	Sound    string `json:"sound"`
	Priority string `json:"priority"`
	Persist  *bool  `json:"persist"`
}

// output is the JSON asset an alert task writes.
type output struct {
	Success  bool              `json:"success"`
	AlertID  string            `json:"alertId"`
	Title    string            `json:"title"`
	Channels map[string]string `json:"channels"`
}

func (w *Worker) run(ctx context.Context, task bus.TaskReadyPayload, _ map[string]interface{}) (*worker.Result, error) {
	var cfg taskConfig
	data, err := json.Marshal(task.Config)
	if err == nil {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, &errors.WorkerError{Worker: "alert", Task: task.TaskID, Message: fmt.Sprintf("invalid config: %v", err), Permanent: true}
	}
	if cfg.Title == "" {
		return nil, &errors.WorkerError{Worker: "alert", Task: task.TaskID, Message: "title is required", Permanent: true}
	}
	if cfg.Message == "" {
		return nil, &errors.WorkerError{Worker: "alert", Task: task.TaskID, Message: "message is required", Permanent: true}
	}

	channels, err := resolveChannels(cfg.Type)
	if err != nil {
		return nil, &errors.WorkerError{Worker: "alert", Task: task.TaskID, Message: err.Error(), Permanent: true}
	}
	sound, err := resolveSound(cfg.Sound)
	if err != nil {
		return nil, &errors.WorkerError{Worker: "alert", Task: task.TaskID, Message: err.Error(), Permanent: true}
	}

	record := worker.Alert{
		ID:        uuid.NewString(),
		Title:     cfg.Title,
		Message:   cfg.Message,
		Priority:  cfg.Priority,
		Sound:     sound,
		Source:    worker.AlertSource{PlanID: task.PlanID, TaskID: task.TaskID},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	results := make(map[string]string, len(channels))
	delivered := 0
	persisted := false
	for _, channel := range channels {
		var cerr error
		if channel == "log" {
			cerr = worker.PersistAlert(w.dataDir, record)
			persisted = cerr == nil
		} else {
			cerr = w.system.DeliverAlert(ctx, channel, record)
		}
		if cerr != nil {
			results[channel] = cerr.Error()
			continue
		}
		results[channel] = "delivered"
		delivered++
	}

	// Alerts persist by default so they survive the toast.
	if !persisted && (cfg.Persist == nil || *cfg.Persist) {
		if perr := worker.PersistAlert(w.dataDir, record); perr != nil {
			w.deps.Logger.Warn("alert not persisted", "error", perr)
		}
	}

	// Delivery on any one channel counts as success.
	if delivered == 0 {
		return nil, &errors.WorkerError{
			Worker: "alert", Task: task.TaskID,
			Message: fmt.Sprintf("no channel delivered: %v", results),
		}
	}

	out := output{Success: true, AlertID: record.ID, Title: record.Title, Channels: results}
	size, err := worker.WriteJSON(task.RunPath, task.Output, out)
	if err != nil {
		return nil, err
	}
	return &worker.Result{Format: "json", Size: size}, nil
}

func resolveChannels(alertType string) ([]string, error) {
	switch alertType {
	case "", "toast":
		return []string{"toast"}, nil
	case "sound":
		return []string{"sound"}, nil
	case "log":
		return []string{"log"}, nil
	case "all":
		return []string{"toast", "sound", "log"}, nil
	default:
		return nil, fmt.Errorf("unknown alert type %q (want toast, sound, log, or all)", alertType)
	}
}

func resolveSound(sound string) (string, error) {
	switch sound {
	case "":
		return "default", nil
	case "default", "reminder", "alarm", "none":
		return sound, nil
	default:
		return "", fmt.Errorf("unknown sound %q (want default, reminder, alarm, or none)", sound)
	}
}
