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

// Package countdown implements the COUNTDOWN worker: timed waits inside a
// plan, either for a relative duration or until an absolute instant.
package countdown

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/worker"
	"github.com/tombee/maestro/pkg/errors"
)

// Concurrency is the bus-level invocation ceiling for countdown tasks.
// Waits hold no resources beyond a timer, so the ceiling is generous.
const Concurrency = 10

// durationPattern accepts compound durations with an optional day unit,
// e.g. "1d2h", "1h30m15s", "45s".
var durationPattern = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// Worker is the COUNTDOWN worker.
type Worker struct {
	deps *worker.Deps
}

// New creates the worker.
func New(deps *worker.Deps) *Worker {
	return &Worker{deps: deps}
}

// Register subscribes the worker to the bus. Wait failures are all
// permanent, so there is no retry budget.
func (w *Worker) Register() {
	w.deps.Register("countdown", Concurrency, 0, w.run)
}

type taskConfig struct {
	Duration string `json:"duration"`
	Until    string `json:"until"`
	Message  string `json:"message"`
}

// output is the JSON asset a countdown task writes.
type output struct {
	Success     bool   `json:"success"`
	Mode        string `json:"mode"`
	Target      string `json:"target,omitempty"`
	Message     string `json:"message,omitempty"`
	StartedAt   string `json:"startedAt"`
	CompletedAt string `json:"completedAt"`
	WaitedMs    int64  `json:"waitedMs"`
	WaitedHuman string `json:"waitedHuman"`
}

func (w *Worker) run(ctx context.Context, task bus.TaskReadyPayload, _ map[string]interface{}) (*worker.Result, error) {
	var cfg taskConfig
	data, err := json.Marshal(task.Config)
	if err == nil {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, &errors.WorkerError{Worker: "countdown", Task: task.TaskID, Message: fmt.Sprintf("invalid config: %v", err), Permanent: true}
	}

	start := time.Now()
	var (
		wait time.Duration
		mode string
	)

	// An absolute target takes precedence over a relative duration; a
	// target already in the past waits for nothing.
	switch {
	case cfg.Until != "":
		mode = "until"
		target, perr := time.Parse(time.RFC3339, cfg.Until)
		if perr != nil {
			return nil, &errors.WorkerError{Worker: "countdown", Task: task.TaskID, Message: fmt.Sprintf("invalid until %q: %v", cfg.Until, perr), Permanent: true}
		}
		wait = time.Until(target)
		if wait < 0 {
			wait = 0
		}
	case cfg.Duration != "":
		mode = "duration"
		d, perr := ParseDuration(cfg.Duration)
		if perr != nil {
			return nil, &errors.WorkerError{Worker: "countdown", Task: task.TaskID, Message: perr.Error(), Permanent: true}
		}
		wait = d
	default:
		return nil, &errors.WorkerError{Worker: "countdown", Task: task.TaskID, Message: "duration or until is required", Permanent: true}
	}

	if err := w.deps.Bus.Sleep(ctx, wait); err != nil {
		return nil, err
	}

	end := time.Now()
	out := output{
		Success:     true,
		Mode:        mode,
		Target:      cfg.Until,
		Message:     cfg.Message,
		StartedAt:   start.UTC().Format(time.RFC3339),
		CompletedAt: end.UTC().Format(time.RFC3339),
		WaitedMs:    end.Sub(start).Milliseconds(),
		WaitedHuman: end.Sub(start).Round(time.Second).String(),
	}

	size, err := worker.WriteJSON(task.RunPath, task.Output, out)
	if err != nil {
		return nil, err
	}
	return &worker.Result{Format: "json", Size: size}, nil
}

// ParseDuration parses a compound duration with an optional day unit.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil || s == "" {
		return 0, fmt.Errorf("invalid duration %q (want forms like 1d, 1h30m, 45s)", s)
	}
	part := func(idx int) time.Duration {
		if m[idx] == "" {
			return 0
		}
		n, _ := strconv.Atoi(m[idx])
		return time.Duration(n)
	}
	d := part(1)*24*time.Hour + part(2)*time.Hour + part(3)*time.Minute + part(4)*time.Second
	if d == 0 && m[1] == "" && m[2] == "" && m[3] == "" && m[4] == "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
