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

// Package shell implements the EXEC worker: local command execution with
// a timeout, optional environment and working directory, and an optional
// line filter over stdout.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/worker"
	"github.com/tombee/maestro/pkg/errors"
)

// DefaultTimeout bounds a command when the task config is silent.
const DefaultTimeout = 30 * time.Second

// Concurrency is the bus-level invocation ceiling for exec tasks.
const Concurrency = 3

// Options configures the worker from the daemon config.
type Options struct {
	Timeout time.Duration
	// Shell is the interpreter for commands given without explicit args.
	Shell   string
	Retries int
}

// Worker is the EXEC worker.
type Worker struct {
	deps    *worker.Deps
	timeout time.Duration
	shell   string
	retries int
}

// New creates the worker.
func New(deps *worker.Deps, opts Options) *Worker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	return &Worker{deps: deps, timeout: opts.Timeout, shell: opts.Shell, retries: opts.Retries}
}

// Register subscribes the worker to the bus.
func (w *Worker) Register() {
	w.deps.Register("exec", Concurrency, w.retries, w.run)
}

type taskConfig struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
	TimeoutMs int               `json:"timeout"`
	Filter    string            `json:"filter"`
}

// output is the JSON asset an exec task writes.
type output struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Command    string `json:"command"`
	DurationMs int64  `json:"duration"`
	Filtered   bool   `json:"filtered,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (w *Worker) run(ctx context.Context, task bus.TaskReadyPayload, _ map[string]interface{}) (*worker.Result, error) {
	var cfg taskConfig
	data, err := json.Marshal(task.Config)
	if err == nil {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, &errors.WorkerError{Worker: "exec", Task: task.TaskID, Message: fmt.Sprintf("invalid config: %v", err), Permanent: true}
	}
	if cfg.Command == "" {
		return nil, &errors.WorkerError{Worker: "exec", Task: task.TaskID, Message: "command is required", Permanent: true}
	}

	var filter *regexp.Regexp
	if cfg.Filter != "" {
		filter, err = regexp.Compile(cfg.Filter)
		if err != nil {
			return nil, &errors.WorkerError{Worker: "exec", Task: task.TaskID, Message: fmt.Sprintf("invalid filter: %v", err), Permanent: true}
		}
	}

	timeout := w.timeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if len(cfg.Args) > 0 {
		cmd = exec.CommandContext(cmdCtx, cfg.Command, cfg.Args...)
	} else {
		cmd = exec.CommandContext(cmdCtx, w.shell, "-c", cfg.Command)
	}
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	// The filter applies only to a successful command's stdout.
	outStdout := stdout.String()
	filtered := false
	if filter != nil && runErr == nil {
		outStdout = filterLines(outStdout, filter)
		filtered = true
	}

	out := output{
		Success:    runErr == nil,
		Stdout:     outStdout,
		Stderr:     stderr.String(),
		Command:    cfg.Command,
		DurationMs: elapsed,
		Filtered:   filtered,
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		out.Success = false
		out.ExitCode = -1
		out.Error = fmt.Sprintf("command timed out after %s", timeout)
		_, _ = worker.WriteJSON(task.RunPath, task.Output, out)
		return nil, &errors.WorkerError{Worker: "exec", Task: task.TaskID, Message: out.Error, Permanent: true}
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			// Non-zero exit is a legitimate outcome; the task completes
			// and the asset carries the verdict.
			out.ExitCode = exitErr.ExitCode()
			out.Error = runErr.Error()
		} else {
			return nil, &errors.WorkerError{Worker: "exec", Task: task.TaskID, Message: fmt.Sprintf("starting command: %v", runErr), Permanent: true}
		}
	}

	size, err := worker.WriteJSON(task.RunPath, task.Output, out)
	if err != nil {
		return nil, err
	}
	return &worker.Result{Format: "json", Size: size}, nil
}

// filterLines keeps only stdout lines matching the filter.
func filterLines(s string, filter *regexp.Regexp) string {
	if filter == nil {
		return s
	}
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if filter.MatchString(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
