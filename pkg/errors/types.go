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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents workload or input validation failures.
// Use this for malformed YAML, schema violations, dependency cycles,
// or invalid run parameters.
type ValidationError struct {
	// Field identifies which field or step failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workload", "run", "schedule")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents an attempt to create a resource that already exists.
type ConflictError struct {
	// Resource is the type of resource (e.g., "workload", "schedule")
	Resource string

	// ID is the conflicting identifier
	ID string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// WorkerError represents a failure inside a worker handler.
// Transient failures (HTTP errors, spawn failures, AI backend failures) are
// retried by the bus up to the worker's retry budget; permanent failures
// (invalid config, sandbox violations) fail the step immediately.
type WorkerError struct {
	// Worker is the worker name (ai, fetch, exec, countdown, alert)
	Worker string

	// Task is the step identifier that failed
	Task string

	// Message is the human-readable error message
	Message string

	// Permanent marks errors that must not be retried
	Permanent bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *WorkerError) Error() string {
	msg := fmt.Sprintf("worker %s failed", e.Worker)
	if e.Task != "" {
		msg = fmt.Sprintf("%s on task %s", msg, e.Task)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *WorkerError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "server.port", "paths.data")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "exec step", "fetch request")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// SchedulerError represents a per-schedule failure during a scheduler tick.
// The schedule is skipped for the tick; lastRunAt is never mutated retroactively.
type SchedulerError struct {
	// ScheduleID identifies the schedule that failed
	ScheduleID string

	// Reason explains what went wrong (invalid cron, missing record, cap hit)
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	return fmt.Sprintf("schedule %s: %s", e.ScheduleID, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SchedulerError) Unwrap() error {
	return e.Cause
}

// IsPermanent reports whether err is a WorkerError marked permanent.
// The bus consults this before scheduling a retry.
func IsPermanent(err error) bool {
	var we *WorkerError
	if As(err, &we) {
		return we.Permanent
	}
	return false
}
