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
	"strings"
	"testing"
	"time"
)

func TestValidationErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *ValidationError
		want string
	}{
		{
			name: "with field",
			err:  &ValidationError{Field: "steps[2].id", Message: "duplicate step id"},
			want: "validation failed on steps[2].id: duplicate step id",
		},
		{
			name: "without field",
			err:  &ValidationError{Message: "workflow contains circular dependencies"},
			want: "validation failed: workflow contains circular dependencies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWorkerErrorUnwrap(t *testing.T) {
	cause := New("connection refused")
	err := &WorkerError{
		Worker:  "fetch",
		Task:    "fetch-news",
		Message: "all sources failed",
		Cause:   cause,
	}

	if !Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if !strings.Contains(err.Error(), "fetch-news") {
		t.Errorf("Error() = %q, want task id included", err.Error())
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "permanent worker error",
			err:  &WorkerError{Worker: "exec", Message: "command is required", Permanent: true},
			want: true,
		},
		{
			name: "transient worker error",
			err:  &WorkerError{Worker: "fetch", Message: "HTTP 503"},
			want: false,
		},
		{
			name: "wrapped permanent error",
			err:  Wrap(&WorkerError{Worker: "alert", Message: "title is required", Permanent: true}, "dispatch"),
			want: true,
		},
		{
			name: "unrelated error",
			err:  New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "exec step", Duration: 30 * time.Second}
	want := "exec step operation timed out after 30s"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestSchedulerError(t *testing.T) {
	cause := fmt.Errorf("expected 5 fields, got 6")
	err := &SchedulerError{ScheduleID: "hourly-digest", Reason: "invalid cron expression", Cause: cause}

	if !Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if !strings.Contains(err.Error(), "hourly-digest") {
		t.Errorf("Error() = %q, want schedule id included", err.Error())
	}
}
