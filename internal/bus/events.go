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

package bus

import (
	"time"

	"github.com/tombee/maestro/pkg/workload"
)

// Event names carried by the bus. Every event for one run shares a plan id;
// scheduler events carry a schedule id instead.
const (
	// PlanCreated is emitted by the executor for step workloads and
	// consumed by the orchestrator.
	PlanCreated = "plan.created"

	// TaskReady is emitted by the executor (prompt workloads) or the
	// orchestrator (ready steps) and consumed by workers, filtered on
	// the payload's worker name.
	TaskReady = "task.ready"

	// TaskCompleted is emitted by workers and consumed by the
	// orchestrator. Duplicate deliveries for the same (plan, task)
	// pair must be ignorable.
	TaskCompleted = "task.completed"

	// PlanCompleted is terminal; emitted by the orchestrator.
	PlanCompleted = "plan.completed"

	// WorkloadTrigger is emitted by the scheduler and consumed by the
	// trigger handler, which invokes the executor.
	WorkloadTrigger = "workload.trigger"
)

// Event is the envelope carried by the bus. Subscriptions deduplicate on ID.
type Event struct {
	ID      string
	Name    string
	Time    time.Time
	Payload interface{}
}

// PlanCreatedPayload announces a new step-workload plan.
type PlanCreatedPayload struct {
	PlanID     string
	TemplateID string
	RunPath    string
	Steps      []workload.Step
	Input      map[string]interface{}
}

// TaskReadyPayload dispatches one step to its worker. Config has already
// been interpolated by the emitter.
type TaskReadyPayload struct {
	PlanID  string
	TaskID  string
	Worker  string
	Config  map[string]interface{}
	Input   []string
	Output  string
	RunPath string
}

// TaskCompletedPayload reports one finished step back to the orchestrator.
type TaskCompletedPayload struct {
	PlanID  string
	TaskID  string
	Output  string
	RunPath string
}

// PlanCompletedPayload marks a plan as finished.
type PlanCompletedPayload struct {
	PlanID  string
	RunPath string
}

// WorkloadTriggerPayload asks the trigger handler to start a run.
type WorkloadTriggerPayload struct {
	ScheduleID   string
	ScheduleName string
	WorkloadID   string
	Params       map[string]interface{}
}
