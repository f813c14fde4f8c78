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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/expr-lang/expr"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/manifest"
	"github.com/tombee/maestro/pkg/workload"
)

// planState is the orchestrator's in-memory view of one active plan. It
// is a cache over the manifest, never authoritative: a missing entry is
// rebuilt from run.json and the definition.
type planState struct {
	steps      []workload.Step
	completed  map[string]bool
	dispatched map[string]bool
	skipped    map[string]bool
	runPath    string
	input      map[string]interface{}
}

// status reports a step's lifecycle phase for condition expressions.
func (s *planState) status(id string) string {
	switch {
	case s.skipped[id]:
		return "skipped"
	case s.completed[id]:
		return "completed"
	case s.dispatched[id]:
		return "running"
	default:
		return "pending"
	}
}

// Orchestrator walks step plans through their dependency graph. It reacts
// to plan.created and task.completed, dispatching every step whose
// dependencies and input files are satisfied.
type Orchestrator struct {
	catalog   Catalog
	manifests *manifest.Store
	bus       *bus.Bus
	logger    *slog.Logger

	mu    sync.Mutex
	plans map[string]*planState
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(catalog Catalog, manifests *manifest.Store, b *bus.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		catalog:   catalog,
		manifests: manifests,
		bus:       b,
		logger:    log.WithComponent(logger, "orchestrator"),
		plans:     make(map[string]*planState),
	}
}

// Register subscribes the orchestrator to the bus. The two subscriptions
// deliver on independent goroutines, so both handlers serialize on o.mu:
// plan state is only ever mutated by one handler at a time.
func (o *Orchestrator) Register() {
	o.bus.Subscribe(bus.PlanCreated, bus.SubscribeOptions{Name: "orchestrator.plan", Concurrency: 1}, o.handlePlanCreated)
	o.bus.Subscribe(bus.TaskCompleted, bus.SubscribeOptions{Name: "orchestrator.task", Concurrency: 1}, o.handleTaskCompleted)
}

func (o *Orchestrator) handlePlanCreated(ctx context.Context, event bus.Event) error {
	payload, ok := event.Payload.(bus.PlanCreatedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for plan.created", event.Payload)
	}

	if err := o.manifests.MarkRunStarted(payload.RunPath); err != nil {
		return fmt.Errorf("marking run started: %w", err)
	}

	state := &planState{
		steps:      payload.Steps,
		completed:  make(map[string]bool),
		dispatched: make(map[string]bool),
		skipped:    make(map[string]bool),
		runPath:    payload.RunPath,
		input:      payload.Input,
	}

	o.logger.Info("plan created",
		slog.String(log.RunIDKey, payload.PlanID),
		slog.Int("steps", len(payload.Steps)))

	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans[payload.PlanID] = state
	o.advance(ctx, payload.PlanID, state)
	return nil
}

func (o *Orchestrator) handleTaskCompleted(ctx context.Context, event bus.Event) error {
	payload, ok := event.Payload.(bus.TaskCompletedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for task.completed", event.Payload)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	m, err := o.manifests.Read(payload.RunPath)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	// Prompt runs carry no plan: the single task's completion ends them.
	if len(m.Steps) == 0 {
		if !m.Status.Terminal() {
			if err := o.manifests.MarkRunCompleted(payload.RunPath); err != nil {
				return err
			}
			o.emitPlanCompleted(ctx, payload.PlanID, payload.RunPath)
		}
		return nil
	}

	state := o.plans[payload.PlanID]
	if state == nil {
		// Restart recovery: rebuild the cache from the manifest and the
		// definition, then fall through as if we had tracked it all
		// along.
		state, err = o.reconstruct(m, payload.RunPath)
		if err != nil {
			return err
		}
		if state == nil {
			return nil // plan already abandoned
		}
		o.plans[payload.PlanID] = state
	}

	record := m.Step(payload.TaskID)
	if record == nil {
		o.logger.Warn("completion for unknown step",
			slog.String(log.RunIDKey, payload.PlanID),
			slog.String(log.StepIDKey, payload.TaskID))
		return nil
	}

	if record.Status == manifest.StepFailed {
		o.abandon(ctx, payload.PlanID, state, payload.TaskID, record.Error)
		return nil
	}

	// Duplicate task.completed for a step we already counted.
	if state.completed[payload.TaskID] {
		return nil
	}

	if err := o.manifests.UpdateStep(payload.RunPath, payload.TaskID, manifest.StepCompleted, ""); err != nil {
		return err
	}
	state.completed[payload.TaskID] = true

	o.advance(ctx, payload.PlanID, state)
	return nil
}

// advance dispatches every ready step, resolves condition-skipped steps,
// and finishes the plan when all steps are accounted for.
func (o *Orchestrator) advance(ctx context.Context, planID string, state *planState) {
	for {
		if len(state.completed) == len(state.steps) {
			o.finish(ctx, planID, state)
			return
		}

		progressed := false
		for _, step := range state.steps {
			if !o.ready(state, &step) {
				continue
			}

			if step.Condition != "" && !o.conditionHolds(&step, state, planID) {
				if err := o.manifests.UpdateStep(state.runPath, step.ID, manifest.StepSkipped, ""); err != nil {
					o.logger.Error("skip not recorded", slog.Any("error", err))
				}
				state.completed[step.ID] = true
				state.skipped[step.ID] = true
				o.logger.Info("step skipped",
					slog.String(log.RunIDKey, planID),
					slog.String(log.StepIDKey, step.ID))
				progressed = true
				continue
			}

			o.dispatch(ctx, planID, state, &step)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// ready reports whether a step can dispatch now: not finished, not
// in-flight, dependencies completed, and every input file produced by a
// completed step.
func (o *Orchestrator) ready(state *planState, step *workload.Step) bool {
	if state.completed[step.ID] || state.dispatched[step.ID] {
		return false
	}
	for _, dep := range step.DependsOn {
		if !state.completed[dep] {
			return false
		}
	}
	for _, file := range step.Input {
		if !o.produced(state, file) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) produced(state *planState, file string) bool {
	for _, step := range state.steps {
		if step.Output == file && state.completed[step.ID] {
			return true
		}
	}
	return false
}

func (o *Orchestrator) dispatch(ctx context.Context, planID string, state *planState, step *workload.Step) {
	if err := o.manifests.UpdateStep(state.runPath, step.ID, manifest.StepRunning, ""); err != nil {
		o.logger.Error("step not marked running", slog.Any("error", err))
	}
	state.dispatched[step.ID] = true

	o.bus.Publish(ctx, bus.Event{
		Name: bus.TaskReady,
		Payload: bus.TaskReadyPayload{
			PlanID:  planID,
			TaskID:  step.ID,
			Worker:  step.Worker,
			Config:  workload.InterpolateConfig(step.Config, state.input),
			Input:   step.Input,
			Output:  step.Output,
			RunPath: state.runPath,
		},
	})

	o.logger.Info("task dispatched",
		slog.String(log.RunIDKey, planID),
		slog.String(log.StepIDKey, step.ID),
		slog.String(log.WorkerKey, step.Worker))
}

// conditionHolds evaluates a step condition. The environment exposes run
// parameters both bare (`region`) and under `inputs.*`, plus
// `steps.<id>.status` for every plan step. An expression that does not
// compile or evaluate counts as false.
func (o *Orchestrator) conditionHolds(step *workload.Step, state *planState, planID string) bool {
	program, err := expr.Compile(step.Condition, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		o.logger.Warn("step condition does not compile",
			slog.String(log.RunIDKey, planID),
			slog.String(log.StepIDKey, step.ID),
			slog.Any("error", err))
		return false
	}

	env := make(map[string]interface{}, len(state.input)+2)
	for k, v := range state.input {
		env[k] = v
	}
	inputs := state.input
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	env["inputs"] = inputs
	steps := make(map[string]interface{}, len(state.steps))
	for _, s := range state.steps {
		steps[s.ID] = map[string]interface{}{"status": state.status(s.ID)}
	}
	env["steps"] = steps

	result, err := expr.Run(program, env)
	if err != nil {
		o.logger.Warn("step condition evaluation failed",
			slog.String(log.RunIDKey, planID),
			slog.String(log.StepIDKey, step.ID),
			slog.Any("error", err))
		return false
	}
	holds, _ := result.(bool)
	return holds
}

func (o *Orchestrator) finish(ctx context.Context, planID string, state *planState) {
	if err := o.manifests.MarkRunCompleted(state.runPath); err != nil {
		o.logger.Error("run not marked completed", slog.Any("error", err))
	}
	o.drop(planID)
	o.emitPlanCompleted(ctx, planID, state.runPath)
	o.logger.Info("plan completed", slog.String(log.RunIDKey, planID))
}

// abandon fails the run and stops dispatching. In-flight steps finish on
// their own but their completions arrive for a dropped plan and are
// ignored.
func (o *Orchestrator) abandon(ctx context.Context, planID string, state *planState, stepID, cause string) {
	msg := fmt.Sprintf("step %s failed", stepID)
	if cause != "" {
		msg = fmt.Sprintf("step %s failed: %s", stepID, cause)
	}
	if err := o.manifests.MarkRunFailed(state.runPath, msg); err != nil {
		o.logger.Error("run not marked failed", slog.Any("error", err))
	}
	o.drop(planID)
	o.logger.Warn("plan abandoned",
		slog.String(log.RunIDKey, planID),
		slog.String(log.StepIDKey, stepID))
}

// reconstruct rebuilds plan state from the manifest and the definition.
// Returns nil state for runs already terminal.
func (o *Orchestrator) reconstruct(m *manifest.Manifest, runPath string) (*planState, error) {
	if m.Status.Terminal() {
		return nil, nil
	}
	def, ok := o.catalog.Get(m.WorkloadID)
	if !ok {
		return nil, fmt.Errorf("reconstructing plan: workload %s no longer in catalog", m.WorkloadID)
	}

	state := &planState{
		steps:      def.Steps,
		completed:  make(map[string]bool),
		dispatched: make(map[string]bool),
		skipped:    make(map[string]bool),
		runPath:    runPath,
		input:      m.Input,
	}
	for _, record := range m.Steps {
		switch record.Status {
		case manifest.StepCompleted:
			state.completed[record.ID] = true
		case manifest.StepSkipped:
			state.completed[record.ID] = true
			state.skipped[record.ID] = true
		case manifest.StepRunning:
			state.dispatched[record.ID] = true
		}
	}
	return state, nil
}

// drop forgets a plan. Callers hold o.mu.
func (o *Orchestrator) drop(planID string) {
	delete(o.plans, planID)
}

func (o *Orchestrator) emitPlanCompleted(ctx context.Context, planID, runPath string) {
	o.bus.Publish(ctx, bus.Event{
		Name:    bus.PlanCompleted,
		Payload: bus.PlanCompletedPayload{PlanID: planID, RunPath: runPath},
	})
}
