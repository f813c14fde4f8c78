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

package daemon

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/manifest"
)

// Metrics collects daemon counters into a private Prometheus registry.
// Event-derived counters are fed by bus subscriptions; run outcomes are
// fed from the manifest store's terminal-transition hook.
type Metrics struct {
	registry *prometheus.Registry

	runsFinished    *prometheus.CounterVec
	tasksDispatched *prometheus.CounterVec
	tasksCompleted  prometheus.Counter
	plansCreated    prometheus.Counter
	triggers        prometheus.Counter
}

// NewMetrics creates the metrics set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_runs_finished_total",
			Help: "Workload runs reaching a terminal status.",
		}, []string{"status"}),
		tasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_tasks_dispatched_total",
			Help: "Tasks dispatched to workers.",
		}, []string{"worker"}),
		tasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "maestro_tasks_completed_total",
			Help: "Task completion events observed on the bus.",
		}),
		plansCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "maestro_plans_created_total",
			Help: "Step plans created.",
		}),
		triggers: factory.NewCounter(prometheus.CounterOpts{
			Name: "maestro_schedule_triggers_total",
			Help: "Workload triggers fired by the scheduler.",
		}),
	}
}

// Observe subscribes the counters to the event bus.
func (m *Metrics) Observe(b *bus.Bus) {
	b.Subscribe(bus.TaskReady, bus.SubscribeOptions{Name: "metrics.tasks", Concurrency: 4},
		func(_ context.Context, e bus.Event) error {
			if p, ok := e.Payload.(bus.TaskReadyPayload); ok {
				m.tasksDispatched.WithLabelValues(p.Worker).Inc()
			}
			return nil
		})
	b.Subscribe(bus.TaskCompleted, bus.SubscribeOptions{Name: "metrics.completions", Concurrency: 4},
		func(_ context.Context, _ bus.Event) error {
			m.tasksCompleted.Inc()
			return nil
		})
	b.Subscribe(bus.PlanCreated, bus.SubscribeOptions{Name: "metrics.plans", Concurrency: 4},
		func(_ context.Context, _ bus.Event) error {
			m.plansCreated.Inc()
			return nil
		})
	b.Subscribe(bus.WorkloadTrigger, bus.SubscribeOptions{Name: "metrics.triggers", Concurrency: 4},
		func(_ context.Context, _ bus.Event) error {
			m.triggers.Inc()
			return nil
		})
}

// RunFinished records one terminal run transition.
func (m *Metrics) RunFinished(status manifest.Status) {
	m.runsFinished.WithLabelValues(string(status)).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
