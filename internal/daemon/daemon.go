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

// Package daemon assembles the engine: catalog, bus, workers,
// orchestrator, scheduler, run history, metrics, and the REST facade.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/daemon/api"
	"github.com/tombee/maestro/internal/daemon/history"
	"github.com/tombee/maestro/internal/engine"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/manifest"
	"github.com/tombee/maestro/internal/scheduler"
	"github.com/tombee/maestro/internal/worker"
	"github.com/tombee/maestro/internal/worker/ai"
	"github.com/tombee/maestro/internal/worker/alert"
	"github.com/tombee/maestro/internal/worker/countdown"
	"github.com/tombee/maestro/internal/worker/fetch"
	"github.com/tombee/maestro/internal/worker/shell"
	"github.com/tombee/maestro/pkg/workload"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server and the
// event bus.
const shutdownTimeout = 10 * time.Second

// Daemon is the assembled engine.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *bus.Bus
	loader    *workload.Loader
	manifests *manifest.Store
	executor  *engine.Executor
	scheduler *scheduler.Scheduler
	index     *history.Index
	metrics   *Metrics
	server    *http.Server
}

// New wires the engine from configuration. The daemon is inert until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = log.New(&log.Config{
			Level:  cfg.Logging.Level,
			Format: log.Format(cfg.Logging.Format),
		})
	}

	for _, dir := range []string{
		filepath.Join(cfg.Paths.Data, "runs"),
		cfg.Paths.Workloads,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	loader := workload.NewLoader(cfg.Paths.Workloads, cfg.Paths.Examples, logger)
	if err := loader.Reload(); err != nil {
		return nil, err
	}

	b := bus.New(logger)
	manifests := manifest.NewStore()
	metrics := NewMetrics()
	metrics.Observe(b)

	index, err := history.Open(filepath.Join(cfg.Paths.Data, "history.db"))
	if err != nil {
		// The index is an accelerator; run without it rather than
		// refusing to start.
		logger.Warn("run-history index unavailable", slog.Any("error", err))
		index = nil
	}
	manifests.OnTerminal = func(runDir string, m *manifest.Manifest) {
		metrics.RunFinished(m.Status)
		if index != nil {
			if err := index.Record(summaryOf(m)); err != nil {
				logger.Warn("run not indexed",
					slog.String(log.RunIDKey, m.InstanceID),
					slog.Any("error", err))
			}
		}
	}

	var system worker.System
	if cfg.AI.UseMock {
		system = &worker.MockSystem{}
	} else {
		system = &worker.LiveSystem{
			Endpoint: cfg.AI.Endpoint,
			APIKey:   os.Getenv("MAESTRO_AI_API_KEY"),
			Logger:   logger,
		}
	}

	deps := &worker.Deps{Bus: b, Manifests: manifests, Logger: logger}
	ai.New(deps, system, loader, cfg.Paths.Data, ai.Options{
		DefaultModel: cfg.AI.DefaultModel,
		Concurrency:  cfg.AI.Concurrency,
		Retries:      cfg.AI.Retries,
	}).Register()
	fetch.New(deps, fetch.Options{
		Timeout:   time.Duration(cfg.Workers.Fetch.TimeoutMs) * time.Millisecond,
		UserAgent: cfg.Workers.Fetch.UserAgent,
		Retries:   cfg.Workers.Fetch.Retries,
	}).Register()
	shell.New(deps, shell.Options{
		Timeout: time.Duration(cfg.Workers.Exec.TimeoutMs) * time.Millisecond,
		Shell:   cfg.Workers.Exec.Shell,
		Retries: cfg.Workers.Exec.Retries,
	}).Register()
	countdown.New(deps).Register()
	alert.New(deps, cfg.Paths.Data, system).Register()

	engine.NewOrchestrator(loader, manifests, b, logger).Register()
	executor := engine.NewExecutor(loader, manifests, b, cfg.Paths.Data, logger)
	executor.RegisterTriggerHandler()

	schedStore := scheduler.NewStore(cfg.Paths.Data)
	sched := scheduler.New(schedStore, b, logger)

	router := api.NewRouter(cfg.Server.CORSOrigin, logger)
	api.NewWorkloadsHandler(loader, cfg).RegisterRoutes(router.Mux())
	api.NewRunsHandler(filepath.Join(cfg.Paths.Data, "runs"), manifests, executor, loader, indexOrNil(index)).RegisterRoutes(router.Mux())
	api.NewSchedulesHandler(schedStore, sched).RegisterRoutes(router.Mux())
	api.NewFoldersHandler(cfg.Paths.Workloads).RegisterRoutes(router.Mux())
	router.SetReloader(loader)
	router.SetMetricsHandler(metrics.Handler())

	return &Daemon{
		cfg:       cfg,
		logger:    log.WithComponent(logger, "daemon"),
		bus:       b,
		loader:    loader,
		manifests: manifests,
		executor:  executor,
		scheduler: sched,
		index:     index,
		metrics:   metrics,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           router.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// indexOrNil avoids handing the runs handler a typed-nil interface.
func indexOrNil(ix *history.Index) api.HistoryIndex {
	if ix == nil {
		return nil
	}
	return ix
}

// summaryOf condenses a manifest for the history index.
func summaryOf(m *manifest.Manifest) manifest.Summary {
	started := m.StartedAt
	return manifest.Summary{
		InstanceID:    m.InstanceID,
		WorkloadID:    m.WorkloadID,
		WorkloadName:  m.WorkloadName,
		Status:        m.Status,
		StartedAt:     &started,
		DurationMs:    m.DurationMs,
		OutputCount:   len(m.Outputs),
		PrimaryOutput: m.PrimaryOutput,
		Error:         m.Error,
	}
}

// Run serves until the context is cancelled, then shuts down the HTTP
// listener and drains the bus.
func (d *Daemon) Run(ctx context.Context) error {
	go func() {
		if err := d.loader.Watch(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("catalog watch stopped", slog.Any("error", err))
		}
	}()
	go d.scheduler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", slog.String("addr", d.server.Addr))
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", slog.Any("error", err))
	}
	if err := d.bus.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("bus shutdown", slog.Any("error", err))
	}
	if d.index != nil {
		_ = d.index.Close()
	}
	d.logger.Info("stopped")
	return nil
}
