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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/engine"
	"github.com/tombee/maestro/internal/manifest"
	"github.com/tombee/maestro/internal/scheduler"
	"github.com/tombee/maestro/pkg/workload"
)

const weatherYAML = `id: weather
name: Weather
version: 1.0.0
input:
  location:
    type: string
    required: true
prompt: "Weather for {{location}}"
output:
  format: json
`

type rig struct {
	server    *httptest.Server
	cfg       *config.Config
	loader    *workload.Loader
	manifests *manifest.Store
	runsDir   string
}

func newRig(t *testing.T) *rig {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.Data = t.TempDir()
	cfg.Paths.Workloads = t.TempDir()
	cfg.Paths.Examples = t.TempDir()
	cfg.Paths.AllowedWritePath = ""

	if err := os.WriteFile(filepath.Join(cfg.Paths.Workloads, "weather.yaml"), []byte(weatherYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := workload.NewLoader(cfg.Paths.Workloads, cfg.Paths.Examples, nil)
	if err := loader.Reload(); err != nil {
		t.Fatal(err)
	}

	b := bus.New(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})

	manifests := manifest.NewStore()
	executor := engine.NewExecutor(loader, manifests, b, cfg.Paths.Data, nil)
	schedStore := scheduler.NewStore(cfg.Paths.Data)
	sched := scheduler.New(schedStore, b, nil)

	runsDir := filepath.Join(cfg.Paths.Data, "runs")
	router := NewRouter(cfg.Server.CORSOrigin, nil)
	NewWorkloadsHandler(loader, cfg).RegisterRoutes(router.Mux())
	NewRunsHandler(runsDir, manifests, executor, loader, nil).RegisterRoutes(router.Mux())
	NewSchedulesHandler(schedStore, sched).RegisterRoutes(router.Mux())
	NewFoldersHandler(cfg.Paths.Workloads).RegisterRoutes(router.Mux())
	router.SetReloader(loader)

	server := httptest.NewServer(router.Handler())
	t.Cleanup(server.Close)
	return &rig{server: server, cfg: cfg, loader: loader, manifests: manifests, runsDir: runsDir}
}

func (r *rig) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, r.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	r := newRig(t)
	resp, body := r.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newRig(t)
	req, _ := http.NewRequest(http.MethodOptions, r.server.URL+"/workloads", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != r.cfg.Server.CORSOrigin {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestWorkloadsList(t *testing.T) {
	r := newRig(t)
	resp, body := r.do(t, http.MethodGet, "/workloads", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	workloads := body["workloads"].([]any)
	if len(workloads) != 1 {
		t.Fatalf("workloads = %v", workloads)
	}
	first := workloads[0].(map[string]any)
	if first["id"] != "weather" || first["personal"] != true {
		t.Errorf("entry = %v", first)
	}
}

func TestWorkloadsGet(t *testing.T) {
	r := newRig(t)
	resp, body := r.do(t, http.MethodGet, "/workloads/weather", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(body["yaml"].(string), "Weather for {{location}}") {
		t.Errorf("yaml = %v", body["yaml"])
	}

	resp, _ = r.do(t, http.MethodGet, "/workloads/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing workload = %d", resp.StatusCode)
	}
}

func TestWorkloadsCreateAndConflict(t *testing.T) {
	r := newRig(t)
	yaml := strings.ReplaceAll(weatherYAML, "id: weather", "id: forecast")

	resp, _ := r.do(t, http.MethodPost, "/workloads", map[string]string{"yaml": yaml, "folder": "wx"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(r.cfg.Paths.Workloads, "wx", "forecast.yaml")); err != nil {
		t.Errorf("file not written: %v", err)
	}

	resp, _ = r.do(t, http.MethodPost, "/workloads", map[string]string{"yaml": yaml})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create = %d", resp.StatusCode)
	}
}

func TestWorkloadsValidateRejectsCycle(t *testing.T) {
	r := newRig(t)
	cyclic := `id: loop
name: Loop
version: 1.0.0
steps:
  - id: a
    worker: exec
    config: {command: "true"}
    output: a.json
    dependsOn: [b]
  - id: b
    worker: exec
    config: {command: "true"}
    output: b.json
    dependsOn: [a]
`
	resp, body := r.do(t, http.MethodPost, "/workloads/loop/validate", map[string]string{"yaml": cyclic})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("cycle accepted: %d %v", resp.StatusCode, body)
	}
	if body["details"] == nil {
		t.Error("no validation details in response")
	}
}

func TestWorkloadsDelete(t *testing.T) {
	r := newRig(t)
	resp, _ := r.do(t, http.MethodDelete, "/workloads/weather", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	if _, ok := r.loader.Get("weather"); ok {
		t.Error("workload still in catalog after delete")
	}
}

func TestWorkloadErrorsCollection(t *testing.T) {
	r := newRig(t)
	bad := filepath.Join(r.cfg.Paths.Workloads, "broken.yaml")
	if err := os.WriteFile(bad, []byte("id: broken\nname: Broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, body := r.do(t, http.MethodPost, "/reload", nil); body["status"] != "reloaded" {
		t.Fatalf("reload = %v", body)
	}

	resp, body := r.do(t, http.MethodGet, "/workloads/errors", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if errs := body["errors"].([]any); len(errs) != 1 {
		t.Errorf("errors = %v", errs)
	}
}

func TestRunWorkload(t *testing.T) {
	r := newRig(t)
	resp, body := r.do(t, http.MethodPost, "/run/weather", map[string]string{"location": "Mooresville, NC"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run = %d %v", resp.StatusCode, body)
	}
	instanceID, _ := body["instanceId"].(string)
	if !strings.HasPrefix(instanceID, "weather-") {
		t.Fatalf("instanceId = %q", instanceID)
	}

	resp, run := r.do(t, http.MethodGet, "/runs/"+instanceID, nil)
	if resp.StatusCode != http.StatusOK || run["workloadId"] != "weather" {
		t.Errorf("get run = %d %v", resp.StatusCode, run)
	}

	resp, list := r.do(t, http.MethodGet, "/runs", nil)
	if resp.StatusCode != http.StatusOK || len(list["runs"].([]any)) != 1 {
		t.Errorf("list = %d %v", resp.StatusCode, list)
	}

	resp, _ = r.do(t, http.MethodGet, "/runs/"+instanceID+"/file/run.json", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("file = %d", resp.StatusCode)
	}
}

func TestRunRejectsBadRequests(t *testing.T) {
	r := newRig(t)

	resp, _ := r.do(t, http.MethodPost, "/run/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown workload = %d", resp.StatusCode)
	}

	// Required input missing.
	resp, _ = r.do(t, http.MethodPost, "/run/weather", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing input = %d", resp.StatusCode)
	}

	// Empty body counts as no parameters, not a decode error.
	resp, _ = r.do(t, http.MethodPost, "/run/weather", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty body = %d", resp.StatusCode)
	}
}

// TestRunInvalidWorkloadRejected covers running a workload whose file is
// on disk but failed validation: the response is a 400 carrying the
// validation diagnostics, not a 404.
func TestRunInvalidWorkloadRejected(t *testing.T) {
	r := newRig(t)
	cyclic := `id: loop
name: Loop
version: 1.0.0
steps:
  - id: a
    worker: exec
    config: {command: "true"}
    output: a.json
    dependsOn: [b]
  - id: b
    worker: exec
    config: {command: "true"}
    output: b.json
    dependsOn: [a]
`
	path := filepath.Join(r.cfg.Paths.Workloads, "loop.yaml")
	if err := os.WriteFile(path, []byte(cyclic), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.loader.Reload(); err != nil {
		t.Fatal(err)
	}

	resp, body := r.do(t, http.MethodPost, "/run/loop", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid workload run = %d %v", resp.StatusCode, body)
	}
	details, _ := body["details"].([]any)
	if len(details) == 0 {
		t.Error("no validation details in response")
	}
}

func TestDeleteRun(t *testing.T) {
	r := newRig(t)
	_, body := r.do(t, http.MethodPost, "/run/weather", map[string]string{"location": "x"})
	instanceID := body["instanceId"].(string)

	resp, _ := r.do(t, http.MethodDelete, "/runs/"+instanceID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	resp, _ = r.do(t, http.MethodGet, "/runs/"+instanceID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted run still readable: %d", resp.StatusCode)
	}
}

func TestPurgeFailedRuns(t *testing.T) {
	r := newRig(t)
	_, ok := r.do(t, http.MethodPost, "/run/weather", map[string]string{"location": "x"})
	okID := ok["instanceId"].(string)

	// A failed run from an earlier day, written straight to disk.
	failedID := "weather-2026-01-01-000000"
	failedDir := filepath.Join(r.runsDir, failedID)
	if err := os.MkdirAll(failedDir, 0o755); err != nil {
		t.Fatal(err)
	}
	def, _ := r.loader.Get("weather")
	if _, err := r.manifests.Create(failedDir, failedID, def, map[string]interface{}{"location": "y"}, "test"); err != nil {
		t.Fatal(err)
	}
	if err := r.manifests.MarkRunFailed(failedDir, "backend down"); err != nil {
		t.Fatal(err)
	}

	resp, body := r.do(t, http.MethodDelete, "/runs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purge = %d", resp.StatusCode)
	}
	purged := body["purged"].([]any)
	if len(purged) != 1 || purged[0] != failedID {
		t.Errorf("purged = %v", purged)
	}
	if resp, _ := r.do(t, http.MethodGet, "/runs/"+okID, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("surviving run = %d", resp.StatusCode)
	}
}

func TestSchedulesOverHTTP(t *testing.T) {
	r := newRig(t)

	resp, created := r.do(t, http.MethodPost, "/schedules", map[string]any{
		"name":       "daily",
		"workloadId": "weather",
		"cron":       "0 9 * * *",
		"enabled":    true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, created)
	}
	id := created["id"].(string)

	resp, list := r.do(t, http.MethodGet, "/schedules", nil)
	if resp.StatusCode != http.StatusOK || len(list["schedules"].([]any)) != 1 {
		t.Errorf("list = %d %v", resp.StatusCode, list)
	}

	resp, upcoming := r.do(t, http.MethodGet, "/schedules/upcoming", nil)
	if resp.StatusCode != http.StatusOK || len(upcoming["upcoming"].([]any)) != 1 {
		t.Errorf("upcoming = %d %v", resp.StatusCode, upcoming)
	}

	resp, toggled := r.do(t, http.MethodPatch, "/schedules/"+id+"/toggle", nil)
	if resp.StatusCode != http.StatusOK || toggled["enabled"] != false {
		t.Errorf("toggle = %d %v", resp.StatusCode, toggled)
	}

	resp, _ = r.do(t, http.MethodDelete, "/schedules/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete = %d", resp.StatusCode)
	}
	resp, _ = r.do(t, http.MethodGet, "/schedules/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted schedule = %d", resp.StatusCode)
	}
}

func TestScheduleCreateRejectsBadCron(t *testing.T) {
	r := newRig(t)
	resp, _ := r.do(t, http.MethodPost, "/schedules", map[string]any{
		"name":       "bad",
		"workloadId": "weather",
		"cron":       "not a cron",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad cron = %d", resp.StatusCode)
	}
}

func TestFolders(t *testing.T) {
	r := newRig(t)

	resp, _ := r.do(t, http.MethodPost, "/folders", map[string]string{"name": "news/daily"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d", resp.StatusCode)
	}

	resp, body := r.do(t, http.MethodGet, "/folders", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	folders := body["folders"].([]any)
	if len(folders) != 2 || folders[0] != "news" || folders[1] != "news/daily" {
		t.Errorf("folders = %v", folders)
	}

	resp, _ = r.do(t, http.MethodDelete, "/folders/news?force=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("force delete = %d", resp.StatusCode)
	}

	resp, _ = r.do(t, http.MethodPost, "/folders", map[string]string{"name": "../escape"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("escape = %d", resp.StatusCode)
	}
}

func TestMoveWorkload(t *testing.T) {
	r := newRig(t)
	resp, _ := r.do(t, http.MethodPost, "/workloads/weather/move", map[string]string{"folder": "wx"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move = %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(r.cfg.Paths.Workloads, "wx", "weather.yaml")); err != nil {
		t.Errorf("moved file missing: %v", err)
	}
	if folder := r.loader.Folder("weather"); folder != "wx" {
		t.Errorf("folder = %q", folder)
	}
}
