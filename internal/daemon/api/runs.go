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
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tombee/maestro/internal/daemon/httputil"
	"github.com/tombee/maestro/internal/engine"
	"github.com/tombee/maestro/internal/manifest"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workload"
)

// HistoryIndex is the optional run-history catalog behind the runs
// listing. Manifests stay authoritative; the index only accelerates.
type HistoryIndex interface {
	List(limit int) ([]manifest.Summary, error)
	Delete(instanceID string) error
}

// listLimit bounds the run listing.
const listLimit = 200

// RunsHandler serves run execution and history.
type RunsHandler struct {
	runsDir   string
	manifests *manifest.Store
	executor  *engine.Executor
	loader    *workload.Loader
	index     HistoryIndex
}

// NewRunsHandler creates the handler. loader may be nil (run requests for
// invalid files then report not-found); index may be nil, listing then
// always scans the runs directory.
func NewRunsHandler(runsDir string, manifests *manifest.Store, executor *engine.Executor, loader *workload.Loader, index HistoryIndex) *RunsHandler {
	return &RunsHandler{runsDir: runsDir, manifests: manifests, executor: executor, loader: loader, index: index}
}

// RegisterRoutes registers run API routes.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /run/{id}", h.handleRun)
	mux.HandleFunc("GET /runs", h.handleList)
	mux.HandleFunc("GET /runs/{id}", h.handleGet)
	mux.HandleFunc("GET /runs/{id}/file/{name}", h.handleFile)
	mux.HandleFunc("DELETE /runs/{id}", h.handleDelete)
	mux.HandleFunc("DELETE /runs", h.handlePurgeFailed)
}

func (h *RunsHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	params := map[string]interface{}{}
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &params); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	info, err := h.executor.Run(r.Context(), id, params, "api")
	if err != nil {
		// A workload whose file exists but failed validation never enters
		// the catalog; surface its diagnostics as a bad request rather
		// than not-found.
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			if fe, ok := h.invalidFile(id); ok {
				httputil.WriteErrorDetails(w, http.StatusBadRequest,
					"workload "+id+" failed validation", fe.Errors)
				return
			}
		}
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"instanceId": info.InstanceID,
		"status":     info.Status,
	})
}

// invalidFile looks up the error-collection entry for a workload id that
// failed catalog validation.
func (h *RunsHandler) invalidFile(id string) (workload.FileError, bool) {
	if h.loader == nil {
		return workload.FileError{}, false
	}
	for _, fe := range h.loader.Errors() {
		if fe.ID == id {
			return fe, true
		}
	}
	return workload.FileError{}, false
}

func (h *RunsHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	summaries := h.listSummaries()
	if summaries == nil {
		summaries = []manifest.Summary{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": summaries})
}

// listSummaries prefers the history index and falls back to scanning the
// runs directory when the index is absent, failing, or empty.
func (h *RunsHandler) listSummaries() []manifest.Summary {
	if h.index != nil {
		if summaries, err := h.index.List(listLimit); err == nil && len(summaries) > 0 {
			return summaries
		}
	}
	return h.scanRuns()
}

func (h *RunsHandler) scanRuns() []manifest.Summary {
	entries, err := os.ReadDir(h.runsDir)
	if err != nil {
		return nil
	}
	var summaries []manifest.Summary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		summaries = append(summaries, h.manifests.Summary(filepath.Join(h.runsDir, entry.Name())))
	}
	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i].StartedAt, summaries[j].StartedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	if len(summaries) > listLimit {
		summaries = summaries[:listLimit]
	}
	return summaries
}

func (h *RunsHandler) runDir(w http.ResponseWriter, instanceID string) (string, bool) {
	if instanceID == "" || strings.ContainsAny(instanceID, "/\\") || instanceID == ".." {
		httputil.WriteError(w, http.StatusBadRequest, "invalid run id")
		return "", false
	}
	dir := filepath.Join(h.runsDir, instanceID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		httputil.WriteError(w, http.StatusNotFound, "run not found: "+instanceID)
		return "", false
	}
	return dir, true
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	dir, ok := h.runDir(w, r.PathValue("id"))
	if !ok {
		return
	}
	m, err := h.manifests.Read(dir)
	if err != nil {
		// Damaged manifest: serve the best-effort summary with the
		// diagnostic populated instead of failing the read.
		httputil.WriteJSON(w, http.StatusOK, h.manifests.Summary(dir))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, m)
}

func (h *RunsHandler) handleFile(w http.ResponseWriter, r *http.Request) {
	dir, ok := h.runDir(w, r.PathValue("id"))
	if !ok {
		return
	}
	name := r.PathValue("name")
	if name == "" || strings.ContainsAny(name, "/\\") || name == ".." {
		httputil.WriteError(w, http.StatusBadRequest, "invalid file name")
		return
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		httputil.WriteError(w, http.StatusNotFound, "file not found: "+name)
		return
	}
	http.ServeFile(w, r, path)
}

func (h *RunsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dir, ok := h.runDir(w, id)
	if !ok {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.index != nil {
		_ = h.index.Delete(id)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// handlePurgeFailed removes every failed run. The directory scan is the
// source of truth so stale index rows cannot hide a failed run.
func (h *RunsHandler) handlePurgeFailed(w http.ResponseWriter, _ *http.Request) {
	var purged []string
	for _, s := range h.scanRuns() {
		if s.Status != manifest.StatusFailed {
			continue
		}
		if err := os.RemoveAll(filepath.Join(h.runsDir, s.InstanceID)); err != nil {
			continue
		}
		if h.index != nil {
			_ = h.index.Delete(s.InstanceID)
		}
		purged = append(purged, s.InstanceID)
	}
	if purged == nil {
		purged = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"purged": purged})
}
