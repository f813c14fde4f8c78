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
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/daemon/httputil"
	"github.com/tombee/maestro/pkg/workload"
)

// WorkloadsHandler serves the workload catalog and its file-backed CRUD.
// Writes only ever touch the personal root, subject to the write sandbox;
// bundled examples are read-only and are shadowed, not edited.
type WorkloadsHandler struct {
	loader *workload.Loader
	cfg    *config.Config
}

// NewWorkloadsHandler creates the handler.
func NewWorkloadsHandler(loader *workload.Loader, cfg *config.Config) *WorkloadsHandler {
	return &WorkloadsHandler{loader: loader, cfg: cfg}
}

// RegisterRoutes registers workload API routes.
func (h *WorkloadsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /workloads", h.handleList)
	mux.HandleFunc("GET /workloads/errors", h.handleErrors)
	mux.HandleFunc("GET /workloads/{id}", h.handleGet)
	mux.HandleFunc("POST /workloads", h.handleCreate)
	mux.HandleFunc("POST /workloads/{id}/validate", h.handleValidate)
	mux.HandleFunc("POST /workloads/{id}/move", h.handleMove)
	mux.HandleFunc("PUT /workloads/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /workloads/{id}", h.handleDelete)
}

// workloadSummary is one row of the catalog listing.
type workloadSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Folder      string   `json:"folder,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Personal    bool     `json:"personal"`
}

func (h *WorkloadsHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	entries := h.loader.List()
	summaries := make([]workloadSummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, workloadSummary{
			ID:          e.Definition.ID,
			Name:        e.Definition.Name,
			Folder:      h.loader.Folder(e.Definition.ID),
			Description: e.Definition.Description,
			Tags:        e.Definition.Tags,
			Personal:    e.Personal,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workloads": summaries})
}

func (h *WorkloadsHandler) handleErrors(w http.ResponseWriter, _ *http.Request) {
	errs := h.loader.Errors()
	if errs == nil {
		errs = []workload.FileError{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

func (h *WorkloadsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := h.loader.Get(id)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "workload not found: "+id)
		return
	}
	path, _ := h.loader.PathOf(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "workload file unreadable: "+err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"definition": def,
		"yaml":       string(raw),
		"folder":     h.loader.Folder(id),
	})
}

// workloadBody is the request body for create, update, and validate.
type workloadBody struct {
	YAML   string `json:"yaml"`
	Folder string `json:"folder,omitempty"`
}

func (h *WorkloadsHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body workloadBody
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	def, result, err := parseAndValidate(body.YAML)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !result.Valid() {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "workload is invalid", result)
		return
	}
	if id := r.PathValue("id"); id != "" && def.ID != id {
		httputil.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("workload id %q does not match path id %q", def.ID, id))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"warnings": result.Warnings,
	})
}

func (h *WorkloadsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body workloadBody
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	def, result, err := parseAndValidate(body.YAML)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !result.Valid() {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "workload is invalid", result)
		return
	}
	if _, exists := h.loader.Get(def.ID); exists {
		httputil.WriteError(w, http.StatusConflict, "workload already exists: "+def.ID)
		return
	}

	folder, err := sanitizeFolder(body.Folder)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	path := filepath.Join(h.loader.PersonalRoot(), folder, def.ID+".yaml")
	if !h.writeFile(w, path, []byte(body.YAML)) {
		return
	}
	h.reload()
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"id": def.ID})
}

func (h *WorkloadsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body workloadBody
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	def, result, err := parseAndValidate(body.YAML)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !result.Valid() {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "workload is invalid", result)
		return
	}
	if def.ID != id {
		httputil.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("workload id %q does not match path id %q", def.ID, id))
		return
	}

	entry := h.entryOf(id)
	if entry == nil {
		httputil.WriteError(w, http.StatusNotFound, "workload not found: "+id)
		return
	}
	// Editing a bundled example creates a shadowing personal copy in the
	// same folder; the example file stays untouched.
	path := entry.Path
	if !entry.Personal {
		path = filepath.Join(h.loader.PersonalRoot(), h.loader.Folder(id), id+".yaml")
	}
	if !h.writeFile(w, path, []byte(body.YAML)) {
		return
	}
	h.reload()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (h *WorkloadsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry := h.entryOf(id)
	if entry == nil {
		httputil.WriteError(w, http.StatusNotFound, "workload not found: "+id)
		return
	}
	if !entry.Personal {
		httputil.WriteError(w, http.StatusBadRequest, "bundled example workloads cannot be deleted")
		return
	}
	if !h.cfg.WriteAllowed(entry.Path) {
		httputil.WriteError(w, http.StatusForbidden, "path outside the allowed write root: "+entry.Path)
		return
	}
	if err := os.Remove(entry.Path); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.reload()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (h *WorkloadsHandler) handleMove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Folder string `json:"folder"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	entry := h.entryOf(id)
	if entry == nil {
		httputil.WriteError(w, http.StatusNotFound, "workload not found: "+id)
		return
	}
	if !entry.Personal {
		httputil.WriteError(w, http.StatusBadRequest, "bundled example workloads cannot be moved")
		return
	}
	folder, err := sanitizeFolder(body.Folder)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	target := filepath.Join(h.loader.PersonalRoot(), folder, filepath.Base(entry.Path))
	if !h.cfg.WriteAllowed(target) {
		httputil.WriteError(w, http.StatusForbidden, "path outside the allowed write root: "+target)
		return
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.Rename(entry.Path, target); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.reload()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "folder": folder})
}

func (h *WorkloadsHandler) entryOf(id string) *workload.Entry {
	for _, e := range h.loader.List() {
		if e.Definition.ID == id {
			return e
		}
	}
	return nil
}

// writeFile enforces the write sandbox and persists one workload file,
// writing the error response itself on failure.
func (h *WorkloadsHandler) writeFile(w http.ResponseWriter, path string, data []byte) bool {
	if !h.cfg.WriteAllowed(path) {
		httputil.WriteError(w, http.StatusForbidden, "path outside the allowed write root: "+path)
		return false
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	return true
}

// reload refreshes the catalog after a write. A reload failure is logged
// by the loader; the write itself already succeeded.
func (h *WorkloadsHandler) reload() {
	_ = h.loader.Reload()
}

func parseAndValidate(raw string) (*workload.Definition, *workload.ValidationResult, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil, fmt.Errorf("yaml body is required")
	}
	def, err := workload.Parse([]byte(raw))
	if err != nil {
		return nil, nil, err
	}
	return def, workload.Validate(def), nil
}

// sanitizeFolder normalizes a user-supplied folder path and confines it
// below the search root.
func sanitizeFolder(folder string) (string, error) {
	if folder == "" {
		return "", nil
	}
	clean := filepath.Clean(filepath.FromSlash(folder))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid folder %q", folder)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}
