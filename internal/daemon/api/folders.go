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

	"github.com/tombee/maestro/internal/daemon/httputil"
)

// FoldersHandler manages directories under the personal workload root.
type FoldersHandler struct {
	root string
}

// NewFoldersHandler creates the handler over the personal workload root.
func NewFoldersHandler(root string) *FoldersHandler {
	return &FoldersHandler{root: root}
}

// RegisterRoutes registers folder API routes.
func (h *FoldersHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /folders", h.handleList)
	mux.HandleFunc("POST /folders", h.handleCreate)
	mux.HandleFunc("PUT /folders/{name...}", h.handleRename)
	mux.HandleFunc("DELETE /folders/{name...}", h.handleDelete)
}

func (h *FoldersHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	folders := []string{}
	_ = filepath.WalkDir(h.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == h.root {
			return nil
		}
		rel, err := filepath.Rel(h.root, path)
		if err != nil {
			return nil
		}
		folders = append(folders, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(folders)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (h *FoldersHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	folder, ok := h.resolve(w, body.Name)
	if !ok {
		return
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"folder": body.Name})
}

func (h *FoldersHandler) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewName string `json:"newName"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	from, ok := h.resolve(w, r.PathValue("name"))
	if !ok {
		return
	}
	to, ok := h.resolve(w, body.NewName)
	if !ok {
		return
	}
	if _, err := os.Stat(from); err != nil {
		httputil.WriteError(w, http.StatusNotFound, "folder not found")
		return
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.Rename(from, to); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"folder": body.NewName})
}

func (h *FoldersHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	folder, ok := h.resolve(w, r.PathValue("name"))
	if !ok {
		return
	}
	if _, err := os.Stat(folder); err != nil {
		httputil.WriteError(w, http.StatusNotFound, "folder not found")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	var err error
	if force {
		err = os.RemoveAll(folder)
	} else {
		err = os.Remove(folder)
	}
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "folder not deleted: "+err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"deleted": r.PathValue("name")})
}

// resolve sanitizes a folder name and anchors it below the root, writing
// the error response itself on failure.
func (h *FoldersHandler) resolve(w http.ResponseWriter, name string) (string, bool) {
	clean, err := sanitizeFolder(name)
	if err != nil || clean == "" {
		httputil.WriteError(w, http.StatusBadRequest, "invalid folder name")
		return "", false
	}
	return filepath.Join(h.root, clean), true
}
