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
	"time"

	"github.com/tombee/maestro/internal/daemon/httputil"
	"github.com/tombee/maestro/internal/scheduler"
)

// SchedulesHandler handles schedule-related API requests.
type SchedulesHandler struct {
	store     *scheduler.Store
	scheduler *scheduler.Scheduler
}

// NewSchedulesHandler creates a new schedules handler.
func NewSchedulesHandler(store *scheduler.Store, s *scheduler.Scheduler) *SchedulesHandler {
	return &SchedulesHandler{store: store, scheduler: s}
}

// RegisterRoutes registers schedule API routes on the router.
func (h *SchedulesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /schedules", h.handleList)
	mux.HandleFunc("GET /schedules/upcoming", h.handleUpcoming)
	mux.HandleFunc("GET /schedules/{id}", h.handleGet)
	mux.HandleFunc("POST /schedules", h.handleCreate)
	mux.HandleFunc("PUT /schedules/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /schedules/{id}", h.handleDelete)
	mux.HandleFunc("PATCH /schedules/{id}/toggle", h.handleToggle)
}

func (h *SchedulesHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	schedules, err := h.store.List()
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	if schedules == nil {
		schedules = []*scheduler.Schedule{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (h *SchedulesHandler) handleUpcoming(w http.ResponseWriter, _ *http.Request) {
	rows, err := h.scheduler.UpcomingOccurrences(time.Now())
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	if rows == nil {
		rows = []scheduler.Upcoming{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"upcoming": rows})
}

func (h *SchedulesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sched, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sched)
}

func (h *SchedulesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var sched scheduler.Schedule
	if err := httputil.DecodeJSON(r, &sched); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	created, err := h.store.Create(&sched)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (h *SchedulesHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var sched scheduler.Schedule
	if err := httputil.DecodeJSON(r, &sched); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sched.ID = r.PathValue("id")
	updated, err := h.store.Update(&sched)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

func (h *SchedulesHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.Delete(id); err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (h *SchedulesHandler) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sched, err := h.store.Get(id)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	toggled, err := h.store.SetEnabled(id, !sched.Enabled)
	if err != nil {
		httputil.WriteErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toggled)
}
