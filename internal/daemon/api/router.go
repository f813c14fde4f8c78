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

// Package api provides the HTTP API for the daemon.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/maestro/internal/daemon/httputil"
	"github.com/tombee/maestro/internal/log"
)

// Reloader forces a catalog reload.
type Reloader interface {
	Reload() error
}

// Router wraps an http.ServeMux with CORS and request logging.
type Router struct {
	mux        *http.ServeMux
	corsOrigin string
	logger     *slog.Logger
}

// NewRouter creates the router with the health endpoint registered.
// Resource handlers attach themselves through RegisterRoutes.
func NewRouter(corsOrigin string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:        http.NewServeMux(),
		corsOrigin: corsOrigin,
		logger:     log.WithComponent(logger, "api"),
	}
	r.mux.HandleFunc("GET /health", r.handleHealth)
	return r
}

// Mux exposes the underlying mux for handler registration.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// SetReloader registers the catalog reload endpoint.
func (r *Router) SetReloader(reloader Reloader) {
	r.mux.HandleFunc("POST /reload", func(w http.ResponseWriter, req *http.Request) {
		if err := reloader.Reload(); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	})
}

// SetMetricsHandler registers the Prometheus exposition endpoint.
func (r *Router) SetMetricsHandler(h http.Handler) {
	if h != nil {
		r.mux.Handle("GET /metrics", h)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Handler returns the mux wrapped in CORS and logging middleware.
func (r *Router) Handler() http.Handler {
	return r.withLogging(r.withCORS(r.mux))
}

func (r *Router) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", r.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (r *Router) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.logger.Debug("request",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))
	})
}
