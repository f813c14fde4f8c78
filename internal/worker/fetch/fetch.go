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

// Package fetch implements the FETCH worker: HTTP retrieval of RSS, Atom,
// and JSON sources with per-host rate limiting and partial-failure
// tolerance.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"golang.org/x/time/rate"

	"github.com/tombee/maestro/internal/bus"
	"github.com/tombee/maestro/internal/worker"
	"github.com/tombee/maestro/pkg/errors"
)

// Defaults applied when the daemon config and task config are silent.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "maestro/1.0 (+https://github.com/tombee/maestro)"

	// descriptionLimit caps feed item descriptions in the output asset.
	descriptionLimit = 500

	// maxBodySize caps a single response body read.
	maxBodySize = 10 << 20
)

// Concurrency is the bus-level invocation ceiling for fetch tasks.
const Concurrency = 5

// Options configures the worker from the daemon config.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Retries   int
}

// Worker is the FETCH worker.
type Worker struct {
	deps      *worker.Deps
	client    *http.Client
	userAgent string
	retries   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates the worker.
func New(deps *worker.Deps, opts Options) *Worker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Worker{
		deps:      deps,
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
		retries:   opts.Retries,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Register subscribes the worker to the bus.
func (w *Worker) Register() {
	w.deps.Register("fetch", Concurrency, w.retries, w.run)
}

type taskConfig struct {
	URL       string   `json:"url"`
	URLs      []string `json:"urls"`
	Format    string   `json:"format"`
	Type      string   `json:"type"`
	Query     string   `json:"query"`
	TimeoutMs int      `json:"timeout"`
	UserAgent string   `json:"userAgent"`
}

// wellKnown maps integration names to their feed URLs, so a task can say
// type: hackernews instead of spelling out the URL.
var wellKnown = map[string]string{
	"hackernews": "https://news.ycombinator.com/rss",
	"bbc-news":   "https://feeds.bbci.co.uk/news/rss.xml",
}

// item is one normalized feed entry.
type item struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Description string `json:"description"`
	PubDate     string `json:"pubDate,omitempty"`
}

// failedSource records one source that could not be fetched.
type failedSource struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

func (w *Worker) run(ctx context.Context, task bus.TaskReadyPayload, _ map[string]interface{}) (*worker.Result, error) {
	var cfg taskConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return nil, &errors.WorkerError{Worker: "fetch", Task: task.TaskID, Message: err.Error(), Permanent: true}
	}

	sources := cfg.URLs
	if cfg.URL != "" {
		sources = append([]string{cfg.URL}, sources...)
	}
	if len(sources) == 0 && cfg.Type != "" {
		known, ok := wellKnown[cfg.Type]
		if !ok {
			return nil, &errors.WorkerError{Worker: "fetch", Task: task.TaskID, Message: fmt.Sprintf("unknown integration %q", cfg.Type), Permanent: true}
		}
		sources = []string{known}
	}
	if len(sources) == 0 {
		return nil, &errors.WorkerError{Worker: "fetch", Task: task.TaskID, Message: "url or urls is required", Permanent: true}
	}

	format := cfg.Format
	if format == "" {
		format = "rss"
	}

	timeout := w.client.Timeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	var (
		items  []interface{}
		failed []failedSource
	)
	for _, src := range sources {
		fetched, err := w.fetchOne(ctx, src, format, cfg.UserAgent, timeout)
		if err != nil {
			w.deps.Logger.Warn("source failed", "url", src, "error", err)
			failed = append(failed, failedSource{URL: src, Error: err.Error()})
			continue
		}
		items = append(items, fetched...)
	}

	// A run where every source failed is worth retrying; partial results
	// are not.
	if len(items) == 0 && len(failed) == len(sources) {
		return nil, &errors.WorkerError{
			Worker: "fetch", Task: task.TaskID,
			Message: fmt.Sprintf("all %d sources failed", len(sources)),
		}
	}

	if cfg.Query != "" {
		transformed, err := applyQuery(ctx, cfg.Query, items)
		if err != nil {
			return nil, &errors.WorkerError{Worker: "fetch", Task: task.TaskID, Message: err.Error(), Permanent: true}
		}
		items = transformed
	}

	if failed == nil {
		failed = []failedSource{}
	}
	out := map[string]interface{}{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"sources":       sources,
		"failedSources": failed,
		"itemCount":     len(items),
		"items":         items,
	}

	size, err := worker.WriteJSON(task.RunPath, task.Output, out)
	if err != nil {
		return nil, err
	}
	return &worker.Result{Format: "json", Size: size}, nil
}

// fetchOne retrieves and parses a single source.
func (w *Worker) fetchOne(ctx context.Context, src, format, userAgent string, timeout time.Duration) ([]interface{}, error) {
	if err := w.limiter(src).Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	if userAgent == "" {
		userAgent = w.userAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/json, text/xml, */*")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d", src, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}

	switch format {
	case "json":
		return parseJSON(body), nil
	default:
		return parseFeed(body)
	}
}

// parseJSON keeps the parsed document: arrays contribute their elements,
// anything else is one item, and invalid JSON degrades to the raw text.
func parseJSON(body []byte) []interface{} {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return []interface{}{string(body)}
	}
	if arr, ok := parsed.([]interface{}); ok {
		return arr
	}
	return []interface{}{parsed}
}

// limiter returns the per-host rate limiter, creating it on first use.
func (w *Worker) limiter(src string) *rate.Limiter {
	host := src
	if u, err := url.Parse(src); err == nil && u.Host != "" {
		host = u.Host
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 3)
		w.limiters[host] = l
	}
	return l
}

// applyQuery runs a jq expression over the collected items.
func applyQuery(ctx context.Context, query string, items []interface{}) ([]interface{}, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid query %q: %w", query, err)
	}

	var out []interface{}
	iter := q.RunWithContext(ctx, items)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		if arr, ok := v.([]interface{}); ok {
			out = append(out, arr...)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeConfig(m map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
