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

package workload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// yamlGlob matches recipe files recursively under a search root.
const yamlGlob = "**/*.{yaml,yml}"

// Entry is one catalog entry: a validated definition plus its provenance.
type Entry struct {
	Definition *Definition
	Path       string
	// Personal is true when the entry came from the personal root.
	// Personal copies shadow bundled examples with the same id.
	Personal bool
}

// FileError records the validation outcome for a recipe file that did not
// enter the catalog, keyed by file path.
type FileError struct {
	File string `json:"file"`
	// ID is the declared workload id, when the file parsed far enough
	// to carry one.
	ID       string   `json:"id,omitempty"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings,omitempty"`
}

// Loader discovers YAML recipes under two search roots (the personal path,
// then the bundled examples path), validates them, and maintains the
// in-memory catalog. Loading is atomic: a reload either fully replaces the
// catalog or leaves the previous one untouched.
type Loader struct {
	personalRoot string
	examplesRoot string
	logger       *slog.Logger

	mu      sync.RWMutex
	catalog map[string]*Entry
	errs    []FileError
}

// NewLoader creates a loader over the given search roots. The examples root
// may be empty. The loader starts with an empty catalog; call Reload to
// populate it.
func NewLoader(personalRoot, examplesRoot string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		personalRoot: personalRoot,
		examplesRoot: examplesRoot,
		logger:       logger.With(slog.String("component", "loader")),
		catalog:      make(map[string]*Entry),
	}
}

// PersonalRoot returns the configured personal search root.
func (l *Loader) PersonalRoot() string {
	return l.personalRoot
}

// Reload synchronously rebuilds the catalog from the filesystem. Per-file
// parse or validation errors never abort the reload; they accumulate in the
// error collection. An unreadable personal root is catastrophic: the
// previous catalog is kept and the error returned.
func (l *Loader) Reload() error {
	if _, err := os.Stat(l.personalRoot); err != nil {
		return fmt.Errorf("reading workloads root %s: %w", l.personalRoot, err)
	}

	catalog := make(map[string]*Entry)
	var errs []FileError

	// Examples first so that personal copies shadow them.
	if l.examplesRoot != "" {
		l.loadRoot(l.examplesRoot, false, catalog, &errs)
	}
	l.loadRoot(l.personalRoot, true, catalog, &errs)

	l.mu.Lock()
	l.catalog = catalog
	l.errs = errs
	l.mu.Unlock()

	l.logger.Info("catalog reloaded",
		slog.Int("workloads", len(catalog)),
		slog.Int("invalid_files", len(errs)))
	return nil
}

func (l *Loader) loadRoot(root string, personal bool, catalog map[string]*Entry, errs *[]FileError) {
	matches, err := doublestar.Glob(os.DirFS(root), yamlGlob)
	if err != nil {
		l.logger.Warn("skipping unreadable root", slog.String("root", root), slog.Any("error", err))
		return
	}
	sort.Strings(matches)

	for _, rel := range matches {
		path := filepath.Join(root, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			*errs = append(*errs, FileError{File: path, Errors: []string{err.Error()}})
			continue
		}

		def, err := Parse(data)
		if err != nil {
			*errs = append(*errs, FileError{File: path, Errors: []string{err.Error()}})
			continue
		}

		result := Validate(def)
		if !result.Valid() {
			*errs = append(*errs, FileError{File: path, ID: def.ID, Errors: result.Errors, Warnings: result.Warnings})
			continue
		}

		if existing, ok := catalog[def.ID]; ok {
			if existing.Personal && !personal {
				// Personal copy already won; the example stays shadowed.
				continue
			}
			if existing.Personal == personal {
				*errs = append(*errs, FileError{File: path, ID: def.ID, Errors: []string{
					fmt.Sprintf("duplicate workload id %q (already defined in %s)", def.ID, existing.Path),
				}})
				continue
			}
		}
		catalog[def.ID] = &Entry{Definition: def, Path: path, Personal: personal}
	}
}

// Get returns the definition for the given id, or false.
// When the same id exists under both roots, the personal copy wins.
func (l *Loader) Get(id string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.catalog[id]
	if !ok {
		return nil, false
	}
	return entry.Definition, true
}

// List returns all catalog entries ordered by workload id.
func (l *Loader) List() []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]*Entry, 0, len(l.catalog))
	for _, e := range l.catalog {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Definition.ID < entries[j].Definition.ID
	})
	return entries
}

// PathOf returns the filesystem path backing the given workload id.
func (l *Loader) PathOf(id string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.catalog[id]
	if !ok {
		return "", false
	}
	return entry.Path, true
}

// Folder returns the workload's directory relative to its search root.
// Top-level files report an empty folder.
func (l *Loader) Folder(id string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.catalog[id]
	if !ok {
		return ""
	}
	root := l.examplesRoot
	if entry.Personal {
		root = l.personalRoot
	}
	rel, err := filepath.Rel(root, filepath.Dir(entry.Path))
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Errors returns the validation error collection from the last reload.
func (l *Loader) Errors() []FileError {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]FileError, len(l.errs))
	copy(out, l.errs)
	return out
}

// Watch reloads the catalog whenever a file under either root changes.
// Events are debounced so that editor save bursts trigger one reload.
// Watch blocks until the context is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range []string{l.personalRoot, l.examplesRoot} {
		if root == "" {
			continue
		}
		if err := addRecursive(watcher, root); err != nil {
			l.logger.Warn("watch unavailable for root", slog.String("root", root), slog.Any("error", err))
		}
	}

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// New directories need their own watch before their files
			// produce events.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, ev.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("watch error", slog.Any("error", err))
		case <-timerC:
			timer = nil
			timerC = nil
			if err := l.Reload(); err != nil {
				l.logger.Error("auto-reload failed", slog.Any("error", err))
			}
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
