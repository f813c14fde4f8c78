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

package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/pkg/errors"
)

// Missed-execution policies.
const (
	PolicyCatchup = "catchup" // fire once per missed occurrence
	PolicyLast    = "last"    // fire once for the latest missed occurrence
	PolicySkip    = "skip"    // ignore missed occurrences silently
	PolicyLog     = "log"     // ignore missed occurrences, log them (default)
)

// Schedule is one persisted schedule record.
type Schedule struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	WorkloadID string                 `json:"workloadId"`
	Cron       string                 `json:"cron,omitempty"`
	// Interval is tolerated from older records; only cron schedules fire.
	Interval              string                 `json:"interval,omitempty"`
	Enabled               bool                   `json:"enabled"`
	Params                map[string]interface{} `json:"params,omitempty"`
	LastRunAt             *time.Time             `json:"lastRunAt,omitempty"`
	MissedExecutionPolicy string                 `json:"missedExecutionPolicy,omitempty"`
	CreatedAt             time.Time              `json:"createdAt"`
	UpdatedAt             time.Time              `json:"updatedAt"`
}

// Policy returns the effective missed-execution policy.
func (s *Schedule) Policy() string {
	switch s.MissedExecutionPolicy {
	case PolicyCatchup, PolicyLast, PolicySkip, PolicyLog:
		return s.MissedExecutionPolicy
	default:
		return PolicyLog
	}
}

// Validate checks a schedule record before persisting it.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "name is required"}
	}
	if s.WorkloadID == "" {
		return &errors.ValidationError{Field: "workloadId", Message: "workloadId is required"}
	}
	if s.Cron == "" && s.Interval == "" {
		return &errors.ValidationError{Field: "cron", Message: "one of cron or interval is required"}
	}
	if s.Cron != "" {
		if _, err := ParseCron(s.Cron); err != nil {
			return &errors.ValidationError{Field: "cron", Message: err.Error()}
		}
	}
	if s.MissedExecutionPolicy != "" && s.Policy() != s.MissedExecutionPolicy {
		return &errors.ValidationError{
			Field:      "missedExecutionPolicy",
			Message:    fmt.Sprintf("unknown policy %q", s.MissedExecutionPolicy),
			Suggestion: "use catchup, last, skip, or log",
		}
	}
	return nil
}

// Store persists schedule records as one JSON file per schedule under
// <data>/schedules/. Writes are last-write-wins; records are small and
// tolerant of one-tick anomalies.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a schedule store rooted at <data>/schedules.
func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "schedules")}
}

// List returns all schedule records sorted by name.
func (s *Store) List() ([]*Schedule, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading schedules directory: %w", err)
	}

	var schedules []*Schedule
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sched, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue // damaged records are skipped, not fatal
		}
		schedules = append(schedules, sched)
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].Name < schedules[j].Name })
	return schedules, nil
}

// Get returns one schedule by id.
func (s *Store) Get(id string) (*Schedule, error) {
	sched, err := s.read(filepath.Join(s.dir, id+".json"))
	if os.IsNotExist(err) {
		return nil, &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return sched, err
}

// Create validates and persists a new schedule, assigning an id when
// absent.
func (s *Store) Create(sched *Schedule) (*Schedule, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := time.Now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	if err := s.write(sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Update replaces an existing schedule record.
func (s *Store) Update(sched *Schedule) (*Schedule, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	existing, err := s.Get(sched.ID)
	if err != nil {
		return nil, err
	}
	sched.CreatedAt = existing.CreatedAt
	sched.UpdatedAt = time.Now()
	if err := s.write(sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// Delete removes a schedule record.
func (s *Store) Delete(id string) error {
	err := os.Remove(filepath.Join(s.dir, id+".json"))
	if os.IsNotExist(err) {
		return &errors.NotFoundError{Resource: "schedule", ID: id}
	}
	return err
}

// SetEnabled toggles a schedule.
func (s *Store) SetEnabled(id string, enabled bool) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	sched.Enabled = enabled
	sched.UpdatedAt = time.Now()
	if err := s.write(sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// TouchLastRun stamps lastRunAt. The scheduler is the only writer of this
// field.
func (s *Store) TouchLastRun(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, err := s.Get(id)
	if err != nil {
		return err
	}
	sched.LastRunAt = &at
	return s.write(sched)
}

func (s *Store) read(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, fmt.Errorf("corrupt schedule record %s: %w", path, err)
	}
	return &sched, nil
}

func (s *Store) write(sched *Schedule) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sched, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, sched.ID+".json"), data, 0o644)
}
