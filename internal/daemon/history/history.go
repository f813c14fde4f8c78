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

// Package history maintains a SQLite index of run summaries. The index
// only accelerates listing; run.json in each run directory stays
// authoritative, and readers fall back to a directory scan when the
// index is unavailable or stale.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/maestro/internal/manifest"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	instance_id    TEXT PRIMARY KEY,
	workload_id    TEXT,
	workload_name  TEXT,
	status         TEXT NOT NULL,
	started_at     TEXT,
	duration_ms    INTEGER,
	output_count   INTEGER NOT NULL DEFAULT 0,
	primary_output TEXT,
	error          TEXT
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at DESC);
`

// Index is the run-history catalog.
type Index struct {
	db *sql.DB
}

// Open creates or opens the index database at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history index: %w", err)
	}
	// One writer at a time keeps modernc/sqlite happy under the daemon's
	// concurrent terminal-transition callbacks.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Record upserts one run summary.
func (ix *Index) Record(s manifest.Summary) error {
	var startedAt any
	if s.StartedAt != nil {
		startedAt = s.StartedAt.Format(time.RFC3339Nano)
	}
	_, err := ix.db.Exec(`
INSERT INTO runs (instance_id, workload_id, workload_name, status, started_at, duration_ms, output_count, primary_output, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (instance_id) DO UPDATE SET
	workload_id    = excluded.workload_id,
	workload_name  = excluded.workload_name,
	status         = excluded.status,
	started_at     = excluded.started_at,
	duration_ms    = excluded.duration_ms,
	output_count   = excluded.output_count,
	primary_output = excluded.primary_output,
	error          = excluded.error`,
		s.InstanceID, s.WorkloadID, s.WorkloadName, string(s.Status),
		startedAt, s.DurationMs, s.OutputCount, s.PrimaryOutput, s.Error)
	return err
}

// List returns recorded summaries, newest first. limit <= 0 means all.
func (ix *Index) List(limit int) ([]manifest.Summary, error) {
	query := `
SELECT instance_id, workload_id, workload_name, status, started_at, duration_ms, output_count, primary_output, error
FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []manifest.Summary
	for rows.Next() {
		var (
			s         manifest.Summary
			status    string
			startedAt sql.NullString
			duration  sql.NullInt64
		)
		if err := rows.Scan(&s.InstanceID, &s.WorkloadID, &s.WorkloadName, &status,
			&startedAt, &duration, &s.OutputCount, &s.PrimaryOutput, &s.Error); err != nil {
			return nil, err
		}
		s.Status = manifest.Status(status)
		if startedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
				s.StartedAt = &t
			}
		}
		if duration.Valid {
			d := duration.Int64
			s.DurationMs = &d
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes one run from the index. Unknown ids are not an error;
// the directory is the source of truth.
func (ix *Index) Delete(instanceID string) error {
	_, err := ix.db.Exec(`DELETE FROM runs WHERE instance_id = ?`, instanceID)
	return err
}

// PurgeFailed removes all failed runs from the index and returns their
// instance ids so the caller can remove the directories too.
func (ix *Index) PurgeFailed() ([]string, error) {
	rows, err := ix.db.Query(`SELECT instance_id FROM runs WHERE status = ?`, string(manifest.StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := ix.db.Exec(`DELETE FROM runs WHERE status = ?`, string(manifest.StatusFailed)); err != nil {
		return nil, err
	}
	return ids, nil
}
