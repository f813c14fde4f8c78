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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8765 {
		t.Errorf("port = %d, want 8765", cfg.Server.Port)
	}
	if cfg.AI.DefaultModel == "" || cfg.AI.Concurrency != 1 {
		t.Errorf("ai defaults = %+v", cfg.AI)
	}
	if cfg.Workers.Exec.TimeoutMs != 30000 || cfg.Workers.Exec.Shell != "/bin/sh" || cfg.Workers.Exec.Retries != 0 {
		t.Errorf("exec defaults = %+v", cfg.Workers.Exec)
	}
	if cfg.Workers.Fetch.Retries != 2 {
		t.Errorf("fetch retries = %d, want 2", cfg.Workers.Fetch.Retries)
	}
}

func TestLoadLayeredMerge(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", `
server:
  port: 9000
ai:
  defaultModel: base-model
`)
	writeConfig(t, dir, "config.test.yaml", `
ai:
  defaultModel: test-model
`)
	t.Setenv("MAESTRO_ENV", "test")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Base file sets the port; the env-specific file only overrides the
	// model and leaves the rest alone.
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.AI.DefaultModel != "test-model" {
		t.Errorf("model = %q, want test-model", cfg.AI.DefaultModel)
	}
	if cfg.Workers.Exec.Shell != "/bin/sh" {
		t.Errorf("shell = %q, default lost in merge", cfg.Workers.Exec.Shell)
	}
}

func TestLoadMissingFilesAreFine(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("port = %d, want defaults", cfg.Server.Port)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", `
server:
  prot: 9000
`)
	if _, err := Load(dir); err == nil {
		t.Error("misspelled key accepted")
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("MAESTRO_SERVER_PORT", "7777")
	t.Setenv("MAESTRO_DATA_DIR", "/tmp/maestro-data")
	t.Setenv("MAESTRO_AI_USE_MOCK", "true")
	t.Setenv("MAESTRO_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want 7777", cfg.Server.Port)
	}
	if cfg.Paths.Data != "/tmp/maestro-data" {
		t.Errorf("data = %q", cfg.Paths.Data)
	}
	if !cfg.AI.UseMock {
		t.Error("useMock not set from env")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverlayBadPort(t *testing.T) {
	t.Setenv("MAESTRO_SERVER_PORT", "not-a-port")
	if _, err := Load(""); err == nil {
		t.Error("non-numeric port accepted")
	}
}

func TestWriteAllowed(t *testing.T) {
	cfg := Default()
	cfg.Paths.Workloads = "/home/user/workloads"

	tests := []struct {
		name    string
		allowed string
		path    string
		want    bool
	}{
		{"inside root", "", "/home/user/workloads/digest.yaml", true},
		{"nested inside root", "", "/home/user/workloads/news/digest.yaml", true},
		{"outside root", "", "/etc/passwd", false},
		{"dot-dot escape", "", "/home/user/workloads/../secrets.yaml", false},
		{"wildcard disables sandbox", "*", "/etc/passwd", true},
		{"custom root", "/srv/flows", "/srv/flows/a.yaml", true},
		{"custom root excludes default", "/srv/flows", "/home/user/workloads/a.yaml", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.Paths.AllowedWritePath = tt.allowed
			if got := cfg.WriteAllowed(tt.path); got != tt.want {
				t.Errorf("WriteAllowed(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}
