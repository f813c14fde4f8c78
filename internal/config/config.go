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

// Package config loads daemon configuration as an explicit layered merge:
// built-in defaults, then the base config file, then an
// environment-specific file, then process environment variables. Each
// layer only overrides the keys it sets; unknown keys in config files are
// errors.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/maestro/pkg/errors"
)

// Config is the daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Paths   PathsConfig   `yaml:"paths"`
	AI      AIConfig      `yaml:"ai"`
	Workers WorkersConfig `yaml:"workers"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"corsOrigin"`
}

// PathsConfig configures the filesystem roots.
type PathsConfig struct {
	// Data holds runs, schedules, and alerts.
	Data string `yaml:"data"`
	// Workloads is the personal workload root.
	Workloads string `yaml:"workloads"`
	// Examples is the bundled workload root, shadowed by Workloads.
	Examples string `yaml:"examples"`
	// AllowedWritePath restricts where workload files may be written;
	// "*" disables the sandbox.
	AllowedWritePath string `yaml:"allowedWritePath"`
}

// AIConfig configures the AI backend.
type AIConfig struct {
	DefaultModel string `yaml:"defaultModel"`
	UseMock      bool   `yaml:"useMock"`
	Concurrency  int    `yaml:"concurrency"`
	Retries      int    `yaml:"retries"`
	Endpoint     string `yaml:"endpoint"`
}

// WorkersConfig configures the data workers.
type WorkersConfig struct {
	Exec  ExecConfig  `yaml:"exec"`
	Fetch FetchConfig `yaml:"fetch"`
}

// ExecConfig configures the EXEC worker.
type ExecConfig struct {
	// TimeoutMs bounds one command in milliseconds.
	TimeoutMs int    `yaml:"timeout"`
	Shell     string `yaml:"shell"`
	// Retries is the bus-level retry budget. Commands may have side
	// effects, so the default is no retries.
	Retries int `yaml:"retries"`
}

// FetchConfig configures the FETCH worker.
type FetchConfig struct {
	// TimeoutMs bounds one request in milliseconds.
	TimeoutMs int    `yaml:"timeout"`
	UserAgent string `yaml:"userAgent"`
	// Retries is the bus-level retry budget for transient network
	// failures.
	Retries int `yaml:"retries"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults. Paths are rooted under the
// user's home directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".maestro")
	return &Config{
		Server: ServerConfig{
			Port:       8765,
			CORSOrigin: "http://localhost:5173",
		},
		Paths: PathsConfig{
			Data:      filepath.Join(base, "data"),
			Workloads: filepath.Join(base, "workloads"),
			Examples:  filepath.Join(base, "examples"),
		},
		AI: AIConfig{
			DefaultModel: "claude-haiku",
			Concurrency:  1,
			Retries:      2,
		},
		Workers: WorkersConfig{
			Exec:  ExecConfig{TimeoutMs: 30000, Shell: "/bin/sh"},
			Fetch: FetchConfig{TimeoutMs: 30000, Retries: 2},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from the directory holding config files.
// The base file is config.yaml; when MAESTRO_ENV is set, config.<env>.yaml
// overlays it. Either file may be absent. Environment variables apply
// last.
func Load(dir string) (*Config, error) {
	cfg := Default()

	if dir != "" {
		if err := overlayFile(cfg, filepath.Join(dir, "config.yaml")); err != nil {
			return nil, err
		}
		if env := os.Getenv("MAESTRO_ENV"); env != "" {
			if err := overlayFile(cfg, filepath.Join(dir, "config."+env+".yaml")); err != nil {
				return nil, err
			}
		}
	}

	if err := overlayEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFile merges one YAML file over cfg. A missing file is fine;
// unknown keys are not.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &errors.ConfigError{Key: path, Reason: "unreadable config file", Cause: err}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return &errors.ConfigError{Key: path, Reason: "invalid config file", Cause: err}
	}
	return nil
}

// overlayEnv applies MAESTRO_* environment variables.
func overlayEnv(cfg *Config) error {
	if v := os.Getenv("MAESTRO_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return &errors.ConfigError{Key: "server.port", Reason: fmt.Sprintf("MAESTRO_SERVER_PORT is not a number: %v", err)}
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("MAESTRO_CORS_ORIGIN"); v != "" {
		cfg.Server.CORSOrigin = v
	}
	if v := os.Getenv("MAESTRO_DATA_DIR"); v != "" {
		cfg.Paths.Data = v
	}
	if v := os.Getenv("MAESTRO_WORKLOADS_DIR"); v != "" {
		cfg.Paths.Workloads = v
	}
	if v := os.Getenv("MAESTRO_EXAMPLES_DIR"); v != "" {
		cfg.Paths.Examples = v
	}
	if v := os.Getenv("MAESTRO_AI_MODEL"); v != "" {
		cfg.AI.DefaultModel = v
	}
	if v := os.Getenv("MAESTRO_AI_USE_MOCK"); v != "" {
		cfg.AI.UseMock = v == "true" || v == "1"
	}
	if v := os.Getenv("MAESTRO_AI_ENDPOINT"); v != "" {
		cfg.AI.Endpoint = v
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// WriteAllowed reports whether workload files may be written at path.
// The sandbox confines writes to the personal workload root unless
// allowedWritePath widens (or, with "*", disables) it.
func (c *Config) WriteAllowed(path string) bool {
	if c.Paths.AllowedWritePath == "*" {
		return true
	}
	allowed := c.Paths.AllowedWritePath
	if allowed == "" {
		allowed = c.Paths.Workloads
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(allowed)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
