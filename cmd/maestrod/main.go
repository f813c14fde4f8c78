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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/daemon"
	"github.com/tombee/maestro/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configDir    = flag.String("config-dir", "", "Directory holding config.yaml")
		port         = flag.Int("port", 0, "HTTP listen port (overrides config)")
		dataDir      = flag.String("data-dir", "", "Data directory (overrides config)")
		workloadsDir = flag.String("workloads-dir", "", "Personal workload directory (overrides config)")
		mockAI       = flag.Bool("mock-ai", false, "Use the mock AI backend")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("maestrod %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "maestrod: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dataDir != "" {
		cfg.Paths.Data = *dataDir
	}
	if *workloadsDir != "" {
		cfg.Paths.Workloads = *workloadsDir
	}
	if *mockAI {
		cfg.AI.UseMock = true
	}

	logger := log.New(&log.Config{
		Level:  cfg.Logging.Level,
		Format: log.Format(cfg.Logging.Format),
	})
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
