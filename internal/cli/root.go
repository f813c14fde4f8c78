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

// Package cli implements the maestro command-line client. Workload
// validation runs locally; run and list talk to a running daemon.
package cli

import (
	"github.com/spf13/cobra"
)

// Options carries build metadata into the command tree.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// NewRootCommand builds the maestro command tree.
func NewRootCommand(opts Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "maestro",
		Short:         "Workload orchestration client",
		Long:          "maestro validates workload definitions and drives a running maestrod daemon.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var serverURL string
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8765", "Daemon base URL")

	root.AddCommand(
		newValidateCommand(),
		newRunCommand(&serverURL),
		newListCommand(&serverURL),
		newVersionCommand(opts),
	)
	return root
}
