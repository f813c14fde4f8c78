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

package cli

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// pollInterval spaces the --wait status checks.
const pollInterval = time.Second

func newRunCommand(serverURL *string) *cobra.Command {
	var (
		params []string
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "run <workload-id>",
		Short: "Run a workload on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseParams(params)
			if err != nil {
				return err
			}

			c := newClient(*serverURL)
			var started struct {
				InstanceID string `json:"instanceId"`
				Status     string `json:"status"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/run/"+args[0], input, &started); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", started.InstanceID)
			if !wait {
				return nil
			}

			for {
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(pollInterval):
				}
				var run struct {
					Status string `json:"status"`
					Error  string `json:"error"`
				}
				if err := c.do(cmd.Context(), http.MethodGet, "/runs/"+started.InstanceID, nil, &run); err != nil {
					return err
				}
				switch run.Status {
				case "completed":
					fmt.Fprintln(cmd.OutOrStdout(), "completed")
					return nil
				case "failed":
					return fmt.Errorf("run failed: %s", run.Error)
				}
			}
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Run parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")
	return cmd
}

// parseParams converts repeated key=value flags into the run input map.
func parseParams(params []string) (map[string]interface{}, error) {
	input := map[string]interface{}{}
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", p)
		}
		input[key] = value
	}
	return input, nil
}
