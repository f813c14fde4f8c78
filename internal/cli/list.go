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
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCommand(serverURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workloads in the daemon's catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient(*serverURL)
			var catalog struct {
				Workloads []struct {
					ID          string `json:"id"`
					Name        string `json:"name"`
					Folder      string `json:"folder"`
					Description string `json:"description"`
				} `json:"workloads"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/workloads", nil, &catalog); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tFOLDER\tDESCRIPTION")
			for _, w := range catalog.Workloads {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", w.ID, w.Name, w.Folder, w.Description)
			}
			return tw.Flush()
		},
	}
}
