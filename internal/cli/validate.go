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
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/maestro/pkg/workload"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate workload definition files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateFile(cmd, path); err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateFile(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
		return err
	}
	def, err := workload.Parse(data)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
		return err
	}
	result := workload.Validate(def)
	for _, warning := range result.Warnings {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: warning: %s\n", path, warning)
	}
	if !result.Valid() {
		for _, msg := range result.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %s\n", path, msg)
		}
		return fmt.Errorf("%s is invalid", path)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", path, def.ID)
	return nil
}
