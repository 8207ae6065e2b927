// Copyright 2024 SectorFS Authors
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
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sectorfs/internal/common"
	"sectorfs/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default settings file",
	Long: `Write the default engine settings to ~/.sectorfs/settings.yaml
(or the --config path). An existing file is left untouched.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := settingsPath
	if path == "" {
		path = common.SettingsPath()
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists (not modified)\n", path)
		return nil
	}
	if err := config.SaveSettings(path, config.Default()); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}
