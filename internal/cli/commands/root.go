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
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sectorfs/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Persistent flags
var (
	settingsPath string
	logLevel     string
)

// settings is loaded once per invocation before any subcommand runs.
var settings *config.Settings

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "sectorfs",
	Short: "Sector-addressed file storage on a disk image",
	Long: `Sector-addressed file storage on a disk image.

A volume is a fixed-size image of 512-byte sectors. Files are inodes
numbered by the sector that holds them, reached through a buffer cache
with read-ahead and write-behind.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		s, err := config.LoadSettings(settingsPath)
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		settings = s

		level := settings.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		config.ConfigureLogging(level)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("sectorfs version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "config", "", "Settings file (default: ~/.sectorfs/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: off, trace, debug, info, warn")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
