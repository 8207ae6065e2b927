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

	"github.com/spf13/cobra"

	"sectorfs/internal/common"
)

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Show volume information",
	Long: `Show the volume ID, size and free space of an image, along with the
cache settings it is mounted with.

Examples:
  sectorfs info disk.img
  sectorfs info disk.img --log-level debug`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) (err error) {
	s, err := openVolume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeInto(&err, s)

	sectors := s.dev.Sectors()
	free := s.vol.FreeSectors()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Volume:     %s\n", common.ImageName(args[0]))
	fmt.Fprintf(out, "ID:         %s\n", s.vol.ID())
	fmt.Fprintf(out, "Sectors:    %d (%s)\n", sectors, formatBytes(int64(sectors)*512))
	fmt.Fprintf(out, "Free:       %d (%s)\n", free, formatBytes(int64(free)*512))
	fmt.Fprintf(out, "Cache:      %d slots, read-ahead %v, flush every %s\n",
		settings.CacheCapacity, settings.ReadAheadEnabled(), settings.FlushInterval)
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
