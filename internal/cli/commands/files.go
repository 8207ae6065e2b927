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
	"io"
	"os"

	"github.com/spf13/cobra"

	"sectorfs/internal/device"
	"sectorfs/internal/storage"
)

var putCmd = &cobra.Command{
	Use:   "put <image> <file>",
	Short: "Store a file as a new inode",
	Long: `Copy a local file into the volume and print the new inode number.
Use - to read from standard input.

Examples:
  sectorfs put disk.img notes.txt
  cat data.bin | sectorfs put disk.img -
  sectorfs put disk.img notes.txt --parent 12`,
	Args: cobra.ExactArgs(2),
	RunE: runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <image> <inode>",
	Short: "Read an inode's contents",
	Long: `Write the contents of an inode to standard output or a file.

Examples:
  sectorfs get disk.img 20
  sectorfs get disk.img 20 -o notes.txt`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <image>",
	Short: "Create an empty directory inode",
	Args:  cobra.ExactArgs(1),
	RunE:  runMkdir,
}

var rmCmd = &cobra.Command{
	Use:   "rm <image> <inode>",
	Short: "Delete an inode and free its sectors",
	Args:  cobra.ExactArgs(2),
	RunE:  runRm,
}

var statCmd = &cobra.Command{
	Use:   "stat <image> <inode>",
	Short: "Show an inode's size, type and parent",
	Args:  cobra.ExactArgs(2),
	RunE:  runStat,
}

var (
	putParent   uint32
	mkdirParent uint32
	getOutput   string
)

func init() {
	putCmd.Flags().Uint32Var(&putParent, "parent", 0, "Directory inode to record as parent")
	mkdirCmd.Flags().Uint32Var(&mkdirParent, "parent", 0, "Directory inode to record as parent")
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "Write to this file instead of standard output")

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(statCmd)
}

func runPut(cmd *cobra.Command, args []string) (err error) {
	var src io.Reader = cmd.InOrStdin()
	if args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	s, err := openVolume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeInto(&err, s)

	sector, err := create(cmd, s.vol, false, putParent)
	if err != nil {
		return err
	}
	f, err := s.vol.OpenFile(sector)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Don't leave a partial inode behind.
		discard(cmd, s.vol, sector)
		return fmt.Errorf("failed to store %s: %w", args[1], err)
	}
	// The inode number is only worth printing once the data is on the image.
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", sector)
	if n == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "Note: stored an empty file")
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	sector, err := parseSector(args[1])
	if err != nil {
		return err
	}
	s, err := openVolume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeInto(&err, s)

	f, err := s.vol.OpenFile(sector)
	if err != nil {
		return err
	}
	defer closeInto(&err, f)

	dst := cmd.OutOrStdout()
	if getOutput != "" {
		out, cerr := os.Create(getOutput)
		if cerr != nil {
			return cerr
		}
		defer closeInto(&err, out)
		dst = out
	}
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to read inode %d: %w", sector, err)
	}
	return nil
}

func runMkdir(cmd *cobra.Command, args []string) (err error) {
	s, err := openVolume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeInto(&err, s)

	sector, err := create(cmd, s.vol, true, mkdirParent)
	if err != nil {
		return err
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", sector)
	return nil
}

func runRm(cmd *cobra.Command, args []string) (err error) {
	sector, err := parseSector(args[1])
	if err != nil {
		return err
	}
	s, err := openVolume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeInto(&err, s)

	before := s.vol.FreeSectors()
	if err := s.vol.Remove(sector); err != nil {
		return fmt.Errorf("failed to remove inode %d: %w", sector, err)
	}
	freed := s.vol.FreeSectors() - before
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed inode %d (%d sectors freed)\n", sector, freed)
	return nil
}

func runStat(cmd *cobra.Command, args []string) (err error) {
	sector, err := parseSector(args[1])
	if err != nil {
		return err
	}
	s, err := openVolume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer closeInto(&err, s)

	ino, err := s.vol.Open(sector)
	if err != nil {
		return err
	}
	defer closeInto(&err, ino)

	kind := "file"
	if ino.IsDir() {
		kind = "directory"
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Inode:  %d\n", ino.Sector())
	fmt.Fprintf(out, "Type:   %s\n", kind)
	fmt.Fprintf(out, "Size:   %d bytes\n", ino.Length())
	fmt.Fprintf(out, "Parent: %d\n", ino.Parent())
	if first, err := ino.Translate(0); err == nil && first != device.NoSector {
		fmt.Fprintf(out, "First data sector: %d\n", first)
	}
	return nil
}

// create makes an empty inode and records its parent when one is given.
func create(cmd *cobra.Command, vol *storage.Volume, isDir bool, parent uint32) (device.Sector, error) {
	sector, err := vol.Create(0, isDir)
	if err != nil {
		return device.NoSector, fmt.Errorf("failed to create inode: %w", err)
	}
	if parent == 0 {
		return sector, nil
	}
	if err := vol.SetParent(device.Sector(parent), sector); err != nil {
		discard(cmd, vol, sector)
		return device.NoSector, fmt.Errorf("failed to set parent: %w", err)
	}
	return sector, nil
}

// discard removes an inode a failed command created, warning when it can't.
func discard(cmd *cobra.Command, vol *storage.Volume, sector device.Sector) {
	if err := vol.Remove(sector); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: could not remove inode %d: %v\n", sector, err)
	}
}
