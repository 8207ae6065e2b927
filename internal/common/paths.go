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
package common

import (
	"os"
	"path/filepath"
	"strings"
)

// ConfigDir returns the configuration directory path.
// Uses SECTORFS_CONFIG_DIR env var if set, otherwise defaults to ~/.sectorfs.
func ConfigDir() string {
	if dir := os.Getenv("SECTORFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sectorfs")
}

// SettingsPath returns the global settings file path
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.yaml")
}

// LockPath returns the lock file guarding a disk image.
// The lock sits next to the image so two processes never share one device.
func LockPath(image string) string {
	return filepath.Clean(image) + ".lock"
}

// ImageName returns the base name of an image path without its extension
func ImageName(image string) string {
	base := filepath.Base(filepath.Clean(image))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
