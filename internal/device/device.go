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
// Package device provides the fixed-size sector devices the engine runs on.
package device

import (
	"fmt"
	"math"

	"sectorfs/internal/common"
)

// SectorSize is the size in bytes of one addressable device unit.
const SectorSize = 512

// Sector is a device sector number.
type Sector uint32

// NoSector marks an absent sector: an empty cache slot or an
// offset beyond an inode's length.
const NoSector Sector = math.MaxUint32

// BlockDevice reads and writes whole sectors synchronously.
// Buffers passed to ReadSector and WriteSector are exactly SectorSize bytes.
type BlockDevice interface {
	ReadSector(sector Sector, buf []byte) error
	WriteSector(sector Sector, buf []byte) error
	// Sectors returns the device capacity in sectors.
	Sectors() Sector
	Close() error
}

func checkAccess(dev BlockDevice, sector Sector, buf []byte) error {
	if sector >= dev.Sectors() {
		return fmt.Errorf("sector %d of %d: %w", sector, dev.Sectors(), common.ErrInvalidSector)
	}
	if len(buf) != SectorSize {
		return fmt.Errorf("buffer of %d bytes for sector %d: %w", len(buf), sector, common.ErrInvalidSector)
	}
	return nil
}
