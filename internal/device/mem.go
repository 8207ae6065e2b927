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
package device

import (
	"fmt"
	"sync"

	"sectorfs/internal/common"
)

// MemDevice keeps all sectors in memory.
type MemDevice struct {
	mu     sync.RWMutex
	data   []byte
	closed bool

	reads  int64
	writes int64
}

// NewMemDevice creates a zero-filled in-memory device of n sectors.
func NewMemDevice(n Sector) *MemDevice {
	return &MemDevice{data: make([]byte, int(n)*SectorSize)}
}

func (d *MemDevice) ReadSector(sector Sector, buf []byte) error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("read sector %d: %w", sector, common.ErrClosed)
	}
	off := int(sector) * SectorSize
	copy(buf, d.data[off:off+SectorSize])
	d.reads++
	return nil
}

func (d *MemDevice) WriteSector(sector Sector, buf []byte) error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("write sector %d: %w", sector, common.ErrClosed)
	}
	off := int(sector) * SectorSize
	copy(d.data[off:off+SectorSize], buf)
	d.writes++
	return nil
}

func (d *MemDevice) Sectors() Sector {
	return Sector(len(d.data) / SectorSize)
}

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Counts returns the number of sector reads and writes served so far.
func (d *MemDevice) Counts() (reads, writes int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reads, d.writes
}
