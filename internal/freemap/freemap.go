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
// Package freemap tracks which device sectors are free.
//
// Free sectors are kept as set bits in a roaring bitmap, so a mostly-full
// or mostly-empty device costs a few bytes per 64K sectors. The map
// serializes to a bounded number of bytes (see MaxEncodedSize) so a
// volume can reserve a fixed region for it at format time.
package freemap

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	log "github.com/sirupsen/logrus"

	"sectorfs/internal/common"
	"sectorfs/internal/device"
)

// Map is a concurrency-safe free-sector map.
type Map struct {
	mu      sync.Mutex
	free    *roaring.Bitmap
	sectors device.Sector
}

// New returns a map of n sectors, all free.
func New(n device.Sector) *Map {
	free := roaring.New()
	free.AddRange(0, uint64(n))
	return &Map{free: free, sectors: n}
}

// Sectors returns the number of sectors the map covers.
func (m *Map) Sectors() device.Sector {
	return m.sectors
}

// Free returns the number of free sectors.
func (m *Map) Free() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.free.GetCardinality())
}

// IsFree reports whether sector is free.
func (m *Map) IsFree(sector device.Sector) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free.Contains(uint32(sector))
}

// Allocate marks the lowest run of count consecutive free sectors as used
// and returns its first sector.
func (m *Map) Allocate(count int) (device.Sector, error) {
	if count <= 0 {
		return device.NoSector, fmt.Errorf("allocate %d sectors: %w", count, common.ErrInvalidSector)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	start, ok := m.findRun(count)
	if !ok {
		return device.NoSector, fmt.Errorf("allocate %d sectors (%d free): %w",
			count, m.free.GetCardinality(), common.ErrNoSpace)
	}
	m.free.RemoveRange(uint64(start), uint64(start)+uint64(count))
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[FreeMap] allocated %d sectors at %d", count, start)
	}
	return device.Sector(start), nil
}

// findRun returns the start of the lowest run of count set bits.
func (m *Map) findRun(count int) (uint32, bool) {
	if m.free.IsEmpty() {
		return 0, false
	}
	if count == 1 {
		return m.free.Minimum(), true
	}
	it := m.free.Iterator()
	var start, prev uint32
	run := 0
	for it.HasNext() {
		v := it.Next()
		if run > 0 && v == prev+1 {
			run++
		} else {
			start, run = v, 1
		}
		prev = v
		if run == count {
			return start, true
		}
	}
	return 0, false
}

// Release returns count sectors starting at sector to the free pool.
func (m *Map) Release(sector device.Sector, count int) {
	if count <= 0 {
		return
	}
	end := uint64(sector) + uint64(count)
	if end > uint64(m.sectors) {
		log.Warnf("[FreeMap] release of %d sectors at %d exceeds device size %d", count, sector, m.sectors)
		end = uint64(m.sectors)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free.AddRange(uint64(sector), end)
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[FreeMap] released %d sectors at %d", count, sector)
	}
}

// Reserve marks count sectors starting at sector as used.
// It fails with common.ErrExists if any of them is already in use.
func (m *Map) Reserve(sector device.Sector, count int) error {
	end := uint64(sector) + uint64(count)
	if count <= 0 || end > uint64(m.sectors) {
		return fmt.Errorf("reserve %d sectors at %d: %w", count, sector, common.ErrInvalidSector)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := uint64(sector); s < end; s++ {
		if !m.free.Contains(uint32(s)) {
			return fmt.Errorf("reserve sector %d: %w", s, common.ErrExists)
		}
	}
	m.free.RemoveRange(uint64(sector), end)
	return nil
}
