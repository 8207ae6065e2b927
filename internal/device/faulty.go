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

// FaultyDevice wraps a device and fails selected operations with common.ErrIO.
type FaultyDevice struct {
	BlockDevice

	mu         sync.Mutex
	readFails  map[Sector]int
	writeFails map[Sector]int
	failAll    bool
}

// NewFaultyDevice wraps dev with no faults armed.
func NewFaultyDevice(dev BlockDevice) *FaultyDevice {
	return &FaultyDevice{
		BlockDevice: dev,
		readFails:   make(map[Sector]int),
		writeFails:  make(map[Sector]int),
	}
}

// FailReads makes the next n reads of sector fail. n < 0 fails forever.
func (d *FaultyDevice) FailReads(sector Sector, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readFails[sector] = n
}

// FailWrites makes the next n writes of sector fail. n < 0 fails forever.
func (d *FaultyDevice) FailWrites(sector Sector, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeFails[sector] = n
}

// FailAll fails every operation until turned off.
func (d *FaultyDevice) FailAll(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = on
}

// Heal clears every armed fault.
func (d *FaultyDevice) Heal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.readFails)
	clear(d.writeFails)
	d.failAll = false
}

func (d *FaultyDevice) trip(faults map[Sector]int, sector Sector) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAll {
		return true
	}
	n, ok := faults[sector]
	if !ok || n == 0 {
		return false
	}
	if n > 0 {
		faults[sector] = n - 1
	}
	return true
}

func (d *FaultyDevice) ReadSector(sector Sector, buf []byte) error {
	if d.trip(d.readFails, sector) {
		return fmt.Errorf("read sector %d: injected fault: %w", sector, common.ErrIO)
	}
	return d.BlockDevice.ReadSector(sector, buf)
}

func (d *FaultyDevice) WriteSector(sector Sector, buf []byte) error {
	if d.trip(d.writeFails, sector) {
		return fmt.Errorf("write sector %d: injected fault: %w", sector, common.ErrIO)
	}
	return d.BlockDevice.WriteSector(sector, buf)
}
