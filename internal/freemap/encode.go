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
package freemap

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"sectorfs/internal/common"
	"sectorfs/internal/device"
)

// Per container: a bitmap body plus key, cardinality, offset and run flag.
const (
	containerSpan  = 1 << 16
	containerBytes = 8192 + 16
	headerBytes    = 16
)

// MaxEncodedSize bounds the MarshalBinary output for a map of n sectors.
func MaxEncodedSize(n device.Sector) int {
	containers := (int(n) + containerSpan - 1) / containerSpan
	return headerBytes + containers*containerBytes
}

// MarshalBinary encodes the map in the portable roaring format.
func (m *Map) MarshalBinary() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Picks the smallest container kind, keeping the output under MaxEncodedSize.
	m.free.RunOptimize()
	data, err := m.free.ToBytes()
	if err != nil {
		return nil, err
	}
	if limit := MaxEncodedSize(m.sectors); len(data) > limit {
		return nil, fmt.Errorf("free map encodes to %d bytes, limit %d: %w", len(data), limit, common.ErrNoSpace)
	}
	return data, nil
}

// UnmarshalBinary replaces the map contents with data.
// Bits beyond the map's sector count are rejected as corruption.
func (m *Map) UnmarshalBinary(data []byte) error {
	free := roaring.New()
	if err := free.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("decode free map: %v: %w", err, common.ErrCorrupt)
	}
	if !free.IsEmpty() && free.Maximum() >= uint32(m.sectors) {
		return fmt.Errorf("free map marks sector %d of %d: %w", free.Maximum(), m.sectors, common.ErrCorrupt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = free
	return nil
}
