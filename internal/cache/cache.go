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
// Package cache provides the sector buffer cache for SectorFS.
//
// Design Principles:
// 1. Pin before touch - every access holds a slot reference, and a referenced slot is never evicted
// 2. One device read per miss - a slot being filled is marked loading and later lookups wait on it
// 3. Index sectors are sticky - eviction prefers data slots over metadata slots
//
// Currently provides:
// - BufferCache: fixed-capacity clock cache over a device.BlockDevice
// - a read-ahead prefetcher and a write-behind flusher run by BufferCache.Start
package cache

import "os"

// ReadAheadDisabled turns prefetching off for every cache.
// Set via SECTORFS_READ_AHEAD=0 environment variable.
// Useful for isolating prefetch effects when debugging eviction.
var ReadAheadDisabled = os.Getenv("SECTORFS_READ_AHEAD") == "0"

// BlockType tells the cache what a sector holds.
type BlockType uint8

const (
	// DataBlock is file content.
	DataBlock BlockType = iota
	// MetaBlock is an inode record or index block; eviction avoids it.
	MetaBlock
)

func (t BlockType) String() string {
	if t == MetaBlock {
		return "meta"
	}
	return "data"
}
