package storage

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"sectorfs/internal/cache"
	"sectorfs/internal/common"
	"sectorfs/internal/device"
)

// Table tracks open inodes so that concurrent opens of one sector share
// a single in-memory inode.
//
// An inode leaves the table when its open count returns to zero. That
// close, including the record write-back or the release of a removed
// inode's sectors, runs under the table lock, so a concurrent Open of
// the same sector either finds the live inode or reads the record after
// it is fully written.
type Table struct {
	cache *cache.BufferCache
	alloc Allocator

	mu   sync.Mutex
	open map[device.Sector]*Inode
}

// NewTable creates an empty open-inode table.
func NewTable(c *cache.BufferCache, alloc Allocator) *Table {
	return &Table{
		cache: c,
		alloc: alloc,
		open:  make(map[device.Sector]*Inode),
	}
}

// Create writes a new inode of length zero-filled bytes at sector.
// On failure every sector it allocated is released; sector itself
// stays with the caller.
func (t *Table) Create(sector device.Sector, length int64, isDir bool) error {
	if length < 0 {
		return fmt.Errorf("create inode %d with length %d: %w", sector, length, common.ErrInvalidSector)
	}
	disk := newDiskInode(isDir)
	grown, err := grow(t.cache, t.alloc, &disk, length)
	if err != nil {
		return fmt.Errorf("create inode %d: %w", sector, err)
	}
	buf := make([]byte, device.SectorSize)
	grown.encode(buf)
	if err := t.cache.Write(sector, cache.MetaBlock, buf, 0); err != nil {
		if ferr := freeAll(t.cache, t.alloc, &grown); ferr != nil {
			log.Errorf("[Inode] releasing sectors of unwritten inode %d: %v", sector, ferr)
		}
		return fmt.Errorf("create inode %d: %w", sector, err)
	}
	log.Debugf("[Inode] created %d: %d bytes, dir=%v", sector, length, isDir)
	return nil
}

// Open returns the inode at sector, sharing it with other openers.
func (t *Table) Open(sector device.Sector) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino, ok := t.open[sector]; ok {
		ino.openCount++
		return ino, nil
	}

	buf := make([]byte, device.SectorSize)
	if err := t.cache.Read(sector, cache.MetaBlock, buf, 0); err != nil {
		return nil, fmt.Errorf("open inode %d: %w", sector, err)
	}
	ino := &Inode{table: t, sector: sector, openCount: 1}
	if err := ino.disk.decode(sector, buf); err != nil {
		return nil, err
	}
	t.open[sector] = ino
	return ino, nil
}

// Len returns the number of open inodes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// IsOpen reports whether sector has an open inode.
func (t *Table) IsOpen(sector device.Sector) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[sector]
	return ok
}

func (t *Table) close(ino *Inode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino.openCount <= 0 {
		return fmt.Errorf("close inode %d: %w", ino.sector, common.ErrClosed)
	}
	ino.openCount--

	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.denyWrite > ino.openCount {
		// The closing opener still held a denial.
		ino.denyWrite = ino.openCount
	}
	if ino.openCount > 0 {
		return nil
	}
	delete(t.open, ino.sector)
	if !ino.removed {
		return ino.writeRecordLocked()
	}

	err := freeAll(t.cache, t.alloc, &ino.disk)
	// Clear the magic so a later Open of the sector fails.
	if werr := t.cache.Write(ino.sector, cache.MetaBlock, make([]byte, device.SectorSize), 0); werr != nil {
		log.Warnf("[Inode] clearing record of freed inode %d: %v", ino.sector, werr)
	}
	t.alloc.Release(ino.sector, 1)
	log.Debugf("[Inode] freed %d (%d bytes)", ino.sector, ino.disk.Length)
	ino.disk = diskInode{}
	if err != nil {
		return fmt.Errorf("free inode %d: %w", ino.sector, err)
	}
	return nil
}
