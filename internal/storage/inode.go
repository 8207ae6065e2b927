package storage

import (
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"sectorfs/internal/cache"
	"sectorfs/internal/common"
	"sectorfs/internal/device"
)

// Inode is an open on-disk inode. Handles are shared: every Open of the
// same sector returns the same *Inode, and each Open or Reopen must be
// matched by one Close.
//
// Locking: reads and writes inside the current length hold mu shared;
// a write past the end holds it exclusively while the inode grows, its
// record is persisted and its data is written. Lock order is table.mu
// before mu.
type Inode struct {
	table  *Table
	sector device.Sector

	// Guarded by table.mu.
	openCount int
	removed   bool

	// Changed under both table.mu and mu, so either lock reads it.
	denyWrite int

	mu   sync.RWMutex
	disk diskInode
}

// Sector returns the inode's own sector, which is also its number.
func (ino *Inode) Sector() device.Sector {
	return ino.sector
}

// Length returns the file size in bytes.
func (ino *Inode) Length() int64 {
	ino.mu.RLock()
	defer ino.mu.RUnlock()
	return int64(ino.disk.Length)
}

func (ino *Inode) IsDir() bool {
	ino.mu.RLock()
	defer ino.mu.RUnlock()
	return ino.disk.IsDir
}

func (ino *Inode) Parent() device.Sector {
	ino.mu.RLock()
	defer ino.mu.RUnlock()
	return ino.disk.Parent
}

// SetParent records the directory containing this inode and persists the record.
func (ino *Inode) SetParent(parent device.Sector) error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.disk.Parent = parent
	return ino.writeRecordLocked()
}

func (ino *Inode) OpenCount() int {
	ino.table.mu.Lock()
	defer ino.table.mu.Unlock()
	return ino.openCount
}

func (ino *Inode) Removed() bool {
	ino.table.mu.Lock()
	defer ino.table.mu.Unlock()
	return ino.removed
}

func (ino *Inode) DenyWriteCount() int {
	ino.table.mu.Lock()
	defer ino.table.mu.Unlock()
	return ino.denyWrite
}

// Translate returns the data sector holding byte pos, or device.NoSector
// when pos is not inside the file.
func (ino *Inode) Translate(pos int64) (device.Sector, error) {
	ino.mu.RLock()
	defer ino.mu.RUnlock()
	return translate(ino.table.cache, &ino.disk, pos)
}

// ReadAt implements io.ReaderAt. Reading at or past the end returns io.EOF.
func (ino *Inode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read inode %d at %d: %w", ino.sector, off, common.ErrInvalidSector)
	}
	ino.mu.RLock()
	defer ino.mu.RUnlock()

	length := int64(ino.disk.Length)
	n := 0
	for n < len(p) && off < length {
		sector, err := translate(ino.table.cache, &ino.disk, off)
		if err != nil {
			return n, err
		}
		sectorOff := int(off % device.SectorSize)
		chunk := min(len(p)-n, device.SectorSize-sectorOff, int(length-off))
		if err := ino.table.cache.Read(sector, cache.DataBlock, p[n:n+chunk], sectorOff); err != nil {
			return n, err
		}
		n += chunk
		off += int64(chunk)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writing past the end grows the file;
// the gap, if any, reads as zeros.
func (ino *Inode) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("write inode %d at %d: %w", ino.sector, off, common.ErrInvalidSector)
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := off + int64(len(p))

	ino.mu.RLock()
	if err := ino.checkWritableLocked(); err != nil {
		ino.mu.RUnlock()
		return 0, err
	}
	if end <= int64(ino.disk.Length) {
		defer ino.mu.RUnlock()
		return ino.writeLocked(p, off)
	}
	ino.mu.RUnlock()

	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.checkWritableLocked(); err != nil {
		return 0, err
	}
	if err := ino.extendLocked(end); err != nil {
		return 0, err
	}
	return ino.writeLocked(p, off)
}

// Extend grows the file to length bytes of zeros. It never shrinks.
func (ino *Inode) Extend(length int64) error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.checkWritableLocked(); err != nil {
		return err
	}
	return ino.extendLocked(length)
}

// checkWritableLocked fails while writes are denied. The caller holds mu,
// so a DenyWrite cannot return until the write it admits has finished.
func (ino *Inode) checkWritableLocked() error {
	if ino.denyWrite > 0 {
		return fmt.Errorf("write inode %d: %w", ino.sector, common.ErrWriteDenied)
	}
	return nil
}

func (ino *Inode) extendLocked(length int64) error {
	if length <= int64(ino.disk.Length) {
		return nil
	}
	grown, err := grow(ino.table.cache, ino.table.alloc, &ino.disk, length)
	if err != nil {
		return fmt.Errorf("grow inode %d: %w", ino.sector, err)
	}
	ino.disk = grown
	return ino.writeRecordLocked()
}

func (ino *Inode) writeLocked(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		sector, err := translate(ino.table.cache, &ino.disk, off)
		if err != nil {
			return n, err
		}
		sectorOff := int(off % device.SectorSize)
		chunk := min(len(p)-n, device.SectorSize-sectorOff)
		if err := ino.table.cache.Write(sector, cache.DataBlock, p[n:n+chunk], sectorOff); err != nil {
			return n, err
		}
		n += chunk
		off += int64(chunk)
	}
	return n, nil
}

func (ino *Inode) writeRecordLocked() error {
	buf := make([]byte, device.SectorSize)
	ino.disk.encode(buf)
	if err := ino.table.cache.Write(ino.sector, cache.MetaBlock, buf, 0); err != nil {
		return fmt.Errorf("write inode %d: %w", ino.sector, err)
	}
	return nil
}

// Reopen takes another reference to an open inode.
func (ino *Inode) Reopen() *Inode {
	ino.table.mu.Lock()
	defer ino.table.mu.Unlock()
	ino.openCount++
	return ino
}

// Close drops one reference. The last Close writes the record back, or
// frees every sector of a removed inode.
func (ino *Inode) Close() error {
	return ino.table.close(ino)
}

// Remove marks the inode for deletion at its last Close. Existing
// handles keep working until then.
func (ino *Inode) Remove() {
	ino.table.mu.Lock()
	defer ino.table.mu.Unlock()
	ino.removed = true
	log.Debugf("[Inode] %d marked removed (%d open)", ino.sector, ino.openCount)
}

// DenyWrite blocks writes until a matching AllowWrite. Each opener may
// hold at most one denial, so the count never exceeds the open count.
// It waits for writes already in progress to finish.
func (ino *Inode) DenyWrite() error {
	ino.table.mu.Lock()
	defer ino.table.mu.Unlock()
	if ino.denyWrite >= ino.openCount {
		return fmt.Errorf("deny write on inode %d: %d denials for %d openers: %w",
			ino.sector, ino.denyWrite, ino.openCount, common.ErrInvalidHandle)
	}
	ino.mu.Lock()
	ino.denyWrite++
	ino.mu.Unlock()
	return nil
}

// AllowWrite releases one DenyWrite.
func (ino *Inode) AllowWrite() error {
	ino.table.mu.Lock()
	defer ino.table.mu.Unlock()
	if ino.denyWrite == 0 {
		return fmt.Errorf("allow write on inode %d without deny: %w", ino.sector, common.ErrInvalidHandle)
	}
	ino.mu.Lock()
	ino.denyWrite--
	ino.mu.Unlock()
	return nil
}
