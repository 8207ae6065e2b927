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
//go:build unix

package device

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"sectorfs/internal/common"
)

// FileDevice is a disk image file addressed by sector.
// The image is held under an exclusive advisory lock while open.
type FileDevice struct {
	f       *os.File
	lock    *flock.Flock
	sectors Sector
}

// CreateFile creates (or truncates) an image of n zero sectors.
func CreateFile(path string, n Sector) (*FileDevice, error) {
	if n == 0 || n == NoSector {
		return nil, fmt.Errorf("create %s with %d sectors: %w", path, n, common.ErrInvalidSector)
	}
	lock, err := acquire(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := f.Truncate(int64(n) * SectorSize); err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("size image %s: %w", path, err)
	}
	log.Debugf("[Device] created %s with %d sectors", path, n)
	return &FileDevice{f: f, lock: lock, sectors: n}, nil
}

// OpenFile opens an existing image. Its size must be a whole number of sectors.
func OpenFile(path string) (*FileDevice, error) {
	lock, err := acquire(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, err
	}
	size := info.Size()
	if size == 0 || size%SectorSize != 0 || size/SectorSize >= int64(NoSector) {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("image %s has size %d: %w", path, size, common.ErrCorrupt)
	}
	log.Debugf("[Device] opened %s with %d sectors", path, size/SectorSize)
	return &FileDevice{f: f, lock: lock, sectors: Sector(size / SectorSize)}, nil
}

func acquire(path string) (*flock.Flock, error) {
	lock := flock.New(common.LockPath(path))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, common.ErrLocked)
	}
	return lock, nil
}

func (d *FileDevice) ReadSector(sector Sector, buf []byte) error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}
	n, err := unix.Pread(int(d.f.Fd()), buf, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("read sector %d: %v: %w", sector, err, common.ErrIO)
	}
	if n != SectorSize {
		return fmt.Errorf("read sector %d: short read of %d bytes: %w", sector, n, common.ErrIO)
	}
	return nil
}

func (d *FileDevice) WriteSector(sector Sector, buf []byte) error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}
	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("write sector %d: %v: %w", sector, err, common.ErrIO)
	}
	if n != SectorSize {
		return fmt.Errorf("write sector %d: short write of %d bytes: %w", sector, n, common.ErrIO)
	}
	return nil
}

func (d *FileDevice) Sectors() Sector {
	return d.sectors
}

// Sync forces written sectors to stable storage.
func (d *FileDevice) Sync() error {
	if err := unix.Fsync(int(d.f.Fd())); err != nil {
		return fmt.Errorf("fsync: %v: %w", err, common.ErrIO)
	}
	return nil
}

// Close syncs the image, closes it and drops the lock.
func (d *FileDevice) Close() error {
	syncErr := d.Sync()
	closeErr := d.f.Close()
	d.lock.Unlock()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
