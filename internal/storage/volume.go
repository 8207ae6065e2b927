package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"sectorfs/internal/cache"
	"sectorfs/internal/common"
	"sectorfs/internal/config"
	"sectorfs/internal/device"
	"sectorfs/internal/freemap"
)

// MetaSector holds the volume metadata inode on a formatted volume.
const MetaSector device.Sector = 0

// Volume metadata inode contents:
//
//	offset  size  field
//	     0     8  magic "SECTORFS"
//	     8     4  format version
//	    12     4  device sectors
//	    16    16  volume UUID
//	    32     4  free map length in bytes
//	    36    28  reserved
//	    64     -  free map (roaring bitmap of free sectors)
const (
	volumeVersion   = 1
	volumeHeaderLen = 64
)

var volumeMagic = [8]byte{'S', 'E', 'C', 'T', 'O', 'R', 'F', 'S'}

// Volume is a storage engine instance over one device: a buffer cache with
// its daemons, an open-inode table and a sector allocator.
type Volume struct {
	dev   device.BlockDevice
	cache *cache.BufferCache
	table *Table
	alloc Allocator

	// Set on formatted volumes only.
	freeMap *freemap.Map
	meta    *Inode

	id     uuid.UUID
	log    *log.Entry
	closed bool
}

// New starts an engine over dev that takes sectors from an external
// allocator. Nothing about allocation is persisted.
func New(dev device.BlockDevice, alloc Allocator, settings *config.Settings) (*Volume, error) {
	v, err := newVolume(dev, alloc, settings, uuid.New())
	if err != nil {
		return nil, err
	}
	v.cache.Start(context.Background())
	return v, nil
}

func newVolume(dev device.BlockDevice, alloc Allocator, settings *config.Settings, id uuid.UUID) (*Volume, error) {
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	c, err := cache.New(dev, cache.OptionsFromSettings(settings))
	if err != nil {
		return nil, err
	}
	return &Volume{
		dev:   dev,
		cache: c,
		table: NewTable(c, alloc),
		alloc: alloc,
		id:    id,
		log:   log.WithField("volume", id.String()),
	}, nil
}

// Format initializes dev as an empty volume and returns it mounted.
// Sector 0 becomes the metadata inode; its data holds the free map.
func Format(dev device.BlockDevice, settings *config.Settings) (*Volume, error) {
	fm := freemap.New(dev.Sectors())
	if err := fm.Reserve(MetaSector, 1); err != nil {
		return nil, err
	}
	v, err := newVolume(dev, fm, settings, uuid.New())
	if err != nil {
		return nil, err
	}
	v.freeMap = fm

	metaLen := int64(volumeHeaderLen + freemap.MaxEncodedSize(dev.Sectors()))
	if err := v.table.Create(MetaSector, metaLen, false); err != nil {
		v.cache.Close()
		return nil, fmt.Errorf("format: %w", err)
	}
	if v.meta, err = v.table.Open(MetaSector); err != nil {
		v.cache.Close()
		return nil, fmt.Errorf("format: %w", err)
	}
	if err := v.saveFreeMap(); err != nil {
		v.meta.Close()
		v.cache.Close()
		return nil, fmt.Errorf("format: %w", err)
	}
	v.log.Infof("[Volume] formatted %d sectors, %d free", dev.Sectors(), fm.Free())
	v.cache.Start(context.Background())
	return v, nil
}

// Mount opens a volume written by Format.
func Mount(dev device.BlockDevice, settings *config.Settings) (*Volume, error) {
	fm := freemap.New(dev.Sectors())
	v, err := newVolume(dev, fm, settings, uuid.Nil)
	if err != nil {
		return nil, err
	}
	v.freeMap = fm

	if v.meta, err = v.table.Open(MetaSector); err != nil {
		v.cache.Close()
		return nil, fmt.Errorf("mount: %w", err)
	}
	if err := v.loadFreeMap(); err != nil {
		v.meta.Close()
		v.cache.Close()
		return nil, fmt.Errorf("mount: %w", err)
	}
	v.log = log.WithField("volume", v.id.String())
	v.log.Debugf("[Volume] mounted %d sectors, %d free", dev.Sectors(), fm.Free())
	v.cache.Start(context.Background())
	return v, nil
}

func (v *Volume) saveFreeMap() error {
	data, err := v.freeMap.MarshalBinary()
	if err != nil {
		return err
	}
	var header [volumeHeaderLen]byte
	copy(header[0:8], volumeMagic[:])
	binary.LittleEndian.PutUint32(header[8:], volumeVersion)
	binary.LittleEndian.PutUint32(header[12:], uint32(v.dev.Sectors()))
	copy(header[16:32], v.id[:])
	binary.LittleEndian.PutUint32(header[32:], uint32(len(data)))

	if int64(len(header)+len(data)) > v.meta.Length() {
		return fmt.Errorf("free map of %d bytes: %w", len(data), common.ErrNoSpace)
	}
	if _, err := v.meta.WriteAt(append(header[:], data...), 0); err != nil {
		return fmt.Errorf("write free map: %w", err)
	}
	return nil
}

func (v *Volume) loadFreeMap() error {
	var header [volumeHeaderLen]byte
	if _, err := v.meta.ReadAt(header[:], 0); err != nil {
		return fmt.Errorf("read volume header: %w", err)
	}
	if !bytes.Equal(header[0:8], volumeMagic[:]) {
		return fmt.Errorf("volume magic %q: %w", header[0:8], common.ErrCorrupt)
	}
	if ver := binary.LittleEndian.Uint32(header[8:]); ver != volumeVersion {
		return fmt.Errorf("volume version %d: %w", ver, common.ErrCorrupt)
	}
	if n := device.Sector(binary.LittleEndian.Uint32(header[12:])); n != v.dev.Sectors() {
		return fmt.Errorf("volume of %d sectors on a %d sector device: %w", n, v.dev.Sectors(), common.ErrCorrupt)
	}
	id, err := uuid.FromBytes(header[16:32])
	if err != nil {
		return fmt.Errorf("volume id: %v: %w", err, common.ErrCorrupt)
	}
	mapLen := int64(binary.LittleEndian.Uint32(header[32:]))
	if volumeHeaderLen+mapLen > v.meta.Length() {
		return fmt.Errorf("free map length %d: %w", mapLen, common.ErrCorrupt)
	}
	data := make([]byte, mapLen)
	if _, err := v.meta.ReadAt(data, volumeHeaderLen); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read free map: %w", err)
	}
	if err := v.freeMap.UnmarshalBinary(data); err != nil {
		return err
	}
	v.id = id
	return nil
}

// ID returns the volume UUID.
func (v *Volume) ID() uuid.UUID {
	return v.id
}

// Cache returns the volume's buffer cache.
func (v *Volume) Cache() *cache.BufferCache {
	return v.cache
}

// Table returns the volume's open-inode table.
func (v *Volume) Table() *Table {
	return v.table
}

// FreeSectors returns the free sector count, or -1 with an external allocator.
func (v *Volume) FreeSectors() int {
	if v.freeMap == nil {
		return -1
	}
	return v.freeMap.Free()
}

// Create allocates a sector and writes a new inode of length bytes there.
func (v *Volume) Create(length int64, isDir bool) (device.Sector, error) {
	sector, err := v.alloc.Allocate(1)
	if err != nil {
		return device.NoSector, fmt.Errorf("create: %w", err)
	}
	if err := v.table.Create(sector, length, isDir); err != nil {
		v.alloc.Release(sector, 1)
		return device.NoSector, err
	}
	return sector, nil
}

// CreateAt writes a new inode at a sector the caller already allocated.
func (v *Volume) CreateAt(sector device.Sector, length int64, isDir bool) error {
	if err := v.checkSector(sector); err != nil {
		return err
	}
	return v.table.Create(sector, length, isDir)
}

// Open opens the inode at sector.
func (v *Volume) Open(sector device.Sector) (*Inode, error) {
	if err := v.checkSector(sector); err != nil {
		return nil, err
	}
	return v.table.Open(sector)
}

// OpenFile opens the inode at sector as a file handle.
func (v *Volume) OpenFile(sector device.Sector) (*File, error) {
	ino, err := v.Open(sector)
	if err != nil {
		return nil, err
	}
	return NewFile(ino), nil
}

// Remove deletes the inode at sector once nobody has it open.
func (v *Volume) Remove(sector device.Sector) error {
	ino, err := v.Open(sector)
	if err != nil {
		return err
	}
	ino.Remove()
	return ino.Close()
}

// SetParent records parent as the directory of the inode at child.
func (v *Volume) SetParent(parent, child device.Sector) error {
	ino, err := v.Open(child)
	if err != nil {
		return err
	}
	if err := ino.SetParent(parent); err != nil {
		ino.Close()
		return err
	}
	return ino.Close()
}

func (v *Volume) checkSector(sector device.Sector) error {
	if sector >= v.dev.Sectors() || (v.meta != nil && sector == MetaSector) {
		return fmt.Errorf("inode sector %d: %w", sector, common.ErrInvalidSector)
	}
	return nil
}

// Sync persists the free map and flushes every dirty sector.
func (v *Volume) Sync() error {
	if v.meta != nil {
		if err := v.saveFreeMap(); err != nil {
			return err
		}
	}
	return v.cache.FlushAll()
}

// Stats returns buffer cache statistics.
func (v *Volume) Stats() cache.Stats {
	return v.cache.Stats()
}

// Close persists the free map, stops the cache daemons and flushes.
// The device stays open.
func (v *Volume) Close() error {
	if v.closed {
		return common.ErrClosed
	}
	v.closed = true

	var errs []error
	if v.meta != nil {
		if err := v.saveFreeMap(); err != nil {
			errs = append(errs, err)
		}
		if err := v.meta.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n := v.table.Len(); n > 0 {
		v.log.Warnf("[Volume] closing with %d inodes still open", n)
	}
	if err := v.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	v.log.Debugf("[Volume] closed: %s", v.cache.Stats())
	return errors.Join(errs...)
}
