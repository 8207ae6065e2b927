package storage

import (
	"encoding/binary"
	"fmt"

	"sectorfs/internal/common"
	"sectorfs/internal/device"
)

// On-disk inode record, one sector, little endian:
//
//	offset  size  field
//	     0     4  start (legacy first data sector, unused by the index)
//	     4     4  length in bytes
//	     8    40  direct[10] sector numbers
//	    48     4  indirect block sector
//	    52     4  double-indirect block sector
//	    56     4  is-directory flag (0 or 1)
//	    60     4  parent directory inode sector
//	    64     4  magic
//	    68   444  reserved, zero
//
// A zero sector number means "not allocated": sector 0 always holds the
// volume metadata inode, so it can never belong to a file.
const (
	DirectBlocks = 10
	IndexEntries = device.SectorSize / 4

	offStart          = 0
	offLength         = 4
	offDirect         = 8
	offIndirect       = offDirect + 4*DirectBlocks
	offDoubleIndirect = offIndirect + 4
	offIsDir          = offDoubleIndirect + 4
	offParent         = offIsDir + 4
	offMagic          = offParent + 4
	recordUsed        = offMagic + 4

	inodeMagic uint32 = 0x494e4f44
)

// The record must fit in one sector.
const _ = uint(device.SectorSize - recordUsed)

// Index geometry.
const (
	indirectSpan       = IndexEntries
	doubleIndirectSpan = IndexEntries * IndexEntries

	// MaxSectors is the number of data sectors one inode can address.
	MaxSectors = DirectBlocks + indirectSpan + doubleIndirectSpan
	// MaxFileSize is the largest length an inode can grow to.
	MaxFileSize = MaxSectors * device.SectorSize
)

// unallocated marks an empty slot in the direct array or an index block.
const unallocated device.Sector = 0

type diskInode struct {
	Start          device.Sector
	Length         uint32
	Direct         [DirectBlocks]device.Sector
	Indirect       device.Sector
	DoubleIndirect device.Sector
	IsDir          bool
	Parent         device.Sector
	Magic          uint32
}

func newDiskInode(isDir bool) diskInode {
	return diskInode{IsDir: isDir, Magic: inodeMagic}
}

func (d *diskInode) encode(buf []byte) {
	_ = buf[device.SectorSize-1]
	clear(buf)
	le := binary.LittleEndian
	le.PutUint32(buf[offStart:], uint32(d.Start))
	le.PutUint32(buf[offLength:], d.Length)
	for i, s := range d.Direct {
		le.PutUint32(buf[offDirect+4*i:], uint32(s))
	}
	le.PutUint32(buf[offIndirect:], uint32(d.Indirect))
	le.PutUint32(buf[offDoubleIndirect:], uint32(d.DoubleIndirect))
	if d.IsDir {
		le.PutUint32(buf[offIsDir:], 1)
	}
	le.PutUint32(buf[offParent:], uint32(d.Parent))
	le.PutUint32(buf[offMagic:], d.Magic)
}

func (d *diskInode) decode(sector device.Sector, buf []byte) error {
	_ = buf[device.SectorSize-1]
	le := binary.LittleEndian
	if magic := le.Uint32(buf[offMagic:]); magic != inodeMagic {
		return fmt.Errorf("inode %d: magic %#x: %w", sector, magic, common.ErrCorrupt)
	}
	d.Start = device.Sector(le.Uint32(buf[offStart:]))
	d.Length = le.Uint32(buf[offLength:])
	if d.Length > MaxFileSize {
		return fmt.Errorf("inode %d: length %d: %w", sector, d.Length, common.ErrCorrupt)
	}
	for i := range d.Direct {
		d.Direct[i] = device.Sector(le.Uint32(buf[offDirect+4*i:]))
	}
	d.Indirect = device.Sector(le.Uint32(buf[offIndirect:]))
	d.DoubleIndirect = device.Sector(le.Uint32(buf[offDoubleIndirect:]))
	d.IsDir = le.Uint32(buf[offIsDir:]) != 0
	d.Parent = device.Sector(le.Uint32(buf[offParent:]))
	d.Magic = inodeMagic
	return nil
}

// indexBlock is an indirect block: IndexEntries sector numbers.
type indexBlock [IndexEntries]device.Sector

func (b *indexBlock) encode(buf []byte) {
	for i, s := range b {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(s))
	}
}

func (b *indexBlock) decode(buf []byte) {
	for i := range b {
		b[i] = device.Sector(binary.LittleEndian.Uint32(buf[4*i:]))
	}
}

// sectorsFor returns how many sectors cover length bytes.
func sectorsFor(length int64) int {
	return int((length + device.SectorSize - 1) / device.SectorSize)
}
