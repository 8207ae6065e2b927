package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"sectorfs/internal/cache"
	"sectorfs/internal/common"
	"sectorfs/internal/device"
)

// blockPos locates a file block in the index tree.
//
//	depth 0: disk.Direct[idx[0]]
//	depth 1: indirect[idx[0]]
//	depth 2: doubleIndirect[idx[0]] -> child[idx[1]]
type blockPos struct {
	depth int
	idx   [2]int
}

// locate maps a file block number onto the tree. ok is false past MaxSectors.
func locate(block int) (pos blockPos, ok bool) {
	switch {
	case block < 0:
		return blockPos{}, false
	case block < DirectBlocks:
		return blockPos{depth: 0, idx: [2]int{block}}, true
	case block < DirectBlocks+indirectSpan:
		return blockPos{depth: 1, idx: [2]int{block - DirectBlocks}}, true
	case block < MaxSectors:
		base := block - DirectBlocks - indirectSpan
		return blockPos{depth: 2, idx: [2]int{base / IndexEntries, base % IndexEntries}}, true
	default:
		return blockPos{}, false
	}
}

// root returns the inode field the walk for pos starts from.
func (d *diskInode) root(pos blockPos) *device.Sector {
	switch pos.depth {
	case 0:
		return &d.Direct[pos.idx[0]]
	case 1:
		return &d.Indirect
	default:
		return &d.DoubleIndirect
	}
}

// readEntry reads entry i of the index block at sector.
func readEntry(c *cache.BufferCache, sector device.Sector, i int) (device.Sector, error) {
	var buf [4]byte
	if err := c.Read(sector, cache.MetaBlock, buf[:], 4*i); err != nil {
		return device.NoSector, err
	}
	return device.Sector(binary.LittleEndian.Uint32(buf[:])), nil
}

func readIndexBlock(c *cache.BufferCache, sector device.Sector) (*indexBlock, error) {
	buf := make([]byte, device.SectorSize)
	if err := c.Read(sector, cache.MetaBlock, buf, 0); err != nil {
		return nil, err
	}
	b := new(indexBlock)
	b.decode(buf)
	return b, nil
}

func writeIndexBlock(c *cache.BufferCache, sector device.Sector, b *indexBlock) error {
	buf := make([]byte, device.SectorSize)
	b.encode(buf)
	return c.Write(sector, cache.MetaBlock, buf, 0)
}

// resolve walks the tree to the data sector of block. It returns
// unallocated if any sector along the way is missing.
func resolve(c *cache.BufferCache, d *diskInode, block int) (device.Sector, error) {
	pos, ok := locate(block)
	if !ok {
		return device.NoSector, fmt.Errorf("block %d: %w", block, common.ErrFileTooLarge)
	}
	sector := *d.root(pos)
	for level := 0; level < pos.depth; level++ {
		if sector == unallocated {
			return unallocated, nil
		}
		next, err := readEntry(c, sector, pos.idx[level])
		if err != nil {
			return device.NoSector, err
		}
		sector = next
	}
	return sector, nil
}

// translate returns the data sector holding byte pos, or device.NoSector
// when pos is outside [0, length]. pos == length maps to the last sector
// while it has room left; on a sector boundary no block holds it.
func translate(c *cache.BufferCache, d *diskInode, pos int64) (device.Sector, error) {
	length := int64(d.Length)
	if pos < 0 || pos > length || (pos == length && pos%device.SectorSize == 0) {
		return device.NoSector, nil
	}
	sector, err := resolve(c, d, int(pos/device.SectorSize))
	if err != nil {
		return device.NoSector, err
	}
	if sector == unallocated {
		return device.NoSector, fmt.Errorf("offset %d of %d has no sector: %w", pos, d.Length, common.ErrCorrupt)
	}
	return sector, nil
}

// freeTree releases sector and, for depth > 0, everything its entries reach.
// It keeps releasing past read failures and reports them joined.
func freeTree(c *cache.BufferCache, alloc Allocator, sector device.Sector, depth int) error {
	if sector == unallocated {
		return nil
	}
	var errs []error
	if depth > 0 {
		b, err := readIndexBlock(c, sector)
		if err != nil {
			// Children are unreachable; leaking them beats releasing live sectors.
			return fmt.Errorf("free index block %d: %w", sector, err)
		}
		for _, child := range b {
			if err := freeTree(c, alloc, child, depth-1); err != nil {
				errs = append(errs, err)
			}
		}
	}
	alloc.Release(sector, 1)
	return errors.Join(errs...)
}

// freeAll releases every data and index sector d owns.
func freeAll(c *cache.BufferCache, alloc Allocator, d *diskInode) error {
	var errs []error
	for _, s := range d.Direct {
		if err := freeTree(c, alloc, s, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if err := freeTree(c, alloc, d.Indirect, 1); err != nil {
		errs = append(errs, err)
	}
	if err := freeTree(c, alloc, d.DoubleIndirect, 2); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
