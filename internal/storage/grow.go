package storage

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"sectorfs/internal/cache"
	"sectorfs/internal/common"
	"sectorfs/internal/device"
)

// Allocator hands out and takes back device sectors.
// It must never hand out sector 0.
type Allocator interface {
	Allocate(count int) (device.Sector, error)
	Release(sector device.Sector, count int)
}

// grower extends an inode in two phases. Staging allocates sectors and
// edits index blocks in memory only; commit zero-fills the new data
// sectors and writes the index blocks. Any failure releases every sector
// allocated by this grower and leaves the caller's record untouched.
type grower struct {
	cache *cache.BufferCache
	alloc Allocator
	disk  diskInode // working copy

	blocks   map[device.Sector]*indexBlock // staged index blocks
	original map[device.Sector]indexBlock  // pre-edit contents of existing blocks
	dirty    map[device.Sector]bool
	fresh    []device.Sector // every sector allocated in this attempt
	data     []device.Sector // fresh data sectors awaiting zero fill
	isFresh  map[device.Sector]bool
}

// grow returns a copy of d covering newLength bytes.
// It never shrinks: a newLength at or below d.Length returns d unchanged.
func grow(c *cache.BufferCache, alloc Allocator, d *diskInode, newLength int64) (diskInode, error) {
	if newLength <= int64(d.Length) {
		return *d, nil
	}
	if newLength > MaxFileSize {
		return *d, fmt.Errorf("grow to %d bytes (max %d): %w", newLength, MaxFileSize, common.ErrFileTooLarge)
	}
	g := &grower{
		cache:    c,
		alloc:    alloc,
		disk:     *d,
		blocks:   make(map[device.Sector]*indexBlock),
		original: make(map[device.Sector]indexBlock),
		dirty:    make(map[device.Sector]bool),
		isFresh:  make(map[device.Sector]bool),
	}
	// Blocks below sectorsFor(old length) are already allocated.
	for block := sectorsFor(int64(d.Length)); block < sectorsFor(newLength); block++ {
		if err := g.ensure(block); err != nil {
			g.rollback()
			return *d, err
		}
	}
	if err := g.commit(); err != nil {
		g.rollback()
		return *d, err
	}
	g.disk.Length = uint32(newLength)
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[Inode] grew %d -> %d bytes, %d new sectors", d.Length, newLength, len(g.fresh))
	}
	return g.disk, nil
}

// ensure makes block addressable, allocating index blocks on the way.
func (g *grower) ensure(block int) error {
	pos, ok := locate(block)
	if !ok {
		return fmt.Errorf("block %d: %w", block, common.ErrFileTooLarge)
	}
	ptr := g.disk.root(pos)
	owner := device.NoSector // the record itself
	for level := 0; level < pos.depth; level++ {
		b, sector, err := g.stage(ptr, owner)
		if err != nil {
			return err
		}
		ptr, owner = &b[pos.idx[level]], sector
	}
	if *ptr != unallocated {
		return nil
	}
	s, err := g.allocate()
	if err != nil {
		return err
	}
	g.data = append(g.data, s)
	g.set(ptr, owner, s)
	return nil
}

// stage returns the index block *ptr points to, allocating a zeroed
// one if *ptr is unallocated. owner is the index block containing ptr.
func (g *grower) stage(ptr *device.Sector, owner device.Sector) (*indexBlock, device.Sector, error) {
	if *ptr == unallocated {
		s, err := g.allocate()
		if err != nil {
			return nil, device.NoSector, err
		}
		b := new(indexBlock)
		g.blocks[s] = b
		g.dirty[s] = true
		g.set(ptr, owner, s)
		return b, s, nil
	}
	sector := *ptr
	if b, ok := g.blocks[sector]; ok {
		return b, sector, nil
	}
	b, err := readIndexBlock(g.cache, sector)
	if err != nil {
		return nil, device.NoSector, err
	}
	g.blocks[sector] = b
	g.original[sector] = *b
	return b, sector, nil
}

func (g *grower) set(ptr *device.Sector, owner, s device.Sector) {
	*ptr = s
	if owner != device.NoSector {
		g.dirty[owner] = true
	}
}

func (g *grower) allocate() (device.Sector, error) {
	s, err := g.alloc.Allocate(1)
	if err != nil {
		return device.NoSector, err
	}
	if s == unallocated {
		g.alloc.Release(s, 1)
		return device.NoSector, fmt.Errorf("allocator returned reserved sector 0: %w", common.ErrCorrupt)
	}
	g.fresh = append(g.fresh, s)
	g.isFresh[s] = true
	return s, nil
}

// commit writes fresh sectors first and edits existing index blocks last,
// so a failure before the last step leaves the on-disk tree as it was.
func (g *grower) commit() error {
	zeros := make([]byte, device.SectorSize)
	for _, s := range g.data {
		if err := g.cache.Write(s, cache.DataBlock, zeros, 0); err != nil {
			return fmt.Errorf("zero fill sector %d: %w", s, err)
		}
	}
	for s := range g.dirty {
		if !g.isFresh[s] {
			continue
		}
		if err := writeIndexBlock(g.cache, s, g.blocks[s]); err != nil {
			return fmt.Errorf("write index block %d: %w", s, err)
		}
	}
	var written []device.Sector
	for s := range g.dirty {
		if g.isFresh[s] {
			continue
		}
		if err := writeIndexBlock(g.cache, s, g.blocks[s]); err != nil {
			g.restore(written)
			return fmt.Errorf("write index block %d: %w", s, err)
		}
		written = append(written, s)
	}
	return nil
}

// restore puts back the pre-edit contents of existing index blocks.
func (g *grower) restore(sectors []device.Sector) {
	var errs []error
	for _, s := range sectors {
		orig := g.original[s]
		if err := writeIndexBlock(g.cache, s, &orig); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Errorf("[Inode] restoring index blocks after failed grow: %v", err)
	}
}

func (g *grower) rollback() {
	for _, s := range g.fresh {
		g.alloc.Release(s, 1)
	}
	if len(g.fresh) > 0 {
		log.Debugf("[Inode] grow failed, released %d sectors", len(g.fresh))
	}
}
