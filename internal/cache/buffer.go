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
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sectorfs/internal/common"
	"sectorfs/internal/config"
	"sectorfs/internal/device"
	"sectorfs/internal/util"
)

// Slot is one sector-sized cache entry. A slot returned by Load stays
// bound to its sector until the caller hands it back with Release.
type Slot struct {
	// Guarded by BufferCache.mu.
	sector   device.Sector
	meta     bool
	accessed bool
	loading  bool
	refs     int
	err      error

	mu    sync.RWMutex // guards dirty and data
	dirty bool
	data  [device.SectorSize]byte
}

// Sector returns the sector the slot holds. Valid while pinned.
func (s *Slot) Sector() device.Sector {
	return s.sector
}

// Bytes copies the slot contents at offset into dst.
func (s *Slot) Bytes(dst []byte, offset int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copy(dst, s.data[offset:])
}

// Options configures a BufferCache.
type Options struct {
	Capacity      int           // slot count
	FlushInterval time.Duration // write-behind period
	ReadAhead     bool          // prefetch the next sector after each data read
	IORetries     int           // attempts per background flush
}

// DefaultOptions mirrors the embedded default settings.
func DefaultOptions() Options {
	return OptionsFromSettings(config.Default())
}

// OptionsFromSettings maps engine settings onto cache options.
func OptionsFromSettings(s *config.Settings) Options {
	return Options{
		Capacity:      s.CacheCapacity,
		FlushInterval: s.FlushInterval,
		ReadAhead:     s.ReadAheadEnabled() && !ReadAheadDisabled,
		IORetries:     s.IORetries,
	}
}

// BufferCache is a fixed-capacity write-back cache of device sectors.
//
// Replacement is clock (second chance) with a bias against metadata:
// an unreferenced data slot is always reclaimed before an unreferenced
// metadata slot. When every slot is referenced, Load blocks until a
// Release frees one.
//
// Thread-safe: slot bookkeeping is guarded by one mutex; slot contents by
// a per-slot RWMutex so copies run outside the cache lock.
type BufferCache struct {
	dev  device.BlockDevice
	opts Options

	mu       sync.Mutex
	freed    *sync.Cond // a slot's reference count reached zero
	loaded   *sync.Cond // a device fill finished
	slots    []*Slot
	index    map[device.Sector]*Slot
	hand     int
	stopping bool

	queue     *prefetchQueue
	readAhead atomic.Bool

	stats counters

	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
}

// New creates a cache of opts.Capacity empty slots over dev.
// Background daemons do not run until Start.
func New(dev device.BlockDevice, opts Options) (*BufferCache, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("cache capacity %d: %w", opts.Capacity, config.ErrInvalidSettings)
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	c := &BufferCache{
		dev:   dev,
		opts:  opts,
		slots: make([]*Slot, opts.Capacity),
		index: make(map[device.Sector]*Slot, opts.Capacity),
		queue: newPrefetchQueue(opts.Capacity),
	}
	for i := range c.slots {
		c.slots[i] = &Slot{sector: device.NoSector}
	}
	c.freed = sync.NewCond(&c.mu)
	c.loaded = sync.NewCond(&c.mu)
	c.readAhead.Store(opts.ReadAhead)
	return c, nil
}

// Device returns the underlying device.
func (c *BufferCache) Device() device.BlockDevice {
	return c.dev
}

// Capacity returns the slot count.
func (c *BufferCache) Capacity() int {
	return len(c.slots)
}

// Lookup pins sector if it is resident and returns nil otherwise.
// It never touches the device.
func (c *BufferCache) Lookup(sector device.Sector) *Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.index[sector]
	if s == nil {
		return nil
	}
	s.refs++
	s.accessed = true
	for s.loading {
		c.loaded.Wait()
	}
	if s.sector != sector {
		c.unpinLocked(s)
		return nil
	}
	c.stats.hits.Add(1)
	return s
}

// Load pins sector, reading it from the device on a miss.
// The caller must Release the slot.
func (c *BufferCache) Load(sector device.Sector, kind BlockType) (*Slot, error) {
	s, _, err := c.load(sector, kind, nil, false)
	return s, err
}

// Release drops a reference taken by Load or Lookup.
func (c *BufferCache) Release(s *Slot) {
	c.mu.Lock()
	c.unpinLocked(s)
	c.mu.Unlock()
}

func (c *BufferCache) unpinLocked(s *Slot) {
	if s.refs <= 0 {
		log.Errorf("[Cache] release of unreferenced slot for sector %d", s.sector)
		return
	}
	s.refs--
	if s.refs == 0 {
		c.freed.Signal()
	}
}

// load pins sector. A non-nil overwrite is a complete new sector image: on
// a miss it fills the slot instead of a device read and filled is true.
// Background loads give up with common.ErrClosed once the cache is closing
// instead of waiting for a free slot.
func (c *BufferCache) load(sector device.Sector, kind BlockType, overwrite []byte, background bool) (s *Slot, filled bool, err error) {
	if sector >= c.dev.Sectors() {
		return nil, false, fmt.Errorf("sector %d of %d: %w", sector, c.dev.Sectors(), common.ErrInvalidSector)
	}

	c.mu.Lock()
	waited := false
	for {
		if s = c.index[sector]; s != nil {
			if waited {
				// Pass the wakeup on; this caller did not take the free slot.
				c.freed.Signal()
			}
			s.refs++
			s.accessed = true
			if kind == MetaBlock {
				s.meta = true
			}
			for s.loading {
				c.loaded.Wait()
			}
			if s.sector != sector {
				err = s.err
				c.unpinLocked(s)
				c.mu.Unlock()
				return nil, false, err
			}
			c.mu.Unlock()
			c.stats.hits.Add(1)
			return s, false, nil
		}

		s, err = c.claimLocked(sector, kind)
		if err != nil {
			if waited {
				c.freed.Signal()
			}
			c.mu.Unlock()
			return nil, false, err
		}
		if s != nil {
			break
		}
		if background && c.stopping {
			c.mu.Unlock()
			return nil, false, common.ErrClosed
		}
		waited = true
		c.freed.Wait()
	}
	c.mu.Unlock()
	c.stats.misses.Add(1)

	// The slot is loading: nobody else reads or writes its data until the fill ends.
	if overwrite != nil {
		copy(s.data[:], overwrite)
		s.dirty = true
	} else {
		err = c.dev.ReadSector(sector, s.data[:])
	}

	c.mu.Lock()
	s.loading = false
	if err != nil {
		s.err = fmt.Errorf("load sector %d: %w", sector, err)
		err = s.err
		delete(c.index, sector)
		s.sector = device.NoSector
		s.meta, s.accessed = false, false
		c.unpinLocked(s)
		s = nil
	}
	c.loaded.Broadcast()
	c.mu.Unlock()
	return s, overwrite != nil && err == nil, err
}

// claimLocked runs the clock over the slots and binds the victim to sector.
// It returns nil, nil when every slot is referenced.
func (c *BufferCache) claimLocked(sector device.Sector, kind BlockType) (*Slot, error) {
	var fallback *Slot
	n := len(c.slots)
	// Two revolutions: the first may only clear accessed bits.
	for i := 0; i < 2*n; i++ {
		s := c.slots[c.hand]
		c.hand = (c.hand + 1) % n
		switch {
		case s.refs > 0:
			continue
		case s.sector == device.NoSector:
			c.bindLocked(s, sector, kind)
			return s, nil
		case s.accessed:
			s.accessed = false
		case s.meta:
			if fallback == nil {
				fallback = s
			}
		default:
			return c.reclaimLocked(s, sector, kind)
		}
	}
	if fallback != nil {
		return c.reclaimLocked(fallback, sector, kind)
	}
	return nil, nil
}

// reclaimLocked writes back an unreferenced victim and rebinds it.
// On a write-back failure the victim is left as it was.
func (c *BufferCache) reclaimLocked(s *Slot, sector device.Sector, kind BlockType) (*Slot, error) {
	if s.dirty {
		if err := c.dev.WriteSector(s.sector, s.data[:]); err != nil {
			return nil, fmt.Errorf("write back sector %d: %w", s.sector, err)
		}
		s.dirty = false
		c.stats.writeBacks.Add(1)
	}
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[Cache] evict sector %d (meta=%v) for %d", s.sector, s.meta, sector)
	}
	delete(c.index, s.sector)
	c.stats.evictions.Add(1)
	c.bindLocked(s, sector, kind)
	return s, nil
}

func (c *BufferCache) bindLocked(s *Slot, sector device.Sector, kind BlockType) {
	s.sector = sector
	s.meta = kind == MetaBlock
	s.accessed = true
	s.loading = true
	s.refs = 1
	s.err = nil
	s.dirty = false
	c.index[sector] = s
}

func checkSpan(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > device.SectorSize {
		return fmt.Errorf("span [%d, %d) outside sector: %w", offset, offset+length, common.ErrInvalidSector)
	}
	return nil
}

// Read copies len(dst) bytes at offset within sector into dst and queues
// the following sector for read-ahead.
func (c *BufferCache) Read(sector device.Sector, kind BlockType, dst []byte, offset int) error {
	if err := checkSpan(offset, len(dst)); err != nil {
		return err
	}
	s, _, err := c.load(sector, kind, nil, false)
	if err != nil {
		return err
	}
	s.Bytes(dst, offset)
	c.Release(s)
	c.hint(sector + 1)
	return nil
}

// Write copies src into sector at offset and marks the slot dirty.
// A write of a whole sector does not read the old contents on a miss.
func (c *BufferCache) Write(sector device.Sector, kind BlockType, src []byte, offset int) error {
	if err := checkSpan(offset, len(src)); err != nil {
		return err
	}
	var overwrite []byte
	if offset == 0 && len(src) == device.SectorSize {
		overwrite = src
	}
	s, filled, err := c.load(sector, kind, overwrite, false)
	if err != nil {
		return err
	}
	if !filled {
		s.mu.Lock()
		copy(s.data[offset:], src)
		s.dirty = true
		s.mu.Unlock()
	}
	c.Release(s)
	return nil
}

// FlushAll writes every dirty resident slot to the device.
// It keeps going past failures and returns all of them joined.
func (c *BufferCache) FlushAll() error {
	c.mu.Lock()
	pinned := make([]*Slot, 0, len(c.slots))
	for _, s := range c.slots {
		if s.sector == device.NoSector || s.loading {
			continue
		}
		s.refs++
		pinned = append(pinned, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range pinned {
		if err := c.writeBack(s); err != nil {
			errs = append(errs, err)
		}
		c.Release(s)
	}
	return errors.Join(errs...)
}

func (c *BufferCache) writeBack(s *Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := c.dev.WriteSector(s.sector, s.data[:]); err != nil {
		return fmt.Errorf("flush sector %d: %w", s.sector, err)
	}
	s.dirty = false
	c.stats.writeBacks.Add(1)
	return nil
}

// Invalidate flushes and then empties every unreferenced slot, so the
// next access to those sectors reads the device.
func (c *BufferCache) Invalidate() error {
	if err := c.FlushAll(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, s := range c.slots {
		if s.refs > 0 || s.sector == device.NoSector {
			continue
		}
		if s.dirty {
			if err := c.dev.WriteSector(s.sector, s.data[:]); err != nil {
				errs = append(errs, fmt.Errorf("flush sector %d: %w", s.sector, err))
				continue
			}
			s.dirty = false
		}
		delete(c.index, s.sector)
		s.sector = device.NoSector
		s.meta, s.accessed = false, false
	}
	return errors.Join(errs...)
}

// Resident returns the number of slots bound to a sector.
func (c *BufferCache) Resident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Start launches the read-ahead prefetcher and the write-behind flusher.
// They run until ctx is cancelled or Close is called.
func (c *BufferCache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group != nil || c.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.prefetchLoop(ctx) })
	g.Go(func() error { return c.flushLoop(ctx) })
	c.cancel, c.group = cancel, g
	log.Debugf("[Cache] started: %d slots, flush every %s, read-ahead %v",
		len(c.slots), c.opts.FlushInterval, c.readAhead.Load())
}

// Close disables read-ahead, stops the daemons and flushes synchronously.
// The device stays open.
func (c *BufferCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.SetReadAhead(false)

	c.mu.Lock()
	c.stopping = true
	c.freed.Broadcast()
	cancel, g := c.cancel, c.group
	c.mu.Unlock()

	c.queue.close()
	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil {
			log.Warnf("[Cache] daemon exited with error: %v", err)
		}
	}

	ctx := context.Background()
	if err := util.Retry(ctx, c.FlushAll, util.DeviceRetryOptions(ctx, uint(c.opts.IORetries))...); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	log.Debugf("[Cache] closed: %s", c.Stats())
	return nil
}
