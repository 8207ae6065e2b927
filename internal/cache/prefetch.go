package cache

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"sectorfs/internal/common"
	"sectorfs/internal/device"
)

// prefetchQueue is a bounded FIFO of sectors to read ahead.
type prefetchQueue struct {
	mu     sync.Mutex
	ready  *sync.Cond
	ring   []device.Sector
	head   int
	count  int
	closed bool
}

func newPrefetchQueue(capacity int) *prefetchQueue {
	q := &prefetchQueue{ring: make([]device.Sector, capacity)}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// push enqueues sector unless the queue is full or closed.
func (q *prefetchQueue) push(sector device.Sector) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.count == len(q.ring) {
		return false
	}
	q.ring[(q.head+q.count)%len(q.ring)] = sector
	q.count++
	q.ready.Signal()
	return true
}

// pop blocks until a sector is queued. It returns false once the queue is closed.
func (q *prefetchQueue) pop() (device.Sector, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 && !q.closed {
		q.ready.Wait()
	}
	if q.closed {
		return device.NoSector, false
	}
	sector := q.ring[q.head]
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return sector, true
}

func (q *prefetchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *prefetchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ready.Broadcast()
}

// SetReadAhead turns read-ahead hints on or off. Turning it off only stops
// new hints; a prefetch already dequeued still completes.
func (c *BufferCache) SetReadAhead(enabled bool) {
	c.readAhead.Store(enabled)
}

// ReadAhead reports whether read-ahead hints are accepted.
func (c *BufferCache) ReadAhead() bool {
	return c.readAhead.Load()
}

// hint queues sector for prefetch. Best effort: a full queue drops it.
func (c *BufferCache) hint(sector device.Sector) {
	if !c.readAhead.Load() || sector >= c.dev.Sectors() {
		return
	}
	if c.queue.push(sector) {
		c.stats.readAheadQueued.Add(1)
	} else {
		c.stats.readAheadDropped.Add(1)
	}
}

// prefetchLoop pulls queued sectors into the cache without keeping them pinned.
func (c *BufferCache) prefetchLoop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.queue.close)
	defer stop()

	for {
		sector, ok := c.queue.pop()
		if !ok {
			return nil
		}
		s, _, err := c.load(sector, DataBlock, nil, true)
		if err != nil {
			if errors.Is(err, common.ErrClosed) {
				return nil
			}
			log.Warnf("[Cache] read-ahead of sector %d failed: %v", sector, err)
			continue
		}
		c.Release(s)
		c.stats.readAheadDone.Add(1)
	}
}
