package cache

import (
	"fmt"
	"sync/atomic"
)

type counters struct {
	hits             atomic.Int64
	misses           atomic.Int64
	evictions        atomic.Int64
	writeBacks       atomic.Int64
	flushFailures    atomic.Int64
	readAheadQueued  atomic.Int64
	readAheadDropped atomic.Int64
	readAheadDone    atomic.Int64
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Capacity         int
	Resident         int
	Hits             int64
	Misses           int64
	Evictions        int64
	WriteBacks       int64
	FlushFailures    int64
	ReadAheadQueued  int64
	ReadAheadDropped int64
	ReadAheadDone    int64
	ReadAheadPending int
}

// HitRate returns hits / (hits + misses), or 0 before any access.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (s Stats) String() string {
	return fmt.Sprintf("resident=%d/%d hits=%d misses=%d evictions=%d writebacks=%d readahead=%d/%d/%d",
		s.Resident, s.Capacity, s.Hits, s.Misses, s.Evictions, s.WriteBacks,
		s.ReadAheadQueued, s.ReadAheadDropped, s.ReadAheadDone)
}

// Stats returns a snapshot of the cache counters.
func (c *BufferCache) Stats() Stats {
	return Stats{
		Capacity:         len(c.slots),
		Resident:         c.Resident(),
		Hits:             c.stats.hits.Load(),
		Misses:           c.stats.misses.Load(),
		Evictions:        c.stats.evictions.Load(),
		WriteBacks:       c.stats.writeBacks.Load(),
		FlushFailures:    c.stats.flushFailures.Load(),
		ReadAheadQueued:  c.stats.readAheadQueued.Load(),
		ReadAheadDropped: c.stats.readAheadDropped.Load(),
		ReadAheadDone:    c.stats.readAheadDone.Load(),
		ReadAheadPending: c.queue.len(),
	}
}
