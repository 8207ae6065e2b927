package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sectorfs/internal/cache"
	"sectorfs/internal/common"
	"sectorfs/internal/device"
	"sectorfs/internal/freemap"
)

type testEnv struct {
	dev   device.BlockDevice
	mem   *device.MemDevice
	cache *cache.BufferCache
	free  *freemap.Map
	table *Table
}

// testEngine builds a table over a memory device with sector 0 reserved.
func testEngine(t *testing.T, sectors device.Sector, capacity int) *testEnv {
	t.Helper()
	mem := device.NewMemDevice(sectors)
	return testEngineOn(t, mem, mem, capacity)
}

func testEngineOn(t *testing.T, dev device.BlockDevice, mem *device.MemDevice, capacity int) *testEnv {
	t.Helper()
	c, err := cache.New(dev, cache.Options{Capacity: capacity, FlushInterval: time.Hour, IORetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	fm := freemap.New(dev.Sectors())
	require.NoError(t, fm.Reserve(0, 1))
	return &testEnv{dev: dev, mem: mem, cache: c, free: fm, table: NewTable(c, fm)}
}

// newInode allocates a sector, creates an inode there and opens it.
func (e *testEnv) newInode(t *testing.T, length int64) *Inode {
	t.Helper()
	sector, err := e.free.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, e.table.Create(sector, length, false))
	ino, err := e.table.Open(sector)
	require.NoError(t, err)
	return ino
}

func pattern(n int, seed int) []byte {
	b := make([]byte, n)
	for i := range b {
		x := i + seed
		b[i] = byte(x ^ (x >> 9) ^ (x >> 17))
	}
	return b
}

// countingAlloc counts allocations and can fail after a budget.
type countingAlloc struct {
	Allocator

	mu        sync.Mutex
	allocs    int
	releases  int
	failAfter int // -1: never
}

func newCountingAlloc(inner Allocator) *countingAlloc {
	return &countingAlloc{Allocator: inner, failAfter: -1}
}

func (a *countingAlloc) Allocate(count int) (device.Sector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAfter >= 0 && a.allocs >= a.failAfter {
		return device.NoSector, common.ErrNoSpace
	}
	a.allocs++
	return a.Allocator.Allocate(count)
}

func (a *countingAlloc) Release(sector device.Sector, count int) {
	a.mu.Lock()
	a.releases++
	a.mu.Unlock()
	a.Allocator.Release(sector, count)
}

func (a *countingAlloc) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}
