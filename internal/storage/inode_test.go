package storage

import (
	"bytes"
	"io"
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"sectorfs/internal/common"
	"sectorfs/internal/device"
)

const sz = device.SectorSize

func TestRoundTripRanges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		off  int64
		n    int
	}{
		{"direct", 100, 3000},
		{"indirect", 10*sz + 7, 20000},
		{"double indirect", 138*sz + 300, 100000},
		{"direct to indirect", 10*sz - 100, 300},
		{"indirect to double indirect", 138*sz - 1000, 5000},
		{"all three", 5 * sz, 200 * sz},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := testEngine(t, 2048, 64)
			ino := env.newInode(t, 0)
			defer ino.Close()

			data := pattern(tt.n, int(tt.off))
			n, err := ino.WriteAt(data, tt.off)
			require.NoError(t, err)
			require.Equal(t, tt.n, n)
			assert.Equal(t, tt.off+int64(tt.n), ino.Length())

			got := make([]byte, tt.n)
			n, err = ino.ReadAt(got, tt.off)
			require.NoError(t, err)
			require.Equal(t, tt.n, n)
			assert.True(t, bytes.Equal(data, got), "contents differ")

			gap := make([]byte, tt.off)
			_, err = ino.ReadAt(gap, 0)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, tt.off), gap, "gap reads as zeros")
		})
	}
}

func TestReadAtEOF(t *testing.T) {
	t.Parallel()
	env := testEngine(t, 64, 8)
	ino := env.newInode(t, 0)
	defer ino.Close()

	_, err := ino.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := ino.ReadAt(buf, 6)
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "6789", string(buf[:n]))

	n, err = ino.ReadAt(buf, 10)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = ino.ReadAt(buf, -1)
	assert.ErrorIs(t, err, common.ErrInvalidSector)
}

func TestTranslate(t *testing.T) {
	t.Parallel()
	env := testEngine(t, 512, 16)
	ino := env.newInode(t, 0)
	defer ino.Close()

	s, err := ino.Translate(0)
	require.NoError(t, err)
	assert.Equal(t, device.NoSector, s, "empty file")

	require.NoError(t, ino.Extend(150*sz))
	seen := make(map[device.Sector]bool)
	for block := int64(0); block < 150; block++ {
		s, err := ino.Translate(block*sz + 17)
		require.NoError(t, err)
		require.NotEqual(t, device.NoSector, s)
		require.NotEqual(t, device.Sector(0), s)
		assert.False(t, seen[s], "block %d shares sector %d", block, s)
		seen[s] = true
	}

	for _, pos := range []int64{-1, 150 * sz, 150*sz + 1} {
		s, err := ino.Translate(pos)
		require.NoError(t, err)
		assert.Equal(t, device.NoSector, s, "pos %d", pos)
	}
}

func TestTranslateAtLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		length int64
	}{
		{"inside first sector", 100},
		{"indirect range", 20*sz + 7},
		{"double indirect range", 150*sz + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := testEngine(t, 512, 16)
			ino := env.newInode(t, tt.length)
			defer ino.Close()

			last, err := ino.Translate(tt.length - 1)
			require.NoError(t, err)
			require.NotEqual(t, device.NoSector, last)

			at, err := ino.Translate(tt.length)
			require.NoError(t, err)
			assert.Equal(t, last, at, "end of file lies in the last sector")

			past, err := ino.Translate(tt.length + 1)
			require.NoError(t, err)
			assert.Equal(t, device.NoSector, past)
		})
	}

	t.Run("empty file", func(t *testing.T) {
		t.Parallel()
		env := testEngine(t, 64, 8)
		ino := env.newInode(t, 0)
		defer ino.Close()
		s, err := ino.Translate(0)
		require.NoError(t, err)
		assert.Equal(t, device.NoSector, s)
	})
}

func TestLongFile(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("writes the largest addressable file")
	}
	env := testEngine(t, MaxSectors+256, 64)
	ino := env.newInode(t, 0)
	defer ino.Close()

	data := pattern(MaxFileSize, 0)
	const chunk = 64 * 1024
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		n, err := ino.WriteAt(data[off:end], int64(off))
		require.NoError(t, err)
		require.Equal(t, end-off, n)
	}
	require.Equal(t, int64(MaxFileSize), ino.Length())

	got := make([]byte, len(data))
	n, err := ino.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.True(t, bytes.Equal(data, got), "contents differ")

	// 9,000,000 bytes is past what the index can address.
	free := env.free.Free()
	_, err = ino.WriteAt([]byte{1}, 9_000_000-1)
	assert.ErrorIs(t, err, common.ErrFileTooLarge)
	assert.Equal(t, int64(MaxFileSize), ino.Length())
	assert.Equal(t, free, env.free.Free(), "no sector leaked")
}

func TestSequentialReadUnderPressure(t *testing.T) {
	t.Parallel()
	const (
		capacity = 64
		sectors  = 100
	)
	env := testEngine(t, 512, capacity)
	ino := env.newInode(t, 0)
	defer ino.Close()

	data := pattern(sectors*sz, 3)
	_, err := ino.WriteAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, env.cache.Invalidate())

	var maxResident atomic.Int64
	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		for {
			if r := int64(env.cache.Resident()); r > maxResident.Load() {
				maxResident.Store(r)
			}
			select {
			case <-stop:
				return nil
			default:
				runtime.Gosched()
			}
		}
	})

	buf := make([]byte, sz)
	for i := 0; i < sectors; i++ {
		_, err := ino.ReadAt(buf, int64(i*sz))
		require.NoError(t, err)
		require.Equal(t, data[i*sz:(i+1)*sz], buf, "sector %d", i)
		require.LessOrEqual(t, env.cache.Resident(), capacity)
	}
	close(stop)
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, maxResident.Load(), int64(capacity))
	assert.Positive(t, env.cache.Stats().Evictions)
}

func TestGrow(t *testing.T) {
	t.Parallel()

	t.Run("same length allocates nothing", func(t *testing.T) {
		t.Parallel()
		env := testEngine(t, 1024, 32)
		alloc := newCountingAlloc(env.free)
		env.table.alloc = alloc
		ino := env.newInode(t, 0)
		defer ino.Close()

		require.NoError(t, ino.Extend(300*sz))
		after := alloc.count()
		// 300 data sectors, the indirect block, the double-indirect block and 2 children.
		assert.Equal(t, 300+1+1+2, after)

		require.NoError(t, ino.Extend(300*sz))
		assert.Equal(t, after, alloc.count())

		_, err := ino.WriteAt([]byte("x"), 10)
		require.NoError(t, err)
		assert.Equal(t, after, alloc.count(), "in-place write")

		disk := ino.disk
		same, err := grow(env.cache, alloc, &disk, int64(disk.Length))
		require.NoError(t, err)
		assert.Equal(t, disk, same)
		assert.Equal(t, after, alloc.count())
	})

	t.Run("partial sector tail needs no new sector", func(t *testing.T) {
		t.Parallel()
		env := testEngine(t, 64, 8)
		alloc := newCountingAlloc(env.free)
		env.table.alloc = alloc
		ino := env.newInode(t, 10)
		defer ino.Close()

		before := alloc.count()
		require.NoError(t, ino.Extend(sz))
		assert.Equal(t, before, alloc.count())
		require.NoError(t, ino.Extend(sz+1))
		assert.Equal(t, before+1, alloc.count())
	})

	t.Run("rolls back when space runs out", func(t *testing.T) {
		t.Parallel()
		env := testEngine(t, 64, 16)
		ino := env.newInode(t, 3*sz)
		defer ino.Close()

		free := env.free.Free()
		err := ino.Extend(100 * sz)
		assert.ErrorIs(t, err, common.ErrNoSpace)
		assert.Equal(t, free, env.free.Free())
		assert.Equal(t, int64(3*sz), ino.Length())

		// A smaller extension still fits and reuses the released sectors.
		require.NoError(t, ino.Extend(20*sz))
		assert.Equal(t, free-17-1, env.free.Free())
	})

	t.Run("rolls back inside the double-indirect range", func(t *testing.T) {
		t.Parallel()
		env := testEngine(t, 1024, 32)
		alloc := newCountingAlloc(env.free)
		env.table.alloc = alloc
		ino := env.newInode(t, 0)
		defer ino.Close()

		data := pattern(140*sz, 1)
		_, err := ino.WriteAt(data, 0)
		require.NoError(t, err)

		free := env.free.Free()
		alloc.mu.Lock()
		alloc.failAfter = alloc.allocs + 200
		alloc.mu.Unlock()

		_, err = ino.WriteAt([]byte{9}, 600*sz)
		assert.ErrorIs(t, err, common.ErrNoSpace)
		assert.Equal(t, free, env.free.Free())
		assert.Equal(t, int64(140*sz), ino.Length())

		got := make([]byte, len(data))
		_, err = ino.ReadAt(got, 0)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "existing data intact")

		alloc.mu.Lock()
		alloc.failAfter = -1
		alloc.mu.Unlock()
		_, err = ino.WriteAt([]byte{9}, 600*sz)
		require.NoError(t, err)
	})

	t.Run("rolls back when the device fails", func(t *testing.T) {
		t.Parallel()
		mem := device.NewMemDevice(256)
		dev := device.NewFaultyDevice(mem)
		env := testEngineOn(t, dev, mem, 2)
		ino := env.newInode(t, 0)
		defer ino.Close()

		_, err := ino.WriteAt(pattern(2*sz, 0), 0)
		require.NoError(t, err)

		free := env.free.Free()
		dev.FailAll(true)
		_, err = ino.WriteAt(pattern(4*sz, 0), 2*sz)
		assert.ErrorIs(t, err, common.ErrIO)
		assert.Equal(t, free, env.free.Free())
		assert.Equal(t, int64(2*sz), ino.Length())

		dev.Heal()
		_, err = ino.WriteAt(pattern(4*sz, 0), 2*sz)
		require.NoError(t, err)
		assert.Equal(t, int64(6*sz), ino.Length())
	})

	t.Run("too large", func(t *testing.T) {
		t.Parallel()
		env := testEngine(t, 64, 8)
		ino := env.newInode(t, 0)
		defer ino.Close()
		assert.ErrorIs(t, ino.Extend(MaxFileSize+1), common.ErrFileTooLarge)
		assert.Zero(t, ino.Length())
	})
}

func TestFreeReleasesWholeTree(t *testing.T) {
	t.Parallel()
	env := testEngine(t, 2048, 64)

	before := env.free.Free()
	ino := env.newInode(t, 0)
	_, err := ino.WriteAt(pattern(500*sz, 0), 0)
	require.NoError(t, err)
	assert.Less(t, env.free.Free(), before-500)

	sector := ino.Sector()
	ino.Remove()
	assert.True(t, ino.Removed())
	require.NoError(t, ino.Close())
	assert.Equal(t, before, env.free.Free())

	_, err = env.table.Open(sector)
	assert.ErrorIs(t, err, common.ErrCorrupt, "record cleared")
}

func TestOpenSharesInode(t *testing.T) {
	t.Parallel()
	env := testEngine(t, 64, 8)
	a := env.newInode(t, 100)

	b, err := env.table.Open(a.Sector())
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 2, a.OpenCount())
	assert.Equal(t, 1, env.table.Len())

	c := a.Reopen()
	assert.Equal(t, 3, c.OpenCount())

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.True(t, env.table.IsOpen(a.Sector()))
	require.NoError(t, c.Close())
	assert.Equal(t, 0, env.table.Len())
	assert.ErrorIs(t, c.Close(), common.ErrClosed)
}

func TestOpenNonInode(t *testing.T) {
	t.Parallel()
	env := testEngine(t, 64, 8)
	_, err := env.table.Open(10)
	assert.ErrorIs(t, err, common.ErrCorrupt)
	assert.Equal(t, 0, env.table.Len())
}

func TestRecordPersists(t *testing.T) {
	t.Parallel()
	env := testEngine(t, 256, 8)
	ino := env.newInode(t, 0)
	sector := ino.Sector()

	data := pattern(3000, 11)
	_, err := ino.WriteAt(data, 40)
	require.NoError(t, err)
	require.NoError(t, ino.SetParent(77))
	require.NoError(t, ino.Close())
	require.NoError(t, env.cache.Invalidate())

	ino, err = env.table.Open(sector)
	require.NoError(t, err)
	defer ino.Close()
	assert.Equal(t, int64(3040), ino.Length())
	assert.Equal(t, device.Sector(77), ino.Parent())
	assert.False(t, ino.IsDir())

	got := make([]byte, len(data))
	_, err = ino.ReadAt(got, 40)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCreateDirectory(t *testing.T) {
	t.Parallel()
	env := testEngine(t, 64, 8)
	sector, err := env.free.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, env.table.Create(sector, 2*sz, true))

	ino, err := env.table.Open(sector)
	require.NoError(t, err)
	defer ino.Close()
	assert.True(t, ino.IsDir())
	assert.Equal(t, int64(2*sz), ino.Length())

	// Directories grow under the same lock as files.
	_, err = ino.WriteAt([]byte("entry"), 2*sz)
	require.NoError(t, err)
	assert.Equal(t, int64(2*sz+5), ino.Length())
}

func TestDenyWrite(t *testing.T) {
	t.Parallel()

	t.Run("count bounded by openers", func(t *testing.T) {
		t.Parallel()
		env := testEngine(t, 64, 8)
		a := env.newInode(t, 0)
		b, err := env.table.Open(a.Sector())
		require.NoError(t, err)

		require.NoError(t, a.DenyWrite())
		require.NoError(t, b.DenyWrite())
		assert.ErrorIs(t, a.DenyWrite(), common.ErrInvalidHandle)
		assert.Equal(t, 2, a.DenyWriteCount())

		_, err = a.WriteAt([]byte("no"), 0)
		assert.ErrorIs(t, err, common.ErrWriteDenied)

		require.NoError(t, b.Close())
		assert.Equal(t, 1, a.DenyWriteCount(), "clamped to open count")

		require.NoError(t, a.AllowWrite())
		assert.ErrorIs(t, a.AllowWrite(), common.ErrInvalidHandle)

		_, err = a.WriteAt([]byte("yes"), 0)
		require.NoError(t, err)
		require.NoError(t, a.Close())
	})

	t.Run("invariant under random operations", func(t *testing.T) {
		t.Parallel()
		env := testEngine(t, 64, 8)
		first := env.newInode(t, 0)
		sector := first.Sector()
		handles := []*Inode{first}

		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 2000; i++ {
			switch rng.Intn(4) {
			case 0:
				ino, err := env.table.Open(sector)
				require.NoError(t, err)
				handles = append(handles, ino)
			case 1:
				if len(handles) > 1 {
					require.NoError(t, handles[len(handles)-1].Close())
					handles = handles[:len(handles)-1]
				}
			case 2:
				_ = first.DenyWrite()
			case 3:
				_ = first.AllowWrite()
			}
			require.LessOrEqual(t, first.DenyWriteCount(), first.OpenCount(), "step %d", i)
		}
		for _, h := range handles {
			require.NoError(t, h.Close())
		}
	})
}

func TestDenyWriteWaitsForWriter(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	env := testEngine(t, 64, 8)
	ino := env.newInode(t, 10)
	defer ino.Close()

	// Stands in for a write in progress.
	ino.mu.RLock()
	var denied atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := ino.DenyWrite()
		denied.Store(true)
		done <- err
	}()

	g.Consistently(denied.Load, 50*time.Millisecond, 5*time.Millisecond).Should(BeFalse())
	ino.mu.RUnlock()
	g.Eventually(done).Should(Receive(BeNil()))

	_, err := ino.WriteAt([]byte("late"), 0)
	assert.ErrorIs(t, err, common.ErrWriteDenied)
	_, err = ino.WriteAt([]byte("late"), 100)
	assert.ErrorIs(t, err, common.ErrWriteDenied, "extending write")
	assert.ErrorIs(t, ino.Extend(200), common.ErrWriteDenied)
	assert.Equal(t, int64(10), ino.Length())
	require.NoError(t, ino.AllowWrite())
}

func TestRemoveWhileOpen(t *testing.T) {
	t.Parallel()
	env := testEngine(t, 256, 16)

	before := env.free.Free()
	writer := env.newInode(t, 0)
	sector := writer.Sector()
	_, err := writer.WriteAt(pattern(20*sz, 0), 0)
	require.NoError(t, err)

	holder, err := env.table.Open(sector)
	require.NoError(t, err)

	opened := make(chan struct{})
	removed := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		close(opened)
		<-removed
		// Still usable after removal, including growth.
		if _, err := holder.WriteAt([]byte("still here"), 25*sz); err != nil {
			return err
		}
		buf := make([]byte, 10)
		if _, err := holder.ReadAt(buf, 25*sz); err != nil {
			return err
		}
		if string(buf) != "still here" {
			t.Errorf("read back %q", buf)
		}
		return holder.Close()
	})

	<-opened
	writer.Remove()
	require.NoError(t, writer.Close())
	assert.True(t, env.table.IsOpen(sector), "second opener keeps it alive")
	assert.Less(t, env.free.Free(), before)
	close(removed)
	require.NoError(t, g.Wait())

	assert.False(t, env.table.IsOpen(sector))
	assert.Equal(t, before, env.free.Free(), "all sectors released")

	reused, err := env.free.Allocate(1)
	require.NoError(t, err)
	assert.Equal(t, sector, reused, "fresh create reuses the inode sector")
	require.NoError(t, env.table.Create(reused, 20*sz, false))
}

func TestConcurrentExtendingWriters(t *testing.T) {
	t.Parallel()
	env := testEngine(t, 2048, 32)
	ino := env.newInode(t, 0)
	defer ino.Close()

	const (
		writers = 8
		chunk   = 3 * sz
		rounds  = 20
	)
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				off := int64((r*writers + w) * chunk)
				if _, err := ino.WriteAt(pattern(chunk, int(off)), off); err != nil {
					return err
				}
			}
			return nil
		})
	}
	// Readers inside the current length never fail while writers extend.
	for rd := 0; rd < 4; rd++ {
		g.Go(func() error {
			buf := make([]byte, sz)
			for i := 0; i < 200; i++ {
				length := ino.Length()
				if length == 0 {
					continue
				}
				if _, err := ino.ReadAt(buf[:min(int64(sz), length)], 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	total := writers * rounds * chunk
	assert.Equal(t, int64(total), ino.Length())
	for off := 0; off < total; off += chunk {
		got := make([]byte, chunk)
		_, err := ino.ReadAt(got, int64(off))
		require.NoError(t, err)
		require.Equal(t, pattern(chunk, off), got, "chunk at %d", off)
	}
}
