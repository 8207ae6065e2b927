package storage

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/go-git/go-billy/v5"

	"sectorfs/internal/common"
)

var _ billy.File = (*File)(nil)

// File is a positioned handle on an open inode. It owns one reference to
// the inode and releases it on Close.
//
// Lock and Unlock map to DenyWrite and AllowWrite: while a File holds the
// lock, no handle of the inode, this one included, can write.
type File struct {
	ino  *Inode
	name string

	mu     sync.Mutex
	pos    int64
	locked bool
	closed bool
}

// NewFile wraps ino, taking over the caller's reference.
func NewFile(ino *Inode) *File {
	return &File{ino: ino, name: strconv.FormatUint(uint64(ino.Sector()), 10)}
}

// Name returns the inode sector in decimal.
func (f *File) Name() string {
	return f.name
}

// Inode returns the underlying inode.
func (f *File) Inode() *Inode {
	return f.ino
}

func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, common.ErrClosed
	}
	n, err := f.ino.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.isClosed() {
		return 0, common.ErrClosed
	}
	return f.ino.ReadAt(p, off)
}

func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, common.ErrClosed
	}
	n, err := f.ino.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.isClosed() {
		return 0, common.ErrClosed
	}
	return f.ino.WriteAt(p, off)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, common.ErrClosed
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = f.ino.Length()
	default:
		return 0, fmt.Errorf("seek whence %d: %w", whence, common.ErrUnsupported)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("seek to %d: %w", pos, common.ErrInvalidSector)
	}
	f.pos = pos
	return pos, nil
}

// Truncate grows the file to size. Shrinking is not supported.
func (f *File) Truncate(size int64) error {
	if f.isClosed() {
		return common.ErrClosed
	}
	if size < f.ino.Length() {
		return fmt.Errorf("truncate inode %d to %d: %w", f.ino.Sector(), size, common.ErrUnsupported)
	}
	return f.ino.Extend(size)
}

// Lock denies writes to the inode until Unlock or Close.
func (f *File) Lock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return common.ErrClosed
	}
	if f.locked {
		return nil
	}
	if err := f.ino.DenyWrite(); err != nil {
		return err
	}
	f.locked = true
	return nil
}

func (f *File) Unlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.locked {
		return nil
	}
	if err := f.ino.AllowWrite(); err != nil {
		return err
	}
	f.locked = false
	return nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return common.ErrClosed
	}
	f.closed = true
	var err error
	if f.locked {
		err = f.ino.AllowWrite()
		f.locked = false
	}
	return errors.Join(err, f.ino.Close())
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
