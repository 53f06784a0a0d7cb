package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfRange is returned when an access falls outside the mapped region.
	ErrOutOfRange = errors.New("segment: out of range")

	// ErrClosed is returned by any access after Close.
	ErrClosed = errors.New("segment: region closed")

	// ErrReadOnly is returned when writing through a read-only mapping.
	ErrReadOnly = errors.New("segment: region is read-only")
)

// Region is a shared memory mapping over one whole segment file.
//
// Every access is bounds-checked and returns an error rather than faulting.
// Reads may run concurrently with each other and with the single writer;
// Close waits for in-flight accesses to finish.
type Region struct {
	mu       sync.RWMutex
	file     *os.File
	data     []byte
	path     string
	writable bool
}

// ErrSizeMismatch is returned by Create when an existing file is longer than
// requested, e.g. after the configured capacity shrank.
var ErrSizeMismatch = errors.New("segment: existing file is larger than requested size")

// Create opens (or creates) the file at path, sets its length to size, and
// maps it read-write. An existing file keeps its contents: a shorter one is
// zero-extended, a longer one is refused rather than cut.
func Create(path string, size int64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	if cur := fi.Size(); cur > size {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, cur, size)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: set length of %s to %d: %w", path, size, err)
	}
	return mapFile(f, path, size, true)
}

// OpenReadOnly maps an existing segment of length size for reading.
func OpenReadOnly(path string, size int64) (*Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	if fi.Size() < size {
		_ = f.Close()
		return nil, fmt.Errorf("segment: %s is %d bytes, want %d", path, fi.Size(), size)
	}
	return mapFile(f, path, size, false)
}

func mapFile(f *os.File, path string, size int64, writable bool) (*Region, error) {
	if size <= 0 {
		_ = f.Close()
		return nil, fmt.Errorf("segment: map %s: invalid size %d", path, size)
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segment: mmap %s: %w", path, err)
	}
	return &Region{file: f, data: data, path: path, writable: writable}, nil
}

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Len returns the mapped length. It is 0 after Close.
func (r *Region) Len() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.data))
}

func (r *Region) check(off, n int64) error {
	if r.data == nil {
		return ErrClosed
	}
	if off < 0 || n < 0 || off+n > int64(len(r.data)) {
		return fmt.Errorf("%w: [%d, %d) in %s of %d bytes", ErrOutOfRange, off, off+n, r.path, len(r.data))
	}
	return nil
}

// ReadAt copies len(p) bytes starting at off into p.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, int64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, r.data[off:]), nil
}

// Bytes returns a copy of n bytes starting at off. The copy stays valid after
// the region is unmapped.
func (r *Region) Bytes(off, n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrOutOfRange, n)
	}
	p := make([]byte, n)
	if _, err := r.ReadAt(p, off); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteAt copies p into the mapping at off.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.writable {
		return 0, ErrReadOnly
	}
	if err := r.check(off, int64(len(p))); err != nil {
		return 0, err
	}
	return copy(r.data[off:], p), nil
}

// Uint64At reads a little-endian uint64 at off.
func (r *Region) Uint64At(off int64) (uint64, error) {
	var b [8]byte
	if _, err := r.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// PutUint64At writes v as a little-endian uint64 at off.
func (r *Region) PutUint64At(off int64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := r.WriteAt(b[:], off)
	return err
}

// Flush synchronously writes dirty pages back to the file.
// It is a no-op on read-only mappings.
func (r *Region) Flush() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return ErrClosed
	}
	if !r.writable {
		return nil
	}
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("segment: msync %s: %w", r.path, err)
	}
	return nil
}

// Close flushes a writable mapping, unmaps it and closes the file.
// Calling Close more than once is safe.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil
	}

	var errs []error
	if r.writable {
		if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
			errs = append(errs, fmt.Errorf("segment: msync %s: %w", r.path, err))
		}
	}
	if err := unix.Munmap(r.data); err != nil {
		errs = append(errs, fmt.Errorf("segment: munmap %s: %w", r.path, err))
	}
	r.data = nil
	if err := r.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("segment: close %s: %w", r.path, err))
	}
	return errors.Join(errs...)
}
