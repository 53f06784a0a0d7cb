// Package commitlog implements the append-only message log: a sequence of
// fixed-capacity, memory-mapped segments addressed by one logical offset
// space.
//
// A Log owns one read-only mapping per segment for lookups and hands out a
// single Writer that owns the read-write mapping of the active segment.
// Frames never straddle segments: when the active segment cannot hold the
// next frame the Writer rotates to a new segment named
// previous start + capacity.
//
// On open the write cursor is rebuilt by replaying frames forward from the
// checkpointed position, so a lagging checkpoint costs a short scan and
// never loses data.
package commitlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/delaylog/internal/checkpoint"
	"github.com/snehjoshi/delaylog/internal/config"
	"github.com/snehjoshi/delaylog/internal/message"
	"github.com/snehjoshi/delaylog/internal/metrics"
	"github.com/snehjoshi/delaylog/internal/segment"
)

// DirName is the commit-log directory under the store root.
const DirName = "commit_log"

// MetricsKey labels commit-log rotations in the metrics registry.
const MetricsKey = "commit_log"

var (
	// ErrOutOfRange is returned by Read when no segment maps the requested
	// range or the range has not been written yet.
	ErrOutOfRange = errors.New("commitlog: out of range")

	// ErrFrameTooLarge is returned when a frame cannot fit in an empty segment.
	ErrFrameTooLarge = errors.New("commitlog: frame larger than segment capacity")

	// ErrWriterTaken is returned by Writer when the writer was already handed out.
	ErrWriterTaken = errors.New("commitlog: writer already taken")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("commitlog: closed")
)

// physicalOffsetPos is where physical_offset sits inside a frame.
const physicalOffsetPos = 4 + 4

// Option configures a Log.
type Option func(*Log)

// WithMetrics counts rotations and checksum failures in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(l *Log) { l.metrics = reg }
}

// WithFlush sets the write-back policy for the active segment.
// interval is only used with config.FlushInterval.
func WithFlush(policy config.FlushPolicy, interval time.Duration) Option {
	return func(l *Log) {
		l.flushPolicy = policy
		l.flushInterval = interval
	}
}

// Log is a segmented commit log. Read and Flush are safe for concurrent use;
// appends go through the single Writer.
type Log struct {
	dir      string
	capacity int64
	cp       *checkpoint.Checkpoint
	metrics  *metrics.Registry

	// mu guards the segment set. Appends and reads hold it shared; rotation
	// and Close hold it exclusively so nobody sees a half-swapped state.
	mu          sync.RWMutex
	base        int64             // start offset of readers[0]
	readers     []*segment.Region // read-only, one per segment, ascending
	active      *segment.Region   // read-write mapping of the last segment
	activeStart int64
	closed      bool

	// end is the logical offset just past the last written frame.
	end atomic.Int64

	writerTaken atomic.Bool

	flushPolicy   config.FlushPolicy
	flushInterval time.Duration
	flushTicker   *time.Ticker
	flushDone     chan struct{}
	flushWG       sync.WaitGroup

	closeOnce sync.Once
}

// Open opens the commit log rooted at dir with the given segment capacity.
// A fresh directory gets a first segment at offset 0. cp supplies the
// recovery starting point and receives the cursor on every flush; the Log
// does not close it.
func Open(dir string, capacity int64, cp *checkpoint.Checkpoint, opts ...Option) (*Log, error) {
	if capacity < message.FixedHeaderLen {
		return nil, fmt.Errorf("commitlog: capacity %d below minimum frame size %d", capacity, message.FixedHeaderLen)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("commitlog: create dir %s: %w", dir, err)
	}

	l := &Log{
		dir:         dir,
		capacity:    capacity,
		cp:          cp,
		flushPolicy: config.FlushInterval,
	}
	for _, opt := range opts {
		opt(l)
	}

	starts, err := segment.Scan(dir)
	if err != nil {
		return nil, fmt.Errorf("commitlog: %w", err)
	}
	if err := segment.CheckContiguous(starts, capacity); err != nil {
		return nil, fmt.Errorf("commitlog: %w", err)
	}
	if len(starts) == 0 {
		starts = []int64{0}
	}

	// The writable mapping creates the file when it is missing, so open it
	// before the readers.
	last := starts[len(starts)-1]
	active, err := segment.Create(l.path(last), capacity)
	if err != nil {
		return nil, fmt.Errorf("commitlog: open active segment: %w", err)
	}
	l.active = active
	l.activeStart = last
	l.base = starts[0]

	for _, s := range starts {
		r, err := segment.OpenReadOnly(l.path(s), capacity)
		if err != nil {
			_ = l.closeAll()
			return nil, fmt.Errorf("commitlog: open reader: %w", err)
		}
		l.readers = append(l.readers, r)
	}

	cursor := l.recover()
	l.end.Store(last + cursor)
	slog.Info("commit log opened",
		"dir", dir,
		"segments", len(starts),
		"active", segment.Name(last),
		"cursor", cursor,
	)

	l.startFlush()
	return l, nil
}

func (l *Log) path(start int64) string {
	return filepath.Join(l.dir, segment.Name(start))
}

// recover replays frames in the active segment from the checkpointed
// cursor and returns the position just past the last intact frame.
//
// Replay stops at the first position where:
//   - fewer than 4 bytes remain, or the frame would cross the segment end
//   - the announced frame is shorter than message.FixedHeaderLen
//   - the frame fails to decode or its checksum does not match
//   - the stored physical_offset is not the frame's own position
//
// A checkpoint that yields no frame yet does not point at unwritten space is
// not on a frame boundary, and the segment is replayed from 0 instead.
func (l *Log) recover() int64 {
	from := int64(l.cp.Read())
	if from > l.capacity {
		slog.Warn("checkpoint beyond segment capacity, replaying from 0",
			"checkpoint", from, "capacity", l.capacity)
		from = 0
	}

	cursor := l.replay(from)
	if cursor == from && from > 0 && !l.unwrittenAt(from) {
		slog.Warn("checkpoint is not on a frame boundary, replaying from 0",
			"segment", segment.Name(l.activeStart), "checkpoint", from)
		from = 0
		cursor = l.replay(0)
	}

	if cursor != from {
		slog.Info("commit log replay advanced cursor",
			"segment", segment.Name(l.activeStart), "checkpoint", from, "recovered", cursor)
	}
	return cursor
}

// replay walks intact frames forward from cursor and returns where it stopped.
func (l *Log) replay(cursor int64) int64 {
	for cursor+4 <= l.capacity {
		var prefix [4]byte
		if _, err := l.active.ReadAt(prefix[:], cursor); err != nil {
			break
		}
		n := int64(binary.LittleEndian.Uint32(prefix[:])) + 4
		if n < message.FixedHeaderLen || cursor+n > l.capacity {
			break
		}
		frame, err := l.active.Bytes(cursor, n)
		if err != nil {
			break
		}
		m, err := message.Decode(frame)
		if err != nil {
			if errors.Is(err, message.ErrChecksumMismatch) {
				l.countChecksumFailure("recovery")
				slog.Warn("checksum mismatch during replay, stopping",
					"segment", segment.Name(l.activeStart), "position", cursor)
			}
			break
		}
		if m.PhysicalOffset != uint64(l.activeStart+cursor) {
			break
		}
		cursor += n
	}
	return cursor
}

// unwrittenAt reports whether the length prefix at pos is zero, as it is
// past the last frame of a segment.
func (l *Log) unwrittenAt(pos int64) bool {
	if pos+4 > l.capacity {
		return true
	}
	var prefix [4]byte
	if _, err := l.active.ReadAt(prefix[:], pos); err != nil {
		return true
	}
	return binary.LittleEndian.Uint32(prefix[:]) == 0
}

// Capacity returns the segment capacity in bytes.
func (l *Log) Capacity() int64 { return l.capacity }

// End returns the logical offset just past the last appended frame.
func (l *Log) End() int64 { return l.end.Load() }

// Segments returns the start offsets of all segments, ascending.
func (l *Log) Segments() []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]int64, len(l.readers))
	for i := range l.readers {
		out[i] = l.base + int64(i)*l.capacity
	}
	return out
}

// Read returns a copy of size bytes at logical offset off.
func (l *Log) Read(off int64, size int) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	n := int64(size)
	if off < 0 || n <= 0 || off+n > l.end.Load() {
		return nil, fmt.Errorf("%w: [%d, %d), end %d", ErrOutOfRange, off, off+n, l.end.Load())
	}
	idx := segment.Index(off, l.capacity) - segment.Index(l.base, l.capacity)
	if idx < 0 || idx >= int64(len(l.readers)) {
		return nil, fmt.Errorf("%w: no segment for offset %d", ErrOutOfRange, off)
	}
	local := segment.Local(off, l.capacity)
	if local+n > l.capacity {
		return nil, fmt.Errorf("%w: [%d, %d) crosses segment boundary", ErrOutOfRange, off, off+n)
	}

	b, err := l.readers[idx].Bytes(local, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	return b, nil
}

// ReadMessage reads and decodes the frame of size bytes at off.
func (l *Log) ReadMessage(off int64, size int) (*message.Message, error) {
	b, err := l.Read(off, size)
	if err != nil {
		return nil, err
	}
	m, err := message.Decode(b)
	if err != nil {
		if errors.Is(err, message.ErrChecksumMismatch) {
			l.countChecksumFailure("read")
		}
		return nil, fmt.Errorf("commitlog: decode at %d: %w", off, err)
	}
	return m, nil
}

func (l *Log) countChecksumFailure(where string) {
	if l.metrics != nil {
		l.metrics.ChecksumFailures.Inc(where)
	}
}

// Flush writes the active segment back to disk and then records its cursor
// in the checkpoint, so the checkpoint never runs ahead of durable data.
func (l *Log) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	cursor := l.end.Load() - l.activeStart
	if err := l.active.Flush(); err != nil {
		return fmt.Errorf("commitlog: flush: %w", err)
	}
	if err := l.cp.Write(uint64(cursor)); err != nil {
		return fmt.Errorf("commitlog: flush: %w", err)
	}
	return nil
}

func (l *Log) startFlush() {
	if l.flushPolicy != config.FlushInterval {
		return
	}
	interval := l.flushInterval
	if interval <= 0 {
		interval = time.Second
	}
	l.flushTicker = time.NewTicker(interval)
	l.flushDone = make(chan struct{})
	l.flushWG.Add(1)
	go func() {
		defer l.flushWG.Done()
		for {
			select {
			case <-l.flushDone:
				return
			case <-l.flushTicker.C:
				if err := l.Flush(); err != nil && !errors.Is(err, ErrClosed) {
					slog.Warn("commit log flush failed", "error", err)
				}
			}
		}
	}()
}

func (l *Log) stopFlush() {
	if l.flushTicker == nil {
		return
	}
	l.flushTicker.Stop()
	close(l.flushDone)
	l.flushWG.Wait()
}

// Close stops background flushing, flushes the active segment and unmaps
// every segment. Safe to call multiple times.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.stopFlush()
		if ferr := l.Flush(); ferr != nil {
			slog.Warn("commit log final flush failed", "error", ferr)
		}
		err = l.closeAll()
	})
	return err
}

func (l *Log) closeAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true

	var errs []error
	if l.active != nil {
		errs = append(errs, l.active.Close())
	}
	for _, r := range l.readers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
