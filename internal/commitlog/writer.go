package commitlog

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/snehjoshi/delaylog/internal/config"
	"github.com/snehjoshi/delaylog/internal/message"
	"github.com/snehjoshi/delaylog/internal/segment"
)

// Writer appends frames to the active segment. A Log has exactly one; it is
// not safe for concurrent use.
type Writer struct {
	l *Log
}

// Writer hands out the log's only writer. A second call returns ErrWriterTaken.
func (l *Log) Writer() (*Writer, error) {
	if !l.writerTaken.CompareAndSwap(false, true) {
		return nil, ErrWriterTaken
	}
	return &Writer{l: l}, nil
}

// NextOffset returns the logical offset a frame of size bytes would be
// written at, accounting for rotation.
func (w *Writer) NextOffset(size int) (int64, error) {
	l := w.l
	n := int64(size)
	if n > l.capacity {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, l.capacity)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	end := l.end.Load()
	if end-l.activeStart+n <= l.capacity {
		return end, nil
	}
	return l.activeStart + l.capacity, nil
}

// Append writes frame at the cursor, rotating first when the active segment
// cannot hold it, and returns the logical offset it was written at. The
// frame's physical_offset field is stamped with that offset.
func (w *Writer) Append(frame []byte) (int64, error) {
	l := w.l
	n := int64(len(frame))
	fl, err := message.FrameLen(frame)
	if err != nil {
		return 0, fmt.Errorf("commitlog: append: %w", err)
	}
	if int64(fl) != n {
		return 0, fmt.Errorf("commitlog: append: %w: prefix says %d bytes, got %d", message.ErrMalformed, fl, n)
	}
	if n > l.capacity {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, l.capacity)
	}

	if err := w.ensureRoom(n); err != nil {
		return 0, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}
	off := l.end.Load()
	cursor := off - l.activeStart

	buf := make([]byte, n)
	copy(buf, frame)
	binary.LittleEndian.PutUint64(buf[physicalOffsetPos:], uint64(off))
	if _, err := l.active.WriteAt(buf, cursor); err != nil {
		return 0, fmt.Errorf("commitlog: append at %d: %w", off, err)
	}
	l.end.Store(off + n)

	if l.flushPolicy == config.FlushAlways {
		if err := l.active.Flush(); err != nil {
			return 0, fmt.Errorf("commitlog: append: %w", err)
		}
		if err := l.cp.Write(uint64(cursor + n)); err != nil {
			return 0, fmt.Errorf("commitlog: append: %w", err)
		}
	}
	return off, nil
}

// AppendMessage encodes m, appends it and sets m.PhysicalOffset. It returns
// the offset and the frame size.
func (w *Writer) AppendMessage(m *message.Message) (int64, int, error) {
	frame, err := m.Encode()
	if err != nil {
		return 0, 0, fmt.Errorf("commitlog: encode: %w", err)
	}
	off, err := w.Append(frame)
	if err != nil {
		return 0, 0, err
	}
	m.PhysicalOffset = uint64(off)
	return off, len(frame), nil
}

func (w *Writer) ensureRoom(n int64) error {
	l := w.l
	l.mu.RLock()
	closed := l.closed
	cursor := l.end.Load() - l.activeStart
	l.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if cursor+n <= l.capacity {
		return nil
	}
	return w.rotate()
}

// rotate seals the active segment and starts the next one. The checkpoint is
// reset and flushed before the new file exists, so after a crash it can only
// under-report.
// The new read-only mapping joins the reader set under the same lock as the
// writer swap, so reads see the segment as soon as appends can reach it.
func (w *Writer) rotate() error {
	l := w.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	next := l.activeStart + l.capacity
	if err := l.cp.Write(0); err != nil {
		return fmt.Errorf("commitlog: rotate: %w", err)
	}
	// The reset must be on disk before the new segment can hold data, or a
	// crash could leave the old segment's cursor pointing into the new one.
	if err := l.cp.Flush(); err != nil {
		return fmt.Errorf("commitlog: rotate: %w", err)
	}

	path := l.path(next)
	rw, err := segment.Create(path, l.capacity)
	if err != nil {
		return fmt.Errorf("commitlog: rotate: %w", err)
	}
	ro, err := segment.OpenReadOnly(path, l.capacity)
	if err != nil {
		_ = rw.Close()
		return fmt.Errorf("commitlog: rotate: %w", err)
	}

	old, oldStart := l.active, l.activeStart
	l.active = rw
	l.activeStart = next
	l.readers = append(l.readers, ro)
	l.end.Store(next)

	if err := old.Close(); err != nil {
		slog.Warn("closing sealed segment failed", "segment", segment.Name(oldStart), "error", err)
	}
	if l.metrics != nil {
		l.metrics.Rotations.Inc(MetricsKey)
	}
	slog.Info("commit log segment rotated", "sealed", segment.Name(oldStart), "active", segment.Name(next))
	return nil
}
