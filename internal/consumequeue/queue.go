package consumequeue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/snehjoshi/delaylog/internal/metrics"
	"github.com/snehjoshi/delaylog/internal/segment"
)

// FooterSize is the trailing cursor stored at the end of every segment.
const FooterSize = 8

// ErrClosed is returned by every Queue operation after Close.
var ErrClosed = errors.New("consumequeue: closed")

// Queue is the index log of one topic. Each segment keeps its own write
// cursor in its last FooterSize bytes, so opening a segment reads the cursor
// instead of scanning records.
type Queue struct {
	topic    string
	dir      string
	capacity int64
	metrics  *metrics.Registry
	always   bool // flush after every append

	mu          sync.Mutex
	starts      []int64
	active      *segment.Region
	activeStart int64
	cursor      int64
	closed      bool
}

// openQueue opens the topic directory dir, creating it and a first segment
// when needed.
func openQueue(topic, dir string, capacity int64, reg *metrics.Registry, always bool) (*Queue, error) {
	if capacity < RecordSize+FooterSize {
		return nil, fmt.Errorf("consumequeue: capacity %d cannot hold a record and footer", capacity)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("consumequeue: create dir %s: %w", dir, err)
	}
	starts, err := segment.Scan(dir)
	if err != nil {
		return nil, fmt.Errorf("consumequeue: %w", err)
	}
	if err := segment.CheckContiguous(starts, capacity); err != nil {
		return nil, fmt.Errorf("consumequeue: topic %s: %w", topic, err)
	}
	if len(starts) == 0 {
		starts = []int64{0}
	}

	q := &Queue{
		topic:    topic,
		dir:      dir,
		capacity: capacity,
		metrics:  reg,
		always:   always,
		starts:   starts,
	}
	last := starts[len(starts)-1]
	active, err := segment.Create(q.path(last), capacity)
	if err != nil {
		return nil, fmt.Errorf("consumequeue: open active segment: %w", err)
	}
	q.active = active
	q.activeStart = last
	q.cursor = q.readFooter(active)
	return q, nil
}

func (q *Queue) path(start int64) string {
	return filepath.Join(q.dir, segment.Name(start))
}

// limit is the last byte a record may occupy, exclusive.
func (q *Queue) limit() int64 { return q.capacity - FooterSize }

// readFooter returns the cursor stored in r, or 0 when it is unreadable or
// cannot be a valid cursor.
func (q *Queue) readFooter(r *segment.Region) int64 {
	v, err := r.Uint64At(q.limit())
	if err != nil {
		slog.Warn("consume queue footer unreadable, starting at 0", "topic", q.topic, "segment", r.Path(), "error", err)
		return 0
	}
	cursor := int64(v)
	if cursor < 0 || cursor > q.limit() || cursor%RecordSize != 0 {
		slog.Warn("consume queue footer invalid, starting at 0", "topic", q.topic, "segment", r.Path(), "footer", v)
		return 0
	}
	return cursor
}

// Topic returns the topic this queue indexes.
func (q *Queue) Topic() string { return q.topic }

// Segments returns the segment start offsets, ascending.
func (q *Queue) Segments() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.starts...)
}

// Cursor returns the write cursor of the active segment.
func (q *Queue) Cursor() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// Append writes rec at the cursor and then rewrites the footer, rotating
// first when the record does not fit before the footer.
func (q *Queue) Append(rec IndexRecord) error {
	if rec.IsSentinel() {
		return fmt.Errorf("consumequeue: refusing to store a zero-size record")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	if q.cursor+RecordSize > q.limit() {
		if err := q.rotate(); err != nil {
			return err
		}
	}

	if _, err := q.active.WriteAt(rec.Encode(), q.cursor); err != nil {
		return fmt.Errorf("consumequeue: append %s: %w", q.topic, err)
	}
	q.cursor += RecordSize
	if err := q.active.PutUint64At(q.limit(), uint64(q.cursor)); err != nil {
		return fmt.Errorf("consumequeue: write footer %s: %w", q.topic, err)
	}
	if q.always {
		if err := q.active.Flush(); err != nil {
			return fmt.Errorf("consumequeue: flush %s: %w", q.topic, err)
		}
	}
	return nil
}

func (q *Queue) rotate() error {
	next := q.activeStart + q.capacity
	r, err := segment.Create(q.path(next), q.capacity)
	if err != nil {
		return fmt.Errorf("consumequeue: rotate %s: %w", q.topic, err)
	}
	old, oldStart := q.active, q.activeStart
	q.active = r
	q.activeStart = next
	q.cursor = 0
	q.starts = append(q.starts, next)

	if err := old.Close(); err != nil {
		slog.Warn("closing sealed consume queue segment failed", "topic", q.topic, "segment", segment.Name(oldStart), "error", err)
	}
	if q.metrics != nil {
		q.metrics.Rotations.Inc(metrics.ConsumeQueueKey(q.topic))
	}
	slog.Info("consume queue segment rotated", "topic", q.topic, "sealed", segment.Name(oldStart), "active", segment.Name(next))
	return nil
}

// Iterate calls fn for every stored record, oldest first. Sealed segments
// are mapped read-only for the duration of the call. Iteration stops at the
// first error from fn.
func (q *Queue) Iterate(fn func(IndexRecord) error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	starts := append([]int64(nil), q.starts...)
	activeStart := q.activeStart
	activeBuf, err := q.active.Bytes(0, q.cursor)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("consumequeue: read active %s: %w", q.topic, err)
	}

	for _, s := range starts {
		var buf []byte
		if s == activeStart {
			buf = activeBuf
		} else {
			buf, err = q.readSealed(s)
			if err != nil {
				return err
			}
		}
		for off := 0; off+RecordSize <= len(buf); off += RecordSize {
			rec, _ := DecodeRecord(buf[off:])
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Queue) readSealed(start int64) ([]byte, error) {
	r, err := segment.OpenReadOnly(q.path(start), q.capacity)
	if err != nil {
		return nil, fmt.Errorf("consumequeue: open sealed %s: %w", q.topic, err)
	}
	defer r.Close()
	return r.Bytes(0, q.readFooter(r))
}

// Flush writes the active segment back to disk.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return q.active.Flush()
}

// Close flushes and unmaps the active segment. Safe to call multiple times.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.active.Close()
}
