// Package consumequeue maintains the per-topic delay index: one segmented,
// memory-mapped log of fixed-size IndexRecords per topic, each pointing at a
// message frame in the commit log.
//
// Layout under the store root:
//
//	consume_queue/<topic>/<20-digit start offset>
package consumequeue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/delaylog/internal/config"
	"github.com/snehjoshi/delaylog/internal/metrics"
)

// DirName is the consume-queue directory under the store root.
const DirName = "consume_queue"

// topicRe validates topic names: 1-128 chars of letters, digits, '_', '-'
// or '.', starting with a letter or digit. Topics are directory names.
var topicRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

// ErrInvalidTopic is returned when a topic name cannot be used as a directory.
var ErrInvalidTopic = errors.New("consumequeue: invalid topic")

// ValidateTopic reports whether topic is an acceptable topic name.
func ValidateTopic(topic string) error {
	if !topicRe.MatchString(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics counts rotations in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = reg }
}

// WithFlush sets the write-back policy for every topic's active segment.
func WithFlush(policy config.FlushPolicy, interval time.Duration) Option {
	return func(m *Manager) {
		m.flushPolicy = policy
		m.flushInterval = interval
	}
}

// Manager owns one Queue per topic. Different topics may be appended to
// concurrently; each Queue serialises its own writes.
type Manager struct {
	root     string
	capacity int64
	metrics  *metrics.Registry

	mu     sync.RWMutex
	queues map[string]*Queue
	closed bool

	flushPolicy   config.FlushPolicy
	flushInterval time.Duration
	flushTicker   *time.Ticker
	flushDone     chan struct{}
	flushWG       sync.WaitGroup

	closeOnce sync.Once
}

// Open discovers every topic directory under root and opens its queue.
// Directories whose names are not valid topics are skipped.
func Open(root string, capacity int64, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("consumequeue: create dir %s: %w", root, err)
	}
	m := &Manager{
		root:        root,
		capacity:    capacity,
		queues:      make(map[string]*Queue),
		flushPolicy: config.FlushInterval,
	}
	for _, opt := range opts {
		opt(m)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("consumequeue: scan %s: %w", root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		topic := e.Name()
		if err := ValidateTopic(topic); err != nil {
			slog.Warn("skipping consume queue directory", "dir", topic, "error", err)
			continue
		}
		q, err := m.open(topic)
		if err != nil {
			_ = m.closeQueues()
			return nil, err
		}
		m.queues[topic] = q
		slog.Info("consume queue opened", "topic", topic, "segments", len(q.starts), "cursor", q.cursor)
	}

	m.startFlush()
	return m, nil
}

func (m *Manager) open(topic string) (*Queue, error) {
	return openQueue(topic, filepath.Join(m.root, topic), m.capacity, m.metrics, m.flushPolicy == config.FlushAlways)
}

// Queue returns the queue for topic, creating it on first use.
func (m *Manager) Queue(topic string) (*Queue, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}

	m.mu.RLock()
	q, ok := m.queues[topic]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return q, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if q, ok := m.queues[topic]; ok {
		return q, nil
	}
	q, err := m.open(topic)
	if err != nil {
		return nil, err
	}
	m.queues[topic] = q
	slog.Info("consume queue created", "topic", topic)
	return q, nil
}

// Append stores rec in topic's queue.
func (m *Manager) Append(topic string, rec IndexRecord) error {
	q, err := m.Queue(topic)
	if err != nil {
		return err
	}
	return q.Append(rec)
}

// Topics returns all known topics, sorted.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.queues))
	for t := range m.queues {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Iterate calls fn for every record of topic, oldest first. An unknown
// topic has no records.
func (m *Manager) Iterate(topic string, fn func(IndexRecord) error) error {
	m.mu.RLock()
	q, ok := m.queues[topic]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return q.Iterate(fn)
}

// Flush writes every active segment back to disk.
func (m *Manager) Flush() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for _, q := range m.queues {
		if err := q.Flush(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) startFlush() {
	if m.flushPolicy != config.FlushInterval {
		return
	}
	interval := m.flushInterval
	if interval <= 0 {
		interval = time.Second
	}
	m.flushTicker = time.NewTicker(interval)
	m.flushDone = make(chan struct{})
	m.flushWG.Add(1)
	go func() {
		defer m.flushWG.Done()
		for {
			select {
			case <-m.flushDone:
				return
			case <-m.flushTicker.C:
				if err := m.Flush(); err != nil {
					slog.Warn("consume queue flush failed", "error", err)
				}
			}
		}
	}()
}

// Close stops background flushing and closes every queue.
// Safe to call multiple times.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.flushTicker != nil {
			m.flushTicker.Stop()
			close(m.flushDone)
			m.flushWG.Wait()
		}
		err = m.closeQueues()
	})
	return err
}

func (m *Manager) closeQueues() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	var errs []error
	for _, q := range m.queues {
		errs = append(errs, q.Close())
	}
	return errors.Join(errs...)
}
