// Package store is the orchestrator for delaylog.
//
// Callers talk to the Store, never directly to the logs or the scheduler.
//
// Data flow:
//
//	Producer → Store.Submit → ingest.Pipeline → commitlog + consumequeue
//	                                          → scheduler
//	scheduler (deadline) → Store.expire → registry ledger → notify.Hub
//	Subscriber ← Subscription.C ; Store.Fetch(record) → commitlog.Read
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/snehjoshi/delaylog/internal/checkpoint"
	"github.com/snehjoshi/delaylog/internal/commitlog"
	"github.com/snehjoshi/delaylog/internal/config"
	"github.com/snehjoshi/delaylog/internal/consumequeue"
	"github.com/snehjoshi/delaylog/internal/ingest"
	"github.com/snehjoshi/delaylog/internal/message"
	"github.com/snehjoshi/delaylog/internal/metrics"
	"github.com/snehjoshi/delaylog/internal/node"
	"github.com/snehjoshi/delaylog/internal/notify"
	"github.com/snehjoshi/delaylog/internal/registry"
	"github.com/snehjoshi/delaylog/internal/scheduler"
)

// DirName is the directory under node.data_dir holding both logs.
const DirName = "store"

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Store.
type Option func(*Store)

// WithMetrics attaches a metrics.Registry shared by every component.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Store) { s.metrics = reg }
}

// WithClock overrides the clock used for store timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store wires the commit log, the consume queues, the scheduler, the
// subscriber hub and the topic registry into one façade.
//
// All methods are safe for concurrent use.
type Store struct {
	cfg     *config.Config
	id      node.ID
	metrics *metrics.Registry
	now     func() time.Time

	cp     *checkpoint.Checkpoint
	log    *commitlog.Log
	queues *consumequeue.Manager
	sched  *scheduler.Scheduler
	hub    *notify.Hub
	reg    *registry.Registry
	in     *ingest.Pipeline

	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Open builds a store under cfg.Node.DataDir, replays both logs, reloads
// every record that has not yet expired into the scheduler and starts
// ingestion.
//
// Layout:
//
//	<data_dir>/node_id
//	<data_dir>/start_offset
//	<data_dir>/registry.db
//	<data_dir>/store/commit_log/<20-digit offset>
//	<data_dir>/store/consume_queue/<topic>/<20-digit offset>
func Open(cfg *config.Config, opts ...Option) (st *Store, err error) {
	s := &Store{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = &metrics.Registry{}
	}

	// Anything opened before a failure is released on the way out.
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	dataDir := cfg.Node.DataDir
	s.id, err = node.Load(dataDir, cfg.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	flushEvery := time.Duration(cfg.Storage.FlushIntervalMs) * time.Millisecond

	s.cp, err = checkpoint.Open(filepath.Join(dataDir, checkpoint.FileName),
		time.Duration(cfg.Storage.CheckpointFlushMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("store: checkpoint: %w", err)
	}
	closers = append(closers, s.cp.Close)

	s.reg, err = registry.Open(filepath.Join(dataDir, registry.FileName))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	closers = append(closers, s.reg.Close)

	s.log, err = commitlog.Open(
		filepath.Join(dataDir, DirName, commitlog.DirName),
		cfg.Storage.CommitLogSegmentBytes,
		s.cp,
		commitlog.WithMetrics(s.metrics),
		commitlog.WithFlush(cfg.Storage.Flush, flushEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	closers = append(closers, s.log.Close)

	s.queues, err = consumequeue.Open(
		filepath.Join(dataDir, DirName, consumequeue.DirName),
		cfg.Storage.ConsumeQueueSegmentBytes,
		consumequeue.WithMetrics(s.metrics),
		consumequeue.WithFlush(cfg.Storage.Flush, flushEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	closers = append(closers, s.queues.Close)

	s.hub = notify.New(cfg.Notify.BufferSize, s.metrics)
	s.sched = scheduler.New(cfg.MaxDelay())

	reloaded, err := s.reload()
	if err != nil {
		return nil, fmt.Errorf("store: reload: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.sched.Start(ctx, s.expire)
	closers = append(closers, func() error {
		s.sched.Stop()
		cancel()
		return nil
	})

	w, err := s.log.Writer()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s.in = ingest.New(ingest.Config{
		QueueSize: cfg.Ingest.QueueSize,
		MaxRate:   cfg.Ingest.MaxRate,
		Burst:     cfg.Ingest.Burst,
		MaxDelay:  cfg.MaxDelay(),
	}, w, s.queues, s.sched, s.reg,
		ingest.WithMetrics(s.metrics),
		ingest.WithClock(s.now),
	)
	s.in.Start()

	slog.Info("store opened",
		"node_id", s.id,
		"data_dir", dataDir,
		"log_end", s.log.End(),
		"topics", len(s.queues.Topics()),
		"reloaded", reloaded,
	)
	return s, nil
}

// reload schedules every indexed record that is not yet in the expiry
// ledger. Deadlines are recomputed from the stored message's timestamp, so
// records that came due while the process was down fire immediately.
func (s *Store) reload() (int, error) {
	total := 0
	for _, topic := range s.queues.Topics() {
		expired, err := s.reg.ExpiredOffsets(topic)
		if err != nil {
			return total, err
		}
		skipped := 0
		err = s.queues.Iterate(topic, func(rec consumequeue.IndexRecord) error {
			if _, done := expired[rec.PhysicalOffset]; done {
				return nil
			}
			m, err := s.log.ReadMessage(int64(rec.PhysicalOffset), int(rec.Size))
			if err != nil {
				// The index can run ahead of a commit log whose tail was
				// lost in a crash. Such records have nothing to deliver.
				skipped++
				slog.Warn("reload: skipping unreadable record",
					"topic", topic,
					"offset", rec.PhysicalOffset,
					"size", rec.Size,
					"err", err,
				)
				return nil
			}
			if reason := staleReason(topic, rec, m); reason != "" {
				// The commit-log range this record once pointed at was lost
				// and has since been reused by other frames.
				skipped++
				slog.Warn("reload: skipping stale index record",
					"topic", topic,
					"offset", rec.PhysicalOffset,
					"size", rec.Size,
					"reason", reason,
				)
				return nil
			}
			deadline := time.UnixMilli(int64(m.StoreTimestamp)).Add(rec.Delay())
			if err := s.sched.ScheduleAt(topic, rec, deadline); err != nil {
				return err
			}
			s.metrics.Scheduled.Inc(topic)
			total++
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("topic %s: %w", topic, err)
		}
		if _, _, err := s.reg.Ensure(topic, message.TagHash(topic)); err != nil {
			return total, err
		}
		if skipped > 0 {
			slog.Warn("reload: topic had unreadable records", "topic", topic, "skipped", skipped)
		}
	}
	return total, nil
}

// staleReason returns why m is not the message rec was written for, or ""
// when it is.
func staleReason(topic string, rec consumequeue.IndexRecord, m *message.Message) string {
	if m.Topic != topic {
		return "topic mismatch"
	}
	if uint32(m.Size()) != rec.Size {
		return "size mismatch"
	}
	attrs, err := message.ParseAttributes(m.Prop)
	if err != nil {
		return "unparseable attributes"
	}
	if message.TagHash(message.RoutingKey(m.Topic, attrs)) != rec.TagHash {
		return "tag mismatch"
	}
	if attrs.DelaySeconds() != rec.DelaySeconds {
		return "delay mismatch"
	}
	return ""
}

// expire is the scheduler's ready callback.
func (s *Store) expire(e scheduler.Entry) {
	if err := s.reg.MarkExpired(e.Topic, e.Record.PhysicalOffset); err != nil {
		slog.Error("expiry ledger write failed",
			"topic", e.Topic,
			"offset", e.Record.PhysicalOffset,
			"err", err,
		)
	}
	s.metrics.Expired.Inc(e.Topic)
	n := s.hub.Publish(notify.Expired{Topic: e.Topic, Record: e.Record, Deadline: e.Deadline})
	slog.Debug("record expired",
		"topic", e.Topic,
		"offset", e.Record.PhysicalOffset,
		"deadline", e.Deadline,
		"subscribers", n,
	)
}

// ─── Producer side ───────────────────────────────────────────────────────────

// Submit stores m and schedules it for delivery after its delay. It returns
// once the message is in the commit log, indexed and scheduled.
func (s *Store) Submit(ctx context.Context, m *message.Message) (ingest.Receipt, error) {
	return s.in.Submit(ctx, m)
}

// SubmitJSON decodes a JSON-encoded message and submits it.
func (s *Store) SubmitJSON(ctx context.Context, data []byte) (ingest.Receipt, error) {
	m, err := message.FromJSON(data)
	if err != nil {
		return ingest.Receipt{}, err
	}
	return s.Submit(ctx, m)
}

// ─── Subscriber side ─────────────────────────────────────────────────────────

// Subscribe delivers expiry events whose routing key is tagOrTopic.
func (s *Store) Subscribe(tagOrTopic string) (*notify.Subscription, error) {
	return s.hub.SubscribeKey(tagOrTopic)
}

// SubscribeAll delivers every expiry event.
func (s *Store) SubscribeAll() (*notify.Subscription, error) {
	return s.hub.SubscribeAll()
}

// Unsubscribe cancels a subscription and closes its channel.
func (s *Store) Unsubscribe(id string) bool {
	return s.hub.Unsubscribe(id)
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// Read returns the raw frame at a logical offset.
func (s *Store) Read(off int64, size int) ([]byte, error) {
	return s.log.Read(off, size)
}

// Fetch decodes the message an index record points at.
func (s *Store) Fetch(rec consumequeue.IndexRecord) (*message.Message, error) {
	return s.log.ReadMessage(int64(rec.PhysicalOffset), int(rec.Size))
}

// ─── Introspection ───────────────────────────────────────────────────────────

// ID returns the node identity.
func (s *Store) ID() node.ID { return s.id }

// Metrics returns the registry shared by all components.
func (s *Store) Metrics() *metrics.Registry { return s.metrics }

// Topics lists every topic that has ever received a message.
func (s *Store) Topics() ([]registry.Topic, error) { return s.reg.List() }

// Pending returns how many records are waiting for their deadline.
func (s *Store) Pending() int { return s.sched.Len() }

// PendingByTopic returns how many of topic's records are waiting.
func (s *Store) PendingByTopic(topic string) int { return s.sched.CountByTopic(topic) }

// IsExpired reports whether the record at offset in topic has fired.
func (s *Store) IsExpired(topic string, offset uint64) (bool, error) {
	return s.reg.IsExpired(topic, offset)
}

// Flush msyncs both logs and advances the checkpoint.
func (s *Store) Flush() error {
	return errors.Join(s.log.Flush(), s.queues.Flush())
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Close stops ingestion, stops the scheduler, closes every subscription,
// flushes and unmaps all segments and closes the registry. Safe to call
// multiple times; later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		errs := []error{s.in.Close()}
		s.sched.Stop()
		s.cancel()
		s.hub.Close()
		errs = append(errs,
			s.queues.Close(),
			s.log.Close(),
			s.cp.Close(),
			s.reg.Close(),
		)
		s.closeErr = errors.Join(errs...)
		slog.Info("store closed", "node_id", s.id)
	})
	return s.closeErr
}
