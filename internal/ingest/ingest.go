// Package ingest funnels every append through one goroutine so the active
// commit-log segment has exactly one writer.
//
// Producers call Submit from any goroutine. The writer goroutine appends the
// frame to the commit log, the index record to the topic's consume queue,
// and hands the record to the delay scheduler, in that order, before the
// producer's Submit returns.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/delaylog/internal/consumequeue"
	"github.com/snehjoshi/delaylog/internal/message"
	"github.com/snehjoshi/delaylog/internal/metrics"
	"github.com/snehjoshi/delaylog/internal/registry"
)

var (
	// ErrClosed is returned by Submit once Close has been called.
	ErrClosed = errors.New("ingest: closed")

	// ErrDelayTooLong is returned when a message's delay exceeds the
	// configured maximum.
	ErrDelayTooLong = errors.New("ingest: delay exceeds maximum")
)

// LogWriter appends encoded messages to the commit log.
type LogWriter interface {
	AppendMessage(m *message.Message) (offset int64, size int, err error)
}

// IndexWriter appends index records to a topic's consume queue.
type IndexWriter interface {
	Append(topic string, rec consumequeue.IndexRecord) error
}

// Scheduler accepts records for delayed delivery.
type Scheduler interface {
	ScheduleAt(topic string, rec consumequeue.IndexRecord, deadline time.Time) error
}

// TopicRegistry records topics the first time they are seen.
type TopicRegistry interface {
	Ensure(topic string, tagHash uint64) (registry.Topic, bool, error)
}

// Config controls queueing and admission.
type Config struct {
	QueueSize int
	MaxRate   int // messages per second, 0 = unlimited
	Burst     int
	MaxDelay  time.Duration
}

// Receipt describes where a submitted message landed and when it fires.
type Receipt struct {
	Topic          string
	PhysicalOffset int64
	Size           int
	Record         consumequeue.IndexRecord
	Deadline       time.Time
}

type result struct {
	receipt Receipt
	err     error
}

type request struct {
	msg   *message.Message
	attrs message.Attributes
	done  chan result
}

// Pipeline is the single-writer ingestion channel.
type Pipeline struct {
	cfg     Config
	log     LogWriter
	index   IndexWriter
	sched   Scheduler
	topics  TopicRegistry
	metrics *metrics.Registry
	limiter *rate.Limiter
	now     func() time.Time

	// mu guards closed and sends on reqs, so Close never closes the channel
	// under a sender.
	mu     sync.RWMutex
	closed bool
	reqs   chan *request

	known map[string]bool // topics already registered; writer goroutine only

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics counts appends and rejections in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = reg }
}

// WithClock overrides the clock used for store timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New builds a pipeline. Call Start before Submit.
func New(cfg Config, log LogWriter, index IndexWriter, sched Scheduler, topics TopicRegistry, opts ...Option) *Pipeline {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	p := &Pipeline{
		cfg:    cfg,
		log:    log,
		index:  index,
		sched:  sched,
		topics: topics,
		now:    time.Now,
		reqs:   make(chan *request, cfg.QueueSize),
		known:  make(map[string]bool),
	}
	if cfg.MaxRate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = cfg.MaxRate
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), burst)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the writer goroutine.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.run()
}

// Submit validates m, waits for room in the queue, and blocks until the
// writer has stored and scheduled it. Submit takes ownership of m: the
// writer sets its store timestamp and physical offset.
//
// If ctx ends after m was queued, Submit returns ctx.Err() but m may still
// be stored.
func (p *Pipeline) Submit(ctx context.Context, m *message.Message) (Receipt, error) {
	attrs, err := p.validate(m)
	if err != nil {
		return Receipt{}, err
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.reject("rate_limited")
			return Receipt{}, fmt.Errorf("ingest: rate limit: %w", err)
		}
	}

	req := &request{msg: m, attrs: attrs, done: make(chan result, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return Receipt{}, ErrClosed
	}
	select {
	case p.reqs <- req:
	case <-ctx.Done():
		p.mu.RUnlock()
		return Receipt{}, ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case res := <-req.done:
		return res.receipt, res.err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

func (p *Pipeline) validate(m *message.Message) (message.Attributes, error) {
	if m == nil {
		return message.Attributes{}, errors.New("ingest: nil message")
	}
	if err := consumequeue.ValidateTopic(m.Topic); err != nil {
		p.reject("invalid_topic")
		return message.Attributes{}, err
	}
	attrs, err := message.ParseAttributes(m.Prop)
	if err == nil {
		err = attrs.Validate()
	}
	if err != nil {
		p.reject("invalid_attribute")
		return message.Attributes{}, err
	}
	if p.cfg.MaxDelay > 0 && attrs.Delay > p.cfg.MaxDelay {
		p.reject("delay_too_long")
		return message.Attributes{}, fmt.Errorf("%w: %s > %s", ErrDelayTooLong, attrs.Delay, p.cfg.MaxDelay)
	}
	if err := m.Seal(); err != nil {
		p.reject("invalid_frame")
		return message.Attributes{}, err
	}
	return attrs, nil
}

func (p *Pipeline) reject(reason string) {
	if p.metrics != nil {
		p.metrics.Rejected.Inc(reason)
	}
}

// Close stops accepting submissions, lets the writer finish what is already
// queued, and waits for it to exit. Safe to call multiple times.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.reqs)
		p.mu.Unlock()
	})
	p.wg.Wait()
	return nil
}

// ─── writer goroutine ─────────────────────────────────────────────────────────

func (p *Pipeline) run() {
	defer p.wg.Done()
	for req := range p.reqs {
		rcpt, err := p.handle(req.msg, req.attrs)
		if err != nil {
			p.reject("append_failed")
			slog.Error("ingest failed", "topic", req.msg.Topic, "error", err)
		}
		req.done <- result{receipt: rcpt, err: err}
	}
}

func (p *Pipeline) handle(m *message.Message, attrs message.Attributes) (Receipt, error) {
	topic := m.Topic
	if !p.known[topic] {
		if _, created, err := p.topics.Ensure(topic, message.TagHash(topic)); err != nil {
			return Receipt{}, fmt.Errorf("ingest: register topic: %w", err)
		} else if created {
			slog.Info("topic registered", "topic", topic)
		}
		p.known[topic] = true
	}

	m.StoreTimestamp = uint64(p.now().UTC().UnixMilli())
	off, size, err := p.log.AppendMessage(m)
	if err != nil {
		return Receipt{}, fmt.Errorf("ingest: commit log: %w", err)
	}

	rec := consumequeue.IndexRecord{
		PhysicalOffset: uint64(off),
		Size:           uint32(size),
		TagHash:        message.TagHash(message.RoutingKey(topic, attrs)),
		DelaySeconds:   attrs.DelaySeconds(),
	}
	if err := p.index.Append(topic, rec); err != nil {
		return Receipt{}, fmt.Errorf("ingest: consume queue: %w", err)
	}

	deadline := time.UnixMilli(int64(m.StoreTimestamp)).Add(attrs.Delay)
	if err := p.sched.ScheduleAt(topic, rec, deadline); err != nil {
		return Receipt{}, fmt.Errorf("ingest: schedule: %w", err)
	}

	if p.metrics != nil {
		p.metrics.Appended.Inc(topic)
		p.metrics.AppendedBytes.Add(topic, int64(size))
		p.metrics.Scheduled.Inc(topic)
	}
	slog.Debug("message stored",
		"topic", topic,
		"offset", off,
		"size", size,
		"delay", attrs.Delay,
	)
	return Receipt{Topic: topic, PhysicalOffset: off, Size: size, Record: rec, Deadline: deadline}, nil
}
