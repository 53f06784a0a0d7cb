package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/snehjoshi/delaylog/internal/consumequeue"
)

var (
	// ErrZeroSize is returned when scheduling a record with Size 0, which is
	// reserved for the idle sentinel.
	ErrZeroSize = errors.New("scheduler: zero-size record")

	// ErrStopped is returned by Schedule after Stop.
	ErrStopped = errors.New("scheduler: stopped")
)

// Entry is an expired record handed to the ready callback.
type Entry struct {
	Topic    string
	Record   consumequeue.IndexRecord
	Deadline time.Time
}

// Scheduler delivers index records once their deadline has passed.
//
// Usage:
//
//	s := New(365 * 24 * time.Hour)
//	s.Start(ctx, func(e Entry) {
//	    // fan out to subscribers of e.Record.TagHash
//	})
//	defer s.Stop()
//
//	_ = s.Schedule("topic_oms", rec) // due at now + rec.Delay()
//
// All methods are safe for concurrent use. Each record moves from pending
// to expired exactly once; there is no cancellation.
type Scheduler struct {
	maxDelay time.Duration

	mu      sync.Mutex
	h       minHeap
	seq     uint64
	pending map[string]int // topic → records waiting, sentinel excluded
	stopped bool

	// notify is a buffered channel of capacity 1. Schedule sends on it
	// whenever a new item might be earlier than the current timer deadline.
	notify chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler whose idle sentinel is re-armed every maxDelay.
// Call Start to begin delivering.
func New(maxDelay time.Duration) *Scheduler {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		maxDelay: maxDelay,
		h:        h,
		pending:  make(map[string]int),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Schedule adds rec with a deadline of now + rec.Delay().
func (s *Scheduler) Schedule(topic string, rec consumequeue.IndexRecord) error {
	return s.ScheduleAt(topic, rec, time.Now().Add(rec.Delay()))
}

// ScheduleAt adds rec with an explicit deadline. A deadline in the past is
// delivered on the next pass of the delivery goroutine.
func (s *Scheduler) ScheduleAt(topic string, rec consumequeue.IndexRecord, deadline time.Time) error {
	if rec.IsSentinel() {
		return ErrZeroSize
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.push(topic, rec, deadline.UnixMilli())
	s.pending[topic]++
	s.mu.Unlock()

	// Non-blocking: if a signal is already pending the goroutine will
	// re-evaluate anyway.
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// push inserts an item. MUST be called with s.mu held.
func (s *Scheduler) push(topic string, rec consumequeue.IndexRecord, deadline int64) {
	s.seq++
	heap.Push(&s.h, &item{topic: topic, record: rec, deadline: deadline, seq: s.seq})
}

// pushSentinel arms the idle sentinel one maximum delay from now.
// MUST be called with s.mu held.
func (s *Scheduler) pushSentinel() {
	s.push("", consumequeue.IndexRecord{DelaySeconds: uint32(s.maxDelay / time.Second)}, time.Now().Add(s.maxDelay).UnixMilli())
}

// Len returns the number of pending records, sentinel excluded.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.pending {
		n += c
	}
	return n
}

// CountByTopic returns the number of pending records for topic.
func (s *Scheduler) CountByTopic(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[topic]
}

// Start inserts the idle sentinel and launches the delivery goroutine.
// readyFn is called from that goroutine for each expired record, in
// deadline order; it must not block for long. Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context, readyFn func(Entry)) {
	s.mu.Lock()
	s.pushSentinel()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, readyFn)
}

// Stop shuts down the delivery goroutine and waits for it to exit.
// Records still pending are abandoned; they are reloaded from the consume
// queues on the next start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.done)
	})
	s.wg.Wait()
}

// ─── delivery goroutine ───────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, readyFn func(Entry)) {
	defer s.wg.Done()

	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	defer t.Stop()

	for {
		s.mu.Lock()
		deadline := s.h[0].deadline
		s.mu.Unlock()

		if delay := time.Until(time.UnixMilli(deadline)); delay > 0 {
			t.Reset(delay)
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
				// A new item may be due sooner; re-evaluate from the top.
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				continue
			case <-t.C:
			}
		}

		s.mu.Lock()
		it := s.popDue()
		s.mu.Unlock()
		if it != nil {
			readyFn(Entry{Topic: it.topic, Record: it.record, Deadline: time.UnixMilli(it.deadline)})
		}
	}
}

// popDue removes the root if it is due. A due sentinel is re-armed rather
// than returned. MUST be called with s.mu held.
func (s *Scheduler) popDue() *item {
	if s.h[0].deadline > time.Now().UnixMilli() {
		return nil
	}
	it := heap.Pop(&s.h).(*item)
	if it.sentinel() {
		s.pushSentinel()
		return nil
	}
	if s.pending[it.topic]--; s.pending[it.topic] == 0 {
		delete(s.pending, it.topic)
	}
	return it
}
