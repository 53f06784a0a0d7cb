// Package notify fans expired index records out to subscribers keyed by the
// record's tag hash.
//
// Publish never blocks the scheduler: each subscription has a bounded
// buffer and an event that does not fit is dropped and counted.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/delaylog/internal/consumequeue"
	"github.com/snehjoshi/delaylog/internal/message"
	"github.com/snehjoshi/delaylog/internal/metrics"
	"github.com/snehjoshi/delaylog/internal/node"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("notify: hub closed")

// Expired is the event delivered when a record's delay has elapsed.
type Expired struct {
	Topic    string
	Record   consumequeue.IndexRecord
	Deadline time.Time
}

// Subscription receives Expired events on C until it is unsubscribed or
// the hub is closed, at which point C is closed.
type Subscription struct {
	ID      string
	TagHash uint64
	All     bool // wildcard: receives every event

	C  <-chan Expired
	ch chan Expired
}

// Hub routes events to subscriptions. All methods are safe for concurrent use.
type Hub struct {
	buffer  int
	metrics *metrics.Registry

	mu     sync.RWMutex
	byTag  map[uint64]map[string]*Subscription
	all    map[string]*Subscription
	byID   map[string]*Subscription
	closed bool
}

// New creates a hub whose subscriptions buffer up to buffer events.
// reg may be nil.
func New(buffer int, reg *metrics.Registry) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		buffer:  buffer,
		metrics: reg,
		byTag:   make(map[uint64]map[string]*Subscription),
		all:     make(map[string]*Subscription),
		byID:    make(map[string]*Subscription),
	}
}

func (h *Hub) newSubscription(tag uint64, all bool) (*Subscription, error) {
	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("notify: subscription id: %w", err)
	}
	ch := make(chan Expired, h.buffer)
	return &Subscription{ID: id, TagHash: tag, All: all, C: ch, ch: ch}, nil
}

// Subscribe registers interest in events whose record carries tagHash.
func (h *Hub) Subscribe(tagHash uint64) (*Subscription, error) {
	sub, err := h.newSubscription(tagHash, false)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	set, ok := h.byTag[tagHash]
	if !ok {
		set = make(map[string]*Subscription)
		h.byTag[tagHash] = set
	}
	set[sub.ID] = sub
	h.byID[sub.ID] = sub
	return sub, nil
}

// SubscribeKey subscribes to a tag or topic name, hashed the same way index
// records are.
func (h *Hub) SubscribeKey(key string) (*Subscription, error) {
	return h.Subscribe(message.TagHash(key))
}

// SubscribeAll registers a wildcard subscription that sees every event.
func (h *Hub) SubscribeAll() (*Subscription, error) {
	sub, err := h.newSubscription(0, true)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.all[sub.ID] = sub
	h.byID[sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel. It reports
// whether the ID was known.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.byID[id]
	if !ok {
		return false
	}
	delete(h.byID, id)
	if sub.All {
		delete(h.all, id)
	} else if set := h.byTag[sub.TagHash]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(h.byTag, sub.TagHash)
		}
	}
	close(sub.ch)
	return true
}

// Publish offers e to every matching subscription without blocking and
// returns how many accepted it.
func (h *Hub) Publish(e Expired) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}

	delivered := 0
	offer := func(sub *Subscription) {
		select {
		case sub.ch <- e:
			delivered++
		default:
			if h.metrics != nil {
				h.metrics.Dropped.Inc(e.Topic)
			}
			slog.Warn("subscriber buffer full, dropping expiry event",
				"subscription", sub.ID,
				"topic", e.Topic,
				"offset", e.Record.PhysicalOffset,
			)
		}
	}
	for _, sub := range h.byTag[e.Record.TagHash] {
		offer(sub)
	}
	for _, sub := range h.all {
		offer(sub)
	}
	return delivered
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Close closes every subscription channel. Later Subscribe calls fail and
// Publish becomes a no-op. Safe to call multiple times.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.byID {
		close(sub.ch)
	}
	h.byID = map[string]*Subscription{}
	h.byTag = map[uint64]map[string]*Subscription{}
	h.all = map[string]*Subscription{}
}
