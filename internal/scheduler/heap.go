// Package scheduler implements the delay scheduler: a min-heap of pending
// index records ordered by absolute deadline.
//
// The delivery goroutine peeks at the heap root (the soonest deadline),
// sleeps until it is due, then pops it and fires the readyFn callback.
// A buffered notify channel lets Schedule interrupt the sleep whenever a
// newly added record might be due sooner than the current root.
//
// The heap is never empty while the scheduler runs: Start inserts a
// zero-size sentinel due after the maximum delay, and each time the
// sentinel surfaces it is pushed back one maximum delay later instead of
// being delivered.
package scheduler

import "github.com/snehjoshi/delaylog/internal/consumequeue"

// item is one entry in the scheduler min-heap.
type item struct {
	topic    string
	record   consumequeue.IndexRecord
	deadline int64  // UTC milliseconds, primary sort key
	seq      uint64 // insertion order, breaks deadline ties
}

func (it *item) sentinel() bool { return it.record.IsSentinel() }

// minHeap is a slice of *item that satisfies heap.Interface.
// The earliest deadline sits at index 0.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // allow GC
	*h = old[:n-1]
	return it
}
