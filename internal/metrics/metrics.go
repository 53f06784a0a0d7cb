// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for delaylog. It renders the text exposition format itself, so
// the server binary carries no client library.
//
// Every counter is keyed by the value of its single label:
//
//	Appended / AppendedBytes / Scheduled / Expired / Dropped  →  key = topic
//	Rotations                                                 →  key = log ("commit_log", "consume_queue/<topic>")
//	ChecksumFailures                                          →  key = where ("read", "recovery")
//	Rejected                                                  →  key = reason
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Value returns the current count for key, 0 if it was never touched.
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all delaylog application metrics. The zero value is ready
// to use.
type Registry struct {
	// Ingestion.
	Appended      labelCounter
	AppendedBytes labelCounter
	Rejected      labelCounter

	// Storage.
	Rotations        labelCounter
	ChecksumFailures labelCounter

	// Scheduling and fan-out.
	Scheduled labelCounter
	Expired   labelCounter
	Dropped   labelCounter
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

type family struct {
	name, help, label string
	c                 *labelCounter
}

func (r *Registry) families() []family {
	return []family{
		{"delaylog_messages_appended_total", "Messages appended to the commit log", "topic", &r.Appended},
		{"delaylog_bytes_appended_total", "Frame bytes appended to the commit log", "topic", &r.AppendedBytes},
		{"delaylog_messages_rejected_total", "Messages refused at ingestion", "reason", &r.Rejected},
		{"delaylog_segment_rotations_total", "Segment rotations per log", "log", &r.Rotations},
		{"delaylog_checksum_failures_total", "Frames whose body checksum did not match", "where", &r.ChecksumFailures},
		{"delaylog_records_scheduled_total", "Index records handed to the delay scheduler", "topic", &r.Scheduled},
		{"delaylog_records_expired_total", "Index records whose delay elapsed", "topic", &r.Expired},
		{"delaylog_notifications_dropped_total", "Expiry notifications dropped on full subscriber buffers", "topic", &r.Dropped},
	}
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, f := range r.families() {
			writeFamily(&b, f.name, f.help, "counter", func(fn func(labels, val string)) {
				f.c.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`%s=%q`, f.label, key), fmt.Sprintf("%d", val))
				})
			})
		}
		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value
// lines. Lines are sorted so scrapes are stable.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	sort.Strings(lines)
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// ConsumeQueueKey builds the Rotations key for a topic's consume queue.
func ConsumeQueueKey(topic string) string {
	return "consume_queue/" + topic
}
