// Package checkpoint persists the write cursor of the active commit-log
// segment in a tiny memory-mapped file.
//
// The value is a hint for recovery, never the source of truth: it may lag
// the real cursor by up to one flush interval but must never run ahead of it.
package checkpoint

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/delaylog/internal/segment"
)

// FileName is the checkpoint file name inside the data directory.
const FileName = "start_offset"

const size = 8

// Checkpoint is a single persisted uint64.
type Checkpoint struct {
	region *segment.Region
	dirty  atomic.Bool

	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// Open maps the checkpoint file at path, creating it as zero when absent.
// With interval > 0 a background goroutine flushes pending writes on that
// period; with interval == 0 every Write is flushed before it returns.
func Open(path string, interval time.Duration) (*Checkpoint, error) {
	r, err := segment.Create(path, size)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	c := &Checkpoint{region: r, interval: interval}
	c.start()
	return c, nil
}

// Read returns the stored cursor, or 0 when it cannot be read.
func (c *Checkpoint) Read() uint64 {
	v, err := c.region.Uint64At(0)
	if err != nil {
		return 0
	}
	return v
}

// Write stores v. It reaches disk on the next flush.
func (c *Checkpoint) Write(v uint64) error {
	if err := c.region.PutUint64At(0, v); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if c.interval <= 0 {
		return c.Flush()
	}
	c.dirty.Store(true)
	return nil
}

// Dirty reports whether a written value has not been flushed yet.
func (c *Checkpoint) Dirty() bool { return c.dirty.Load() }

// Flush forces the stored value to disk.
func (c *Checkpoint) Flush() error {
	c.dirty.Store(false)
	if err := c.region.Flush(); err != nil {
		c.dirty.Store(true)
		return fmt.Errorf("checkpoint: flush: %w", err)
	}
	return nil
}

func (c *Checkpoint) start() {
	if c.interval <= 0 {
		return
	}
	c.ticker = time.NewTicker(c.interval)
	c.done = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.done:
				return
			case <-c.ticker.C:
				if !c.dirty.Load() {
					continue
				}
				if err := c.Flush(); err != nil {
					slog.Warn("checkpoint flush failed", "path", c.region.Path(), "error", err)
				}
			}
		}
	}()
}

// Close stops the flush goroutine, flushes and unmaps the file.
// Safe to call multiple times.
func (c *Checkpoint) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.ticker != nil {
			c.ticker.Stop()
			close(c.done)
			c.wg.Wait()
		}
		err = c.region.Close()
	})
	return err
}
