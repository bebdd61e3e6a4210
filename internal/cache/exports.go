// Package cache manages the export cache: the directory where downloads are
// converted before they are streamed to the client.
package cache

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Metrics holds cache statistics.
type Metrics struct {
	Reserved  atomic.Int64
	Released  atomic.Int64
	Swept     atomic.Int64
	Entries   atomic.Int64
	SizeBytes atomic.Int64
}

// Entry is one cached export file.
type Entry struct {
	LocalPath string
	SizeBytes atomic.Int64
	CreatedAt time.Time
}

// ExportCache hands out time-stamped unique file names in its directory and
// accounts for their sizes. Every name is owned by the request that reserved
// it; the owner releases it after streaming. Entries older than maxAge are
// treated as abandoned and swept.
type ExportCache struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	metrics  Metrics
	index    sync.Map // localPath → *Entry
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewExportCache creates the cache directory, removes files left over by a
// previous process and starts the sweeper.
func NewExportCache(dir string, maxBytes int64, maxAge time.Duration) (*ExportCache, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("cache: maxAge must be positive, got %v", maxAge)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cache: failed to create cache dir: %w", err)
	}
	c := &ExportCache{
		dir:      dir,
		maxBytes: maxBytes,
		maxAge:   maxAge,
		stopChan: make(chan struct{}),
	}
	if err := c.removeLeftovers(); err != nil {
		return nil, fmt.Errorf("cache: failed to clean cache dir: %w", err)
	}

	c.wg.Add(1)
	go c.sweepWorker()
	return c, nil
}

// Close stops the sweeper.
func (c *ExportCache) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

// Dir returns the cache directory.
func (c *ExportCache) Dir() string { return c.dir }

func (c *ExportCache) removeLeftovers() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Reserve returns a fresh path named <unix-nanos>-<uuid>.<ext>. Nothing is
// created on disk.
func (c *ExportCache) Reserve(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.New().String())
	if ext != "" {
		name += "." + ext
	}
	p := filepath.Join(c.dir, name)
	c.index.Store(p, &Entry{LocalPath: p, CreatedAt: time.Now()})
	c.metrics.Reserved.Add(1)
	c.metrics.Entries.Add(1)
	return p
}

// Commit records the size of a written reservation. It warns when the cache
// grows past its soft limit; entries are never evicted while owned.
func (c *ExportCache) Commit(path string) error {
	v, ok := c.index.Load(path)
	if !ok {
		return fmt.Errorf("cache: %s is not reserved", path)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cache: failed to stat %s: %w", path, err)
	}
	entry := v.(*Entry)
	prev := entry.SizeBytes.Swap(fi.Size())
	total := c.metrics.SizeBytes.Add(fi.Size() - prev)
	if c.maxBytes > 0 && total > c.maxBytes {
		log.Printf("cache: %d bytes in use, over the %d byte limit", total, c.maxBytes)
	}
	return nil
}

// Release removes a reservation and its file.
func (c *ExportCache) Release(path string) {
	v, ok := c.index.LoadAndDelete(path)
	if !ok {
		return
	}
	entry := v.(*Entry)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("cache: failed to remove %s: %v", path, err)
	}
	c.metrics.SizeBytes.Add(-entry.SizeBytes.Load())
	c.metrics.Entries.Add(-1)
	c.metrics.Released.Add(1)
}

func (c *ExportCache) sweepWorker() {
	defer c.wg.Done()

	interval := c.maxAge / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.Sweep(time.Now())
		}
	}
}

// Sweep releases entries reserved more than maxAge before now and returns
// how many it removed.
func (c *ExportCache) Sweep(now time.Time) int {
	var stale []string
	c.index.Range(func(key, value interface{}) bool {
		if now.Sub(value.(*Entry).CreatedAt) > c.maxAge {
			stale = append(stale, key.(string))
		}
		return true
	})
	for _, p := range stale {
		c.Release(p)
		c.metrics.Swept.Add(1)
		log.Printf("cache: swept abandoned export %s", filepath.Base(p))
	}
	return len(stale)
}

// Size returns the committed size of all entries in bytes.
func (c *ExportCache) Size() int64 { return c.metrics.SizeBytes.Load() }

// Count returns the number of live reservations.
func (c *ExportCache) Count() int64 { return c.metrics.Entries.Load() }

// Stats returns reserved, released and swept totals.
func (c *ExportCache) Stats() (reserved, released, swept int64) {
	return c.metrics.Reserved.Load(), c.metrics.Released.Load(), c.metrics.Swept.Load()
}
