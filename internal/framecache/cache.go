// Package framecache holds the freshest camera frame for any number of concurrent readers
// and runs the background acquisition loop that keeps it fresh.
package framecache

import (
	"sync"

	"camstream/internal/camera"
)

// Cache is a single-slot holder of the most recent frame.
//
// The lock is held only for a pointer swap (Update) or a frame copy (Read).
type Cache struct {
	mu    sync.Mutex
	frame *camera.Frame
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{}
}

// Update replaces the cached frame. The cache takes ownership of frame.
func (c *Cache) Update(frame *camera.Frame) {
	if frame.Empty() {
		frame.Close()
		return
	}

	c.mu.Lock()
	old := c.frame
	c.frame = frame
	c.mu.Unlock()

	old.Close()
}

// Read returns a copy of the cached frame, or false if nothing has been captured yet.
// The caller owns the copy.
func (c *Cache) Read() (*camera.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frame == nil {
		return nil, false
	}
	return c.frame.Clone(), true
}

// Close empties the slot and releases the cached frame.
func (c *Cache) Close() {
	c.mu.Lock()
	old := c.frame
	c.frame = nil
	c.mu.Unlock()

	old.Close()
}
