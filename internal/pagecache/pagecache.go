// Package pagecache is the page-cache collaborator: it interns physical
// frames keyed by (mmobj, page-index), exposing Get/GetResident/
// Pin/Unpin/Dirty/Free plus a busy/waitqueue protocol — a page's busy
// flag is raised before any I/O that populates it and lowered only after
// its contents are valid, so waiters only ever observe fully populated
// pages. Grounded on biscuit's mem.Physmem_t for the refcounted-frame
// half of the contract, and on its circbuf/oommsg channel-based signaling
// for the busy/waitqueue half.
package pagecache

import (
	"context"
	"sync"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/frame"
)

// Key identifies a cache slot: a page index within a particular owning
// mmobj. Owner is an mmobj's stable identity (see mmobj.ID).
type Key struct {
	Owner uint64
	Index uint64
}

// FillFunc populates a freshly allocated, as-yet-invisible frame with a
// page's contents. It is the cache-miss half of mmobj.fill_page.
type FillFunc func(id frame.ID) defs.Err_t

type entry struct {
	ready   chan struct{} // closed once fill completes (success or failure)
	frameID frame.ID
	err     defs.Err_t
	dirty   bool
	pins    int
}

// Cache is the page cache. One Cache is shared by every mmobj in a running
// kernel instance.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	Pool    *frame.Pool
}

// New returns an empty page cache backed by pool.
func New(pool *frame.Pool) *Cache {
	return &Cache{entries: make(map[Key]*entry), Pool: pool}
}

// Get returns the frame resident at key, filling it via fill on a miss.
// Concurrent callers racing on the same key block on the busy page until
// the first caller's fill completes; they then observe its result rather
// than refilling. The wait is cancellable via ctx.
func (c *Cache) Get(ctx context.Context, key Key, fill FillFunc) (frame.ID, defs.Err_t) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return waitEntry(ctx, e)
	}
	e := &entry{ready: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	id, err := c.Pool.AllocNoZeroWait(ctx)
	if err != 0 {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		e.err = err
		close(e.ready)
		return 0, err
	}
	err = fill(id)
	if err != 0 {
		c.Pool.Unref(id)
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		e.err = err
		close(e.ready)
		return 0, err
	}
	e.frameID = id
	close(e.ready)
	return id, 0
}

// GetResident returns the frame resident at key without triggering a fill.
// If another caller is concurrently filling key, GetResident waits for that
// fill to finish — used by the shadow-chain walk to probe for a resident
// page at each level without forcing one into existence.
func (c *Cache) GetResident(ctx context.Context, key Key) (frame.ID, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	id, err := waitEntry(ctx, e)
	if err != 0 {
		return 0, false
	}
	return id, true
}

func waitEntry(ctx context.Context, e *entry) (frame.ID, defs.Err_t) {
	select {
	case <-e.ready:
		return e.frameID, e.err
	case <-ctx.Done():
		return 0, -defs.EINVAL
	}
}

// Pin marks a resident page as pinned (never evicted while pins > 0).
func (c *Cache) Pin(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.pins++
	}
}

// Unpin releases one pin on a resident page.
func (c *Cache) Unpin(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if e.pins > 0 {
			e.pins--
		}
	}
}

// Dirty marks a resident page for writeback.
func (c *Cache) Dirty(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.dirty = true
	}
}

// IsDirty reports whether the resident page at key is marked dirty.
func (c *Cache) IsDirty(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.dirty
}

// ClearDirty clears the dirty mark, e.g. after a successful writeback.
func (c *Cache) ClearDirty(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.dirty = false
	}
}

// Free evicts key from the cache and drops the cache's own reference on
// its frame. The caller must already have ensured the page is unpinned by
// every other holder.
func (c *Cache) Free(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	<-e.ready
	if e.err == 0 {
		c.Pool.Unref(e.frameID)
	}
}

// ResidentCount reports the number of cache slots currently filled (or
// being filled) for owner, for diagnostics and tests.
func (c *Cache) ResidentCount(owner uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if k.Owner == owner {
			n++
		}
	}
	return n
}
