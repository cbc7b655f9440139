// Package mmobj implements the core memory-object abstraction: a
// polymorphic, reference-counted source of page contents with three
// variants (anonymous, file-backed, shadow/COW). Grounded on biscuit's
// page-fault handling in vm/as.go (Sys_pgfault's VANON/VFILE/COW
// dispatch), generalized from biscuit's per-PTE COW bit into an explicit
// shadow-object chain (closer to Weenix/BSD's mmobj/shadow-object design
// than to biscuit's own scheme), using a tagged variant with exhaustive
// dispatch rather than open inheritance.
package mmobj

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/frame"
	"github.com/FrankSzn/Weenix/internal/klog"
	"github.com/FrankSzn/Weenix/internal/pagecache"
	"github.com/FrankSzn/Weenix/internal/vnode"
)

var log = klog.For("mmobj")

// Kind discriminates the three mmobj variants.
type Kind int

const (
	KindAnon Kind = iota
	KindFile
	KindShadow
)

func (k Kind) String() string {
	switch k {
	case KindAnon:
		return "anon"
	case KindFile:
		return "file"
	case KindShadow:
		return "shadow"
	default:
		return "unknown"
	}
}

var nextID uint64

// Mmobj is a shared, reference-counted source of page contents. refcount
// counts only external holders (vmareas and shadow-parent links); resident
// pages are not themselves counted against it, so a reap is driven by
// refcount alone, never by comparing it against resident-page counts.
// CheckInvariants below enforces the one invariant that is testable from
// outside a critical section.
type Mmobj struct {
	id    uint64
	kind  Kind
	cache *pagecache.Cache
	pool  *frame.Pool

	mu        sync.Mutex
	refcount  int
	resident  map[uint64]struct{} // pages attributable to this object, by index
	destroyed bool

	// shadow-only
	shadowed *Mmobj // parent in the chain; nil iff kind != KindShadow
	bottom   *Mmobj // bottom-most non-shadow ancestor; nil iff kind != KindShadow

	// non-shadow only: bottom objects track which vmareas currently bottom
	// out here, keyed by an opaque id vmmap assigns its vmareas.
	bottomAreas map[uint64]struct{}

	// file-only
	vn vnode.Vnode
}

// ID returns this mmobj's stable identity, used as pagecache.Key.Owner.
func (o *Mmobj) ID() uint64 { return o.id }

// Kind reports which variant this object is.
func (o *Mmobj) Kind() Kind { return o.kind }

func newBase(kind Kind, cache *pagecache.Cache, pool *frame.Pool) *Mmobj {
	return &Mmobj{
		id:       atomic.AddUint64(&nextID, 1),
		kind:     kind,
		cache:    cache,
		pool:     pool,
		refcount: 1, // the caller requesting construction holds the first reference
		resident: make(map[uint64]struct{}),
	}
}

// NewAnon returns a fresh anonymous object with one reference held by the
// caller (normally the vmarea that is about to own it).
func NewAnon(cache *pagecache.Cache, pool *frame.Pool) *Mmobj {
	o := newBase(KindAnon, cache, pool)
	o.bottomAreas = make(map[uint64]struct{})
	return o
}

// NewFile returns a fresh file-backed object over vn, standing in for the
// vnode's own mmap result. One reference is held by the caller.
func NewFile(vn vnode.Vnode, cache *pagecache.Cache, pool *frame.Pool) *Mmobj {
	o := newBase(KindFile, cache, pool)
	o.vn = vn
	o.bottomAreas = make(map[uint64]struct{})
	return o
}

// NewShadow returns a fresh shadow object interposed above parent, whose
// shadow chain bottoms at bottom (bottom itself if parent is already the
// bottom object). NewShadow takes one reference on parent, since
// "shadowed" is itself a reference-holding link. One reference on the
// new shadow is held by the caller.
func NewShadow(parent, bottom *Mmobj, cache *pagecache.Cache, pool *frame.Pool) *Mmobj {
	if parent == nil || bottom == nil {
		panic("mmobj: shadow requires a non-nil parent and bottom")
	}
	parent.Ref()
	o := newBase(KindShadow, cache, pool)
	o.shadowed = parent
	o.bottom = bottom
	return o
}

// Bottom returns the bottom-most non-shadow ancestor: itself if o is not a
// shadow, o.bottom otherwise.
func (o *Mmobj) Bottom() *Mmobj {
	if o.kind == KindShadow {
		return o.bottom
	}
	return o
}

// Ref increments the reference count.
func (o *Mmobj) Ref() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		panic("mmobj: ref of destroyed object")
	}
	o.refcount++
}

// RefCount reports the current reference count, for tests and invariant
// checks.
func (o *Mmobj) RefCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refcount
}

// ResidentCount reports the number of pages attributable to this object
// currently resident in the page cache.
func (o *Mmobj) ResidentCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.resident)
}

// CheckInvariants asserts this object's universal invariants, panicking
// (a fatal bug, not a recoverable error) if violated.
func (o *Mmobj) CheckInvariants() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return
	}
	if o.kind == KindShadow && o.shadowed == nil {
		panic("mmobj: shadow object with nil shadowed link")
	}
}

// key builds this object's pagecache.Key for page index idx.
func (o *Mmobj) key(idx uint64) pagecache.Key {
	return pagecache.Key{Owner: o.id, Index: idx}
}

func (o *Mmobj) markResident(idx uint64) {
	o.mu.Lock()
	o.resident[idx] = struct{}{}
	o.mu.Unlock()
}

// AddBottomArea registers areaID as bottoming out at this (non-shadow)
// object. It is a no-op, not a panic, on a shadow object: callers always
// operate on Bottom(), but keeping this permissive avoids a foot-gun for
// callers that forget to call Bottom() first.
func (o *Mmobj) AddBottomArea(areaID uint64) {
	if o.kind == KindShadow {
		return
	}
	o.mu.Lock()
	o.bottomAreas[areaID] = struct{}{}
	o.mu.Unlock()
}

// RemoveBottomArea unregisters areaID.
func (o *Mmobj) RemoveBottomArea(areaID uint64) {
	if o.kind == KindShadow {
		return
	}
	o.mu.Lock()
	delete(o.bottomAreas, areaID)
	o.mu.Unlock()
}

// BottomAreaCount reports how many vmareas currently bottom out here.
func (o *Mmobj) BottomAreaCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bottomAreas)
}

// LookupPage resolves page idx, forcing it resident. A read fault
// (forWrite == false) never allocates a private copy; a write fault on a
// shadow object forces a copy onto that shadow.
func (o *Mmobj) LookupPage(ctx context.Context, idx uint64, forWrite bool) (frame.ID, defs.Err_t) {
	switch o.kind {
	case KindAnon:
		return o.lookupAnon(ctx, idx)
	case KindFile:
		return o.lookupFile(ctx, idx)
	case KindShadow:
		if forWrite {
			return o.lookupShadowWrite(ctx, idx)
		}
		return o.lookupShadowRead(ctx, idx)
	default:
		panic("mmobj: bad kind")
	}
}

func (o *Mmobj) lookupAnon(ctx context.Context, idx uint64) (frame.ID, defs.Err_t) {
	id, err := o.cache.Get(ctx, o.key(idx), func(f frame.ID) defs.Err_t {
		return o.fillAnon(f)
	})
	if err == 0 {
		o.markResident(idx)
		o.cache.Pin(o.key(idx)) // anonymous pages are never evicted: no backing store
	}
	return id, err
}

func (o *Mmobj) fillAnon(f frame.ID) defs.Err_t {
	data := o.pool.Data(f)
	for i := range data {
		data[i] = 0
	}
	return 0
}

func (o *Mmobj) lookupFile(ctx context.Context, idx uint64) (frame.ID, defs.Err_t) {
	id, err := o.cache.Get(ctx, o.key(idx), func(f frame.ID) defs.Err_t {
		return o.vn.ReadPage(idx, o.pool.Data(f))
	})
	if err == 0 {
		o.markResident(idx)
	}
	return id, err
}

func (o *Mmobj) lookupShadowRead(ctx context.Context, idx uint64) (frame.ID, defs.Err_t) {
	cur := o
	for cur.kind == KindShadow {
		if id, ok := cur.cache.GetResident(ctx, cur.key(idx)); ok {
			return id, 0
		}
		cur = cur.shadowed
	}
	// cur is now the bottom non-shadow object; delegate.
	return cur.LookupPage(ctx, idx, false)
}

func (o *Mmobj) lookupShadowWrite(ctx context.Context, idx uint64) (frame.ID, defs.Err_t) {
	id, err := o.cache.Get(ctx, o.key(idx), func(f frame.ID) defs.Err_t {
		return o.fillShadow(ctx, idx, f)
	})
	if err == 0 {
		o.markResident(idx)
		o.cache.Pin(o.key(idx)) // pinned for the life of the shadow
	}
	return id, err
}

// fillShadow copies the current contents of idx from somewhere in the
// chain below o into dst: walk the chain starting at shadowed, probing
// for a resident copy at each shadow before falling through to the
// bottom object (which may do real I/O).
func (o *Mmobj) fillShadow(ctx context.Context, idx uint64, dst frame.ID) defs.Err_t {
	cur := o.shadowed
	for cur.kind == KindShadow {
		if id, ok := cur.cache.GetResident(ctx, cur.key(idx)); ok {
			copyFrame(o.pool, dst, id)
			return 0
		}
		cur = cur.shadowed
	}
	id, err := cur.LookupPage(ctx, idx, false)
	if err != 0 {
		return err
	}
	copyFrame(o.pool, dst, id)
	return 0
}

func copyFrame(pool *frame.Pool, dst, src frame.ID) {
	copy(pool.Data(dst), pool.Data(src))
}

// DirtyPage marks idx for writeback. No-op for anonymous and shadow
// objects, which have no backing store.
func (o *Mmobj) DirtyPage(idx uint64) {
	if o.kind != KindFile {
		return
	}
	o.cache.Dirty(o.key(idx))
}

// CleanPage writes idx back to the vnode. No-op for anonymous and shadow
// objects.
func (o *Mmobj) CleanPage(idx uint64) defs.Err_t {
	if o.kind != KindFile {
		return 0
	}
	if !o.cache.IsDirty(o.key(idx)) {
		return 0
	}
	id, ok := o.cache.GetResident(context.Background(), o.key(idx))
	if !ok {
		return 0
	}
	if err := o.vn.WritePage(idx, o.pool.Data(id)); err != 0 {
		return err
	}
	o.cache.ClearDirty(o.key(idx))
	return 0
}

// Put releases one reference. refcount here counts only external holders
// (vmareas and shadow-parent links), never resident pages, so every kind
// reaps the same way: once refcount reaches zero, the object is
// unreachable from any live vmarea and must be reaped (each resident page
// unpinned and freed, the object destroyed, and — for a shadow — one
// reference released to its parent).
func (o *Mmobj) Put(ctx context.Context) {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.refcount--
	if o.refcount < 0 {
		panic("mmobj: refcount underflow")
	}
	rc, kind := o.refcount, o.kind
	o.mu.Unlock()

	if rc != 0 {
		return
	}
	parent := o.shadowed
	o.reap(ctx)
	if kind == KindShadow && parent != nil {
		parent.Put(ctx)
	}
}

func (o *Mmobj) reap(ctx context.Context) {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	idxs := make([]uint64, 0, len(o.resident))
	for idx := range o.resident {
		idxs = append(idxs, idx)
	}
	o.resident = nil
	o.mu.Unlock()

	for _, idx := range idxs {
		key := o.key(idx)
		if o.kind == KindFile {
			o.CleanPage(idx)
		}
		if o.kind == KindAnon || o.kind == KindShadow {
			o.cache.Unpin(key)
		}
		o.cache.Free(key)
	}
	log.Debug().Uint64("id", o.id).Str("kind", o.kind.String()).Msg("mmobj reaped")
}
