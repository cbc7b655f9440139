// Package frame is the physical page-frame allocator, treated as an
// external collaborator the rest of the tree only needs a narrow handle
// into: this package is the minimum stand-in needed to make the rest of
// the tree testable, modeled
// on biscuit's mem.Physmem_t (a free-list of reference-counted pages) but
// using plain heap allocation in place of biscuit's direct-mapped physical
// memory and patched-runtime page tables, since this module is a hosted
// simulation rather than freestanding kernel code. A pool built with
// NewPoolWithLimit caps live frames and makes AllocNoZeroWait block on a
// sched.WaitQueue rather than fail outright once the cap is hit, the same
// signal-on-free shape as biscuit's oommsg out-of-memory channel.
package frame

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/sched"
)

// PageSize is the size of a single page in bytes.
const PageSize = 4096

// ID is an opaque handle to an allocated frame. The zero value is never a
// valid allocated frame.
type ID uint64

type slot struct {
	data   [PageSize]byte
	refcnt int32
}

// Pool is a free-list of reference-counted page frames, analogous to
// biscuit's Physmem_t but backed by ordinary Go memory.
type Pool struct {
	mu     sync.Mutex
	slots  map[ID]*slot
	nextID uint64

	limit uint64          // 0: unbounded
	oom   *sched.WaitQueue // woken whenever a frame is freed, nil when unbounded
}

// NewPool returns an empty frame pool with no limit on live frames.
func NewPool() *Pool {
	return &Pool{slots: make(map[ID]*slot)}
}

// NewPoolWithLimit returns a frame pool capped at max live frames at once.
// The cap is enforced by AllocNoZeroWait, which sleeps on the pool's wait
// queue until a frame is freed elsewhere, the same shape as biscuit's oommsg
// out-of-memory signaling channel generalized to one pool instead of one
// global signal. Alloc and AllocNoZero do not check the cap.
func NewPoolWithLimit(max uint64) *Pool {
	return &Pool{slots: make(map[ID]*slot), limit: max, oom: sched.NewWaitQueue()}
}

// Alloc returns a freshly zeroed frame with refcount 1.
func (p *Pool) Alloc() ID {
	return p.alloc(true)
}

// AllocNoZero returns a frame with unspecified contents and refcount 1.
// Callers (shadow/file fill_page) are expected to overwrite the whole page.
func (p *Pool) AllocNoZero() ID {
	return p.alloc(false)
}

func (p *Pool) alloc(zero bool) ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := ID(p.nextID)
	s := &slot{refcnt: 1}
	p.slots[id] = s
	_ = zero // heap allocation is already zeroed; kept for documentation parity with biscuit's Refpg_new vs Refpg_new_nozero split
	return id
}

// AllocNoZeroWait is AllocNoZero for a bounded pool: if the pool is at its
// limit, it blocks on the pool's wait queue until a frame is freed or ctx is
// cancelled, rather than failing immediately. Pools created with NewPool
// (unbounded) never block here.
func (p *Pool) AllocNoZeroWait(ctx context.Context) (ID, defs.Err_t) {
	for {
		p.mu.Lock()
		if p.limit == 0 || uint64(len(p.slots)) < p.limit {
			p.nextID++
			id := ID(p.nextID)
			p.slots[id] = &slot{refcnt: 1}
			p.mu.Unlock()
			return id, 0
		}
		p.mu.Unlock()
		if !p.oom.Sleep(ctx) {
			return 0, -defs.EINVAL
		}
	}
}

func (p *Pool) get(id ID) *slot {
	p.mu.Lock()
	s := p.slots[id]
	p.mu.Unlock()
	if s == nil {
		panic("frame: use of unknown or freed frame id")
	}
	return s
}

// Data returns the raw byte storage for a frame. The slice aliases the
// frame's backing array; callers hold it only while the frame is pinned.
func (p *Pool) Data(id ID) []byte {
	return p.get(id).data[:]
}

// Ref increments a frame's reference count.
func (p *Pool) Ref(id ID) {
	s := p.get(id)
	if atomic.AddInt32(&s.refcnt, 1) <= 1 {
		panic("frame: ref of dead frame")
	}
}

// Unref decrements a frame's reference count, freeing and returning true
// when it reaches zero.
func (p *Pool) Unref(id ID) bool {
	s := p.get(id)
	c := atomic.AddInt32(&s.refcnt, -1)
	if c < 0 {
		panic("frame: negative refcount")
	}
	if c > 0 {
		return false
	}
	p.mu.Lock()
	delete(p.slots, id)
	p.mu.Unlock()
	if p.oom != nil {
		p.oom.Wake()
	}
	return true
}

// RefCount reports a frame's current reference count.
func (p *Pool) RefCount(id ID) int {
	return int(atomic.LoadInt32(&p.get(id).refcnt))
}

// Live reports the number of frames currently allocated, for diagnostics.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
