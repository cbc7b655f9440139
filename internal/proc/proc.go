// Package proc implements the process lifecycle operations that drive
// this core's address-space machinery: Fork, Brk, Mmap/Munmap, and an
// Exit/Waitpid pair so a parent can reap a child. Grounded on biscuit's
// proc.Proc_t (the parent/children tree, wait/exit-status plumbing)
// generalized past its freestanding-kernel specifics onto this core's
// simulated vmmap/mmobj stack.
package proc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/fault"
	"github.com/FrankSzn/Weenix/internal/frame"
	"github.com/FrankSzn/Weenix/internal/klog"
	"github.com/FrankSzn/Weenix/internal/limits"
	"github.com/FrankSzn/Weenix/internal/mmobj"
	"github.com/FrankSzn/Weenix/internal/pagecache"
	"github.com/FrankSzn/Weenix/internal/vmmap"
	"github.com/FrankSzn/Weenix/internal/vnode"
)

var log = klog.For("proc")

var nextPID uint64

// Process is one simulated process: an address space plus the
// parent/child tree and exit-status handshake that are the process's own
// responsibility, everything else (scheduling, file descriptors, signals)
// left to external collaborators this core does not implement.
type Process struct {
	PID uint64
	Vm  *vmmap.Vmmap

	pool  *frame.Pool
	cache *pagecache.Cache

	mu        sync.Mutex
	heapStart uint64
	heapArea  *vmmap.Vmarea
	fileObjs  map[vnode.Vnode]*mmobj.Mmobj
	quota     *limits.Budget // nil: unlimited

	Parent   *Process
	children map[uint64]*Process

	// done is closed exactly once, by Exit, so Waitpid can select on it
	// without the check-then-sleep race a broadcast condition variable
	// would have here: a closed channel is always ready, so a waiter that
	// arrives after Exit still observes it immediately.
	done       chan struct{}
	exitOnce   sync.Once
	exited     bool
	exitStatus defs.ExitStatus
}

// New returns a fresh, address-space-empty process. heapStart is the vpn
// at which Brk begins growing the heap.
func New(pool *frame.Pool, cache *pagecache.Cache, heapStart uint64) *Process {
	return &Process{
		PID:       atomic.AddUint64(&nextPID, 1),
		Vm:        vmmap.Create(pool, cache),
		pool:      pool,
		cache:     cache,
		heapStart: heapStart,
		fileObjs:  make(map[vnode.Vnode]*mmobj.Mmobj),
		children:  make(map[uint64]*Process),
		done:      make(chan struct{}),
	}
}

// SetPageQuota installs a page budget limiting how many pages Mmap and Brk
// growth may commit to this address space; a process with no quota set is
// unlimited. It is not inherited across Fork — each process's budget is
// its own and must be set again for a child that needs one.
func (p *Process) SetPageQuota(maxPages uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quota = limits.NewBudget(maxPages)
}

// Fork creates a child process whose address space is a COW duplicate of
// the parent's: shared areas are shared outright, private
// areas are split onto two fresh shadow objects so parent and child
// diverge independently on write, and NoFork areas are absent from the
// child entirely.
func (p *Process) Fork(ctx context.Context) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()

	child := &Process{
		PID:       atomic.AddUint64(&nextPID, 1),
		Vm:        p.Vm.Fork(ctx),
		pool:      p.pool,
		cache:     p.cache,
		heapStart: p.heapStart,
		fileObjs:  make(map[vnode.Vnode]*mmobj.Mmobj),
		children:  make(map[uint64]*Process),
		done:      make(chan struct{}),
		Parent:    p,
	}

	for vn, obj := range p.fileObjs {
		obj.Ref()
		child.fileObjs[vn] = obj
	}

	if area, ok := child.Vm.Lookup(p.heapStart); ok {
		child.heapArea = area
	}

	p.children[child.PID] = child
	log.Debug().Uint64("parent", p.PID).Uint64("child", child.PID).Msg("fork")
	return child
}

// Brk grows or shrinks the process heap to end at newBrk (a vpn),
// returning the new break. Shrinking below heapStart is
// rejected; growing into a range some other mapping already occupies is
// rejected with ENOMEM rather than silently relocating the heap.
func (p *Process) Brk(ctx context.Context, newBrk uint64) (uint64, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.heapArea == nil {
		if newBrk < p.heapStart {
			return 0, -defs.EINVAL
		}
		if newBrk == p.heapStart {
			return p.heapStart, 0
		}
		grow := newBrk - p.heapStart
		if !p.quota.Take(grow) {
			return 0, -defs.ENOMEM
		}
		obj := mmobj.NewAnon(p.cache, p.pool)
		va, err := p.Vm.Map(ctx, obj, p.heapStart, grow,
			defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
		if err != 0 {
			obj.Put(ctx)
			p.quota.Give(grow)
			return 0, err
		}
		p.heapArea = va
		return newBrk, 0
	}

	cur := p.heapArea.EndVPN
	switch {
	case newBrk == cur:
		return newBrk, 0
	case newBrk > cur:
		grow := newBrk - cur
		if !p.quota.Take(grow) {
			return 0, -defs.ENOMEM
		}
		if err := p.Vm.GrowArea(p.heapArea, newBrk); err != 0 {
			p.quota.Give(grow)
			return 0, err
		}
	default:
		if newBrk < p.heapStart {
			return 0, -defs.EINVAL
		}
		shrink := cur - newBrk
		if err := p.Vm.Remove(ctx, newBrk, shrink); err != 0 {
			return 0, err
		}
		p.quota.Give(shrink)
		if newBrk == p.heapStart {
			p.heapArea = nil
		}
	}
	return newBrk, 0
}

// fileObjForLocked returns the shared mmobj backing vn, creating it on
// first use. The process keeps one permanent reference in fileObjs (so
// the object survives between mappings of the same vnode) in addition to
// the reference returned to the caller for its new mapping.
func (p *Process) fileObjForLocked(vn vnode.Vnode) *mmobj.Mmobj {
	if obj, ok := p.fileObjs[vn]; ok {
		obj.Ref()
		return obj
	}
	obj := mmobj.NewFile(vn, p.cache, p.pool)
	p.fileObjs[vn] = obj
	obj.Ref()
	return obj
}

// Mmap maps a region of the address space: vn == nil requests an anonymous
// mapping; vn != nil with MAP_SHARED maps the vnode's shared object
// directly; vn != nil with MAP_PRIVATE interposes a fresh shadow over it
// so writes stay local to this mapping.
func (p *Process) Mmap(ctx context.Context, vn vnode.Vnode, lopage, npages uint64, prot defs.Prot, flags defs.MapFlags, offsetPages uint64, dir defs.Dir) (uint64, defs.Err_t) {
	if npages == 0 || !flags.Valid() {
		return 0, -defs.EINVAL
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.quota.Take(npages) {
		return 0, -defs.ENOMEM
	}

	var obj *mmobj.Mmobj
	switch {
	case vn == nil:
		obj = mmobj.NewAnon(p.cache, p.pool)
	case flags.Shared():
		obj = p.fileObjForLocked(vn)
	default:
		file := p.fileObjForLocked(vn)
		obj = mmobj.NewShadow(file, file.Bottom(), p.cache, p.pool)
		file.Put(ctx)
	}

	before := int64(p.Vm.UsagePages())
	va, err := p.Vm.Map(ctx, obj, lopage, npages, prot, flags, offsetPages, dir)
	if err != 0 {
		obj.Put(ctx)
		p.quota.Give(npages)
		return 0, err
	}
	// Map may have unmapped an overlapping fixed-address region first, so
	// the net page-count change can be less than npages; true up the quota
	// to what actually landed in the address space.
	delta := int64(p.Vm.UsagePages()) - before
	if refund := int64(npages) - delta; refund > 0 {
		p.quota.Give(uint64(refund))
	}
	return va.StartVPN, 0
}

// Munmap removes [lopage, lopage+npages) from the address space.
// vmmap.Remove already performs every reference release the four
// split/shrink/removal cases require.
func (p *Process) Munmap(ctx context.Context, lopage, npages uint64) defs.Err_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	if npages == 0 {
		return -defs.EINVAL
	}
	before := p.Vm.UsagePages()
	if err := p.Vm.Remove(ctx, lopage, npages); err != 0 {
		return err
	}
	p.quota.Give(before - p.Vm.UsagePages())
	return 0
}

// HandleFault resolves a page fault at vaddr, returning the reason for
// failure (if any) alongside the raw error code.
func (p *Process) HandleFault(ctx context.Context, vaddr uint64, cause defs.FaultCause) (fault.Reason, defs.Err_t) {
	return fault.Handle(ctx, p.Vm, vaddr, cause)
}

// Read copies count bytes from this process's address space starting at
// vaddr into dst, faulting pages in as needed.
func (p *Process) Read(ctx context.Context, vaddr uint64, dst []byte, count int) defs.Err_t {
	return p.Vm.Read(ctx, vaddr, dst, count)
}

// Write copies count bytes from src into this process's address space
// starting at vaddr, faulting pages in as needed and dirtying each one.
func (p *Process) Write(ctx context.Context, vaddr uint64, src []byte, count int) defs.Err_t {
	return p.Vm.Write(ctx, vaddr, src, count)
}

// Exit tears down the address space and the per-vnode file-object cache,
// records the exit status, and wakes anyone in Waitpid. It is idempotent.
func (p *Process) Exit(ctx context.Context, status defs.ExitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exited = true
		p.exitStatus = status
		for _, obj := range p.fileObjs {
			obj.Put(ctx)
		}
		p.fileObjs = nil
		p.mu.Unlock()

		p.Vm.Destroy(ctx)
		close(p.done)
		log.Debug().Uint64("pid", p.PID).Int("status", int(status)).Msg("exit")
	})
}

// Waitpid blocks until child (identified by pid) has exited, or ctx is
// cancelled, returning its exit status.
func (p *Process) Waitpid(ctx context.Context, pid uint64) (defs.ExitStatus, defs.Err_t) {
	p.mu.Lock()
	child, ok := p.children[pid]
	p.mu.Unlock()
	if !ok {
		return 0, -defs.ECHILD
	}

	select {
	case <-child.done:
		p.mu.Lock()
		delete(p.children, pid)
		p.mu.Unlock()
		child.mu.Lock()
		status := child.exitStatus
		child.mu.Unlock()
		return status, 0
	case <-ctx.Done():
		return 0, -defs.EINVAL
	}
}
