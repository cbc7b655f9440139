package vmmap

import (
	"container/list"
	"context"
	"sync"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/frame"
	"github.com/FrankSzn/Weenix/internal/mmobj"
	"github.com/FrankSzn/Weenix/internal/pagecache"
	"github.com/FrankSzn/Weenix/internal/pagetable"
)

// User address space bounds, in page numbers. Page 0 is reserved (a null
// dereference must never resolve to a mapping), matching the spirit of
// biscuit's mem.USERMIN guard.
const (
	UserLowVPN  uint64 = 16
	UserHighVPN uint64 = 1 << 36
)

// Vmmap is one process's address-space map: an ordered, disjoint list of
// vmareas plus the simulated page table that realizes them in hardware.
type Vmmap struct {
	mu    sync.Mutex
	list  *list.List // elements are *Vmarea, kept sorted ascending by StartVPN
	pt    *pagetable.Table
	pool  *frame.Pool
	cache *pagecache.Cache

	usagePages uint64

	// OwnerPID is a back-pointer to the owning process, by id rather than
	// pointer to keep this package independent of proc.
	OwnerPID uint64
}

// Create returns an empty vmmap with no owning process, sharing pool and
// cache with every other address space in the running instance.
func Create(pool *frame.Pool, cache *pagecache.Cache) *Vmmap {
	return &Vmmap{list: list.New(), pt: pagetable.New(), pool: pool, cache: cache}
}

// Table returns the simulated page table backing this address space, for
// the fault package and for tests asserting PTE/TLB behavior.
func (vm *Vmmap) Table() *pagetable.Table { return vm.pt }

// UsagePages reports the total mapped page count, cached the way gVisor
// caches vmas.Span() as usageAS.
func (vm *Vmmap) UsagePages() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.usagePages
}

// Areas returns a snapshot of every vmarea currently in the map, ordered
// ascending by start address, for diagnostics (e.g. weenixctl maps). The
// returned slice is a copy; mutating it does not affect the map.
func (vm *Vmmap) Areas() []*Vmarea {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	areas := make([]*Vmarea, 0, vm.list.Len())
	for e := vm.list.Front(); e != nil; e = e.Next() {
		areas = append(areas, e.Value.(*Vmarea))
	}
	return areas
}

// Destroy releases every vmarea's mmobj reference and frees every vmarea,
// then empties the map.
func (vm *Vmmap) Destroy(ctx context.Context) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for e := vm.list.Front(); e != nil; e = e.Next() {
		va := e.Value.(*Vmarea)
		va.Mmobj.Bottom().RemoveBottomArea(va.id)
		va.Mmobj.Put(ctx)
	}
	vm.list.Init()
	vm.usagePages = 0
	vm.pt.FlushAll()
}

func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	return aStart < bEnd && bStart < aEnd
}

// insertLocked inserts va in ascending order. Precondition: va's range
// must be disjoint from every existing area; violating it is a fatal
// invariant violation, not a recoverable error.
func (vm *Vmmap) insertLocked(va *Vmarea) {
	for e := vm.list.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*Vmarea)
		if overlaps(va.StartVPN, va.EndVPN, cur.StartVPN, cur.EndVPN) {
			panic("vmmap: insert of overlapping vmarea")
		}
		if va.EndVPN <= cur.StartVPN {
			vm.list.InsertBefore(va, e)
			return
		}
	}
	vm.list.PushBack(va)
}

// Insert adds va to the map. See insertLocked for the disjointness
// precondition.
func (vm *Vmmap) Insert(va *Vmarea) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.insertLocked(va)
	vm.usagePages += va.Npages()
}

// FindRange performs a first-fit search of unmapped space in
// [UserLowVPN, UserHighVPN) for a gap of at least npages, returning its
// start vpn. dir selects whether the lowest-address or highest-address
// qualifying gap is returned.
func (vm *Vmmap) FindRange(npages uint64, dir defs.Dir) (uint64, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.findRangeLocked(npages, dir)
}

func (vm *Vmmap) findRangeLocked(npages uint64, dir defs.Dir) (uint64, bool) {
	type gap struct{ start, end uint64 }
	var gaps []gap
	prevEnd := UserLowVPN
	for e := vm.list.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*Vmarea)
		if cur.StartVPN > prevEnd {
			gaps = append(gaps, gap{prevEnd, cur.StartVPN})
		}
		if cur.EndVPN > prevEnd {
			prevEnd = cur.EndVPN
		}
	}
	if UserHighVPN > prevEnd {
		gaps = append(gaps, gap{prevEnd, UserHighVPN})
	}

	switch dir {
	case DirLowest:
		for _, g := range gaps {
			if g.end-g.start >= npages {
				return g.start, true
			}
		}
	case DirHighest:
		for i := len(gaps) - 1; i >= 0; i-- {
			g := gaps[i]
			if g.end-g.start >= npages {
				return g.end - npages, true
			}
		}
	}
	return 0, false
}

// DirLowest/DirHighest re-export defs.Dir's values for callers that only
// import vmmap.
const (
	DirLowest  = defs.DirLowest
	DirHighest = defs.DirHighest
)

// Lookup returns the vmarea containing vpn, if any.
func (vm *Vmmap) Lookup(vpn uint64) (*Vmarea, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.lookupLocked(vpn)
}

func (vm *Vmmap) lookupLocked(vpn uint64) (*Vmarea, bool) {
	for e := vm.list.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*Vmarea)
		if cur.Contains(vpn) {
			return cur, true
		}
		if cur.StartVPN > vpn {
			break
		}
	}
	return nil, false
}

// IsRangeEmpty reports whether no vmarea overlaps [start, start+npages).
func (vm *Vmmap) IsRangeEmpty(start, npages uint64) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.isRangeEmptyLocked(start, npages)
}

func (vm *Vmmap) isRangeEmptyLocked(start, npages uint64) bool {
	end := start + npages
	for e := vm.list.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*Vmarea)
		if overlaps(start, end, cur.StartVPN, cur.EndVPN) {
			return false
		}
	}
	return true
}

// Fork builds a child address space from vm. A NoFork area
// is skipped entirely: the child gets no corresponding mapping. A shared
// area is simply duplicated onto the same mmobj (one more reference). A
// private area is COW-duplicated: two fresh shadow objects are interposed
// over its current object, one for the parent's area and one for the
// child's, so that parent and child immediately diverge on write without
// needing to copy a single byte up front.
func (vm *Vmmap) Fork(ctx context.Context) *Vmmap {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	child := Create(vm.pool, vm.cache)
	for e := vm.list.Front(); e != nil; e = e.Next() {
		src := e.Value.(*Vmarea)
		if src.NoFork {
			continue
		}

		if src.Flags.Shared() {
			src.Mmobj.Ref()
			dst := src.clone()
			dst.Mmobj.Bottom().AddBottomArea(dst.id)
			child.list.PushBack(dst)
			child.usagePages += dst.Npages()
			continue
		}

		old := src.Mmobj
		bottom := old.Bottom()
		parentShadow := mmobj.NewShadow(old, bottom, vm.cache, vm.pool)
		childShadow := mmobj.NewShadow(old, bottom, vm.cache, vm.pool)
		old.Put(ctx) // release src's prior reference; parentShadow holds its own

		src.Mmobj = parentShadow
		dst := src.clone()
		dst.Mmobj = childShadow
		bottom.AddBottomArea(dst.id)

		// Parent's existing PTEs for this area may point straight at
		// old's frames with write permission; both must be forced to
		// re-fault through the freshly interposed shadow.
		vm.pt.UnmapRange(src.StartVPN, src.Npages())

		child.list.PushBack(dst)
		child.usagePages += dst.Npages()
	}
	vm.pt.FlushAll()
	return child
}

// Map builds a vmarea over obj and inserts it.
// If lopage == 0 a range is chosen with FindRange; otherwise an existing
// overlapping mapping, if any, is unmapped first. obj must already carry
// the reference this vmarea will hold (the caller picks/builds it: a
// fresh anonymous object, a shared file object, or a fresh shadow over a
// file object for a private file mapping — that policy lives in proc,
// one layer up, since it needs the per-vnode file-object cache).
func (vm *Vmmap) Map(ctx context.Context, obj *mmobj.Mmobj, lopage, npages uint64, prot defs.Prot, flags defs.MapFlags, offsetPages uint64, dir defs.Dir) (*Vmarea, defs.Err_t) {
	if npages == 0 || !flags.Valid() {
		return nil, -defs.EINVAL
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	var start uint64
	if lopage == 0 {
		s, ok := vm.findRangeLocked(npages, dir)
		if !ok {
			return nil, -defs.ENOMEM
		}
		start = s
	} else {
		start = lopage
		if start < UserLowVPN || start+npages > UserHighVPN {
			return nil, -defs.EINVAL
		}
		if !vm.isRangeEmptyLocked(start, npages) {
			vm.removeLocked(ctx, start, npages)
		}
	}

	va := newVmarea(start, start+npages, offsetPages, prot, flags, obj)
	obj.Bottom().AddBottomArea(va.id)
	vm.insertLocked(va)
	vm.usagePages += va.Npages()

	vm.pt.UnmapRange(start, npages)
	vm.pt.FlushRange(start, npages)
	return va, 0
}

// GrowArea extends va's end to newEnd in place, provided the additional
// range is unmapped. brk uses this to grow the heap without relocating
// it; nothing else in this core calls it, since every other mapping
// operation replaces rather than resizes an area.
func (vm *Vmmap) GrowArea(va *Vmarea, newEnd uint64) defs.Err_t {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if newEnd <= va.EndVPN {
		return -defs.EINVAL
	}
	if newEnd > UserHighVPN {
		return -defs.ENOMEM
	}
	if !vm.isRangeEmptyLocked(va.EndVPN, newEnd-va.EndVPN) {
		return -defs.ENOMEM
	}
	vm.usagePages += newEnd - va.EndVPN
	va.EndVPN = newEnd
	return 0
}

// Remove excises [lopage, lopage+npages) from every overlapping vmarea,
// covering four cases: strictly-inside split, tail shorten, head advance,
// and whole-area removal.
func (vm *Vmmap) Remove(ctx context.Context, lopage, npages uint64) defs.Err_t {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.removeLocked(ctx, lopage, npages)
	return 0
}

func (vm *Vmmap) removeLocked(ctx context.Context, lopage, npages uint64) {
	lo, hi := lopage, lopage+npages
	var next *list.Element
	for e := vm.list.Front(); e != nil; e = next {
		next = e.Next()
		area := e.Value.(*Vmarea)
		aStart, aEnd := area.StartVPN, area.EndVPN
		if !overlaps(lo, hi, aStart, aEnd) {
			continue
		}

		fullyCovered := lo <= aStart && aEnd <= hi
		switch {
		case fullyCovered:
			area.Mmobj.Bottom().RemoveBottomArea(area.id)
			area.Mmobj.Put(ctx)
			vm.usagePages -= area.Npages()
			vm.list.Remove(e)
		case aStart < lo && hi < aEnd:
			// case 1: range strictly inside -> split into two areas
			// sharing a new reference on the mmobj.
			second := newVmarea(hi, aEnd, area.OffsetPages+(hi-aStart), area.Prot, area.Flags, area.Mmobj)
			second.NoFork = area.NoFork
			area.Mmobj.Ref()
			area.Mmobj.Bottom().AddBottomArea(second.id)
			removed := aEnd - lo // the gap plus the original tail, shrunk below
			area.EndVPN = lo
			vm.usagePages -= removed
			vm.list.InsertAfter(second, e)
			vm.usagePages += second.Npages()
		case aStart < lo && hi >= aEnd:
			// case 2: range covers the tail -> shorten end_vpn.
			vm.usagePages -= aEnd - lo
			area.EndVPN = lo
		case aStart >= lo && hi < aEnd:
			// case 3: range covers the head -> advance start_vpn and
			// offset_pages together.
			vm.usagePages -= hi - aStart
			area.OffsetPages += hi - area.StartVPN
			area.StartVPN = hi
		default:
			panic("vmmap: unreachable overlap case")
		}
	}
	vm.pt.UnmapRange(lo, npages)
	vm.pt.FlushRange(lo, npages)
}

// ResolvePage resolves page vpn within area, forcing it resident and
// installing a PTE. It performs no permission checks: fault.Handle checks
// the area's protection before calling it, while Read and Write are
// trusted kernel-side accessors and check nothing.
func (vm *Vmmap) ResolvePage(ctx context.Context, area *Vmarea, vpn uint64, forWrite bool) (frame.ID, defs.Err_t) {
	idx := area.PageIndex(vpn)
	area.recordFault(vpn)
	f, err := area.Mmobj.LookupPage(ctx, idx, forWrite)
	if err != 0 {
		return 0, err
	}
	writable := forWrite && area.Prot.Writable()
	flags := pagetable.PTE_USER
	if writable {
		flags |= pagetable.PTE_WRITE
	}
	if !vm.pt.Map(vpn, f, flags) {
		return 0, -defs.ENOMEM
	}
	if forWrite {
		area.Mmobj.DirtyPage(idx)
	}
	return f, 0
}

// Read copies count bytes from vaddr in this address space into dst.
// Callers are trusted; no permission checks are performed.
func (vm *Vmmap) Read(ctx context.Context, vaddr uint64, dst []byte, count int) defs.Err_t {
	return vm.rw(ctx, vaddr, dst[:count], false)
}

// Write copies count bytes from src into vaddr in this address space,
// dirtying each touched page.
func (vm *Vmmap) Write(ctx context.Context, vaddr uint64, src []byte, count int) defs.Err_t {
	return vm.rw(ctx, vaddr, src[:count], true)
}

func (vm *Vmmap) rw(ctx context.Context, vaddr uint64, buf []byte, write bool) defs.Err_t {
	remaining := buf
	addr := vaddr
	for len(remaining) > 0 {
		vpn := addr / frame.PageSize
		voff := addr % frame.PageSize

		vm.mu.Lock()
		area, ok := vm.lookupLocked(vpn)
		if !ok {
			vm.mu.Unlock()
			return -defs.EFAULT
		}
		f, err := vm.ResolvePage(ctx, area, vpn, write)
		vm.mu.Unlock()
		if err != 0 {
			return err
		}

		page := vm.pool.Data(f)
		n := frame.PageSize - int(voff)
		if n > len(remaining) {
			n = len(remaining)
		}
		if write {
			copy(page[voff:int(voff)+n], remaining[:n])
		} else {
			copy(remaining[:n], page[voff:int(voff)+n])
		}
		remaining = remaining[n:]
		addr += uint64(n)
	}
	return 0
}
