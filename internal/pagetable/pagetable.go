// Package pagetable is the page-table/TLB collaborator: Map,
// UnmapRange, FlushRange, FlushAll, VirtToPhys. Grounded on biscuit's
// mem.go PTE_* flag bits and vm/as.go's Page_insert/Page_remove/Tlbshoot,
// simplified to a plain map since this module has no real hardware MMU to
// program: the map *is* the authoritative translation, so "flushing" is a
// no-op kept only to preserve the collaborator's call shape for callers
// and tests that assert TLB invalidation happened.
package pagetable

import (
	"sync"

	"github.com/FrankSzn/Weenix/internal/frame"
)

// PTEFlags mirrors biscuit's PTE_P/PTE_W/PTE_U bits. There is no COW bit:
// copy-on-write is handled by shadow mmobjs, not by the page table.
type PTEFlags uint

const (
	PTE_PRESENT PTEFlags = 1 << 0
	PTE_WRITE   PTEFlags = 1 << 1
	PTE_USER    PTEFlags = 1 << 2
)

type pte struct {
	frame frame.ID
	flags PTEFlags
}

// Table is one process's simulated hardware page table.
type Table struct {
	mu   sync.Mutex
	ptes map[uint64]pte // vpn -> pte
}

// New returns an empty page table.
func New() *Table {
	return &Table{ptes: make(map[uint64]pte)}
}

// Map installs a translation for vpn. It is the only operation that can
// fail (out of page-table memory in a real MMU); this simulation never
// fails, but keeps the bool return so callers exercise the same failure
// path a real page-fault handler would have to handle.
func (t *Table) Map(vpn uint64, f frame.ID, flags PTEFlags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ptes[vpn] = pte{frame: f, flags: flags | PTE_PRESENT}
	return true
}

// Lookup returns the frame and flags mapped at vpn, if any.
func (t *Table) Lookup(vpn uint64) (frame.ID, PTEFlags, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.ptes[vpn]
	if !ok {
		return 0, 0, false
	}
	return p.frame, p.flags, true
}

// UnmapRange removes translations for [loVpn, loVpn+n).
func (t *Table) UnmapRange(loVpn uint64, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		delete(t.ptes, loVpn+i)
	}
}

// FlushRange invalidates any cached translations for n pages starting at
// vpn. In this simulation the map is authoritative, so there is nothing to
// invalidate; the call exists so call sites mirror biscuit's
// Vm_t.Tlbshoot discipline of flushing after every PTE mutation.
func (t *Table) FlushRange(vpn uint64, n uint64) {}

// FlushAll invalidates every cached translation for this table.
func (t *Table) FlushAll() {}

// VirtToPhys reports the frame backing vpn, if mapped.
func (t *Table) VirtToPhys(vpn uint64) (frame.ID, bool) {
	f, _, ok := t.Lookup(vpn)
	return f, ok
}
