// Package vmmap implements the core address-space map: the ordered,
// disjoint collection of vmareas that make up one process's address
// space, plus the operations that mutate it (Create, Insert, FindRange,
// Lookup, Fork, Map, Remove, IsRangeEmpty, Read, Write). Grounded on
// biscuit's vm.Vm_t (vm/as.go), which fuses the vma list with the
// page-table handle in one mutex-protected struct; this package does the
// same, folding the page-directory handle into the Vmmap itself rather
// than into Process, exactly as biscuit's Vm_t embeds both Vmregion_t
// and Pmap_t/P_pmap together.
package vmmap

import (
	"sync/atomic"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/mmobj"
)

var nextAreaID uint64

// Vmarea is a contiguous run of virtual pages bound to a window in one
// mmobj, with one protection and sharing policy.
type Vmarea struct {
	id uint64

	StartVPN uint64 // inclusive
	EndVPN   uint64 // exclusive

	OffsetPages uint64 // first page index within Mmobj's window

	Prot  defs.Prot
	Flags defs.MapFlags // Shared()/Private() meaningful; Fixed()/Anon() are mmap-time-only

	Mmobj *mmobj.Mmobj

	// NoFork marks an area that fork should skip entirely: neither parent
	// nor child gets a shadow interposed, and the area is absent from the
	// child. Grounded on gVisor's vma.dontfork.
	NoFork bool

	lastFaultVPN uint64
	everFaulted  bool
}

func newVmarea(start, end, offset uint64, prot defs.Prot, flags defs.MapFlags, obj *mmobj.Mmobj) *Vmarea {
	return &Vmarea{
		id:          atomic.AddUint64(&nextAreaID, 1),
		StartVPN:    start,
		EndVPN:      end,
		OffsetPages: offset,
		Prot:        prot,
		Flags:       flags,
		Mmobj:       obj,
	}
}

// ID returns the vmarea's identity, used as the bottom-area registration
// token with its mmobj.
func (v *Vmarea) ID() uint64 { return v.id }

// Npages returns the area's length in pages.
func (v *Vmarea) Npages() uint64 { return v.EndVPN - v.StartVPN }

// Contains reports whether vpn falls within this area.
func (v *Vmarea) Contains(vpn uint64) bool {
	return vpn >= v.StartVPN && vpn < v.EndVPN
}

// PageIndex translates a vpn within this area to an index into its mmobj's
// window: page_index = vpn - start_vpn + offset_pages.
func (v *Vmarea) PageIndex(vpn uint64) uint64 {
	if !v.Contains(vpn) {
		panic("vmarea: vpn not contained in area")
	}
	return vpn - v.StartVPN + v.OffsetPages
}

// recordFault records vpn as this area's most recent fault address, a
// pure diagnostic hint with no effect on fault resolution, grounded on
// gVisor's vma.lastFault.
func (v *Vmarea) recordFault(vpn uint64) {
	v.lastFaultVPN = vpn
	v.everFaulted = true
}

// LastFault reports the most recently faulted vpn in this area, if any.
func (v *Vmarea) LastFault() (uint64, bool) {
	return v.lastFaultVPN, v.everFaulted
}

// clone returns a shallow structural copy sharing the same Mmobj pointer
// (the caller is responsible for Ref()ing it); used by Vmmap.Fork.
func (v *Vmarea) clone() *Vmarea {
	return &Vmarea{
		id:          atomic.AddUint64(&nextAreaID, 1),
		StartVPN:    v.StartVPN,
		EndVPN:      v.EndVPN,
		OffsetPages: v.OffsetPages,
		Prot:        v.Prot,
		Flags:       v.Flags,
		Mmobj:       v.Mmobj,
		NoFork:      v.NoFork,
	}
}
