// Package fault implements the page-fault handler: translate
// a faulting virtual address into a resolved, mapped page, or report the
// reason it cannot be resolved so the caller (proc) can decide how to
// terminate the faulting process. Grounded on biscuit's vm.Sys_pgfault
// (vm/as.go), which takes a Vm_t, a faulting address and an error-code
// bitmask and either installs a PTE or returns a segfault/OOM signal;
// this package keeps that same two-argument shape (address, cause) while
// operating on this core's vmmap.Vmmap instead of Vm_t/Pmap_t directly.
package fault

import (
	"context"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/frame"
	"github.com/FrankSzn/Weenix/internal/klog"
	"github.com/FrankSzn/Weenix/internal/vmmap"
)

var log = klog.For("fault")

// Reason classifies why a fault could not be resolved, so proc can choose
// between killing the process (segv/access violation) and killing it for
// resource exhaustion (oom) — two different exit statuses.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNoMapping
	ReasonProtection
	ReasonOOM
	ReasonCancelled
)

// Handle resolves a fault at virtual address vaddr against vm, given the
// hardware-reported cause bitmask (user/write/exec). On success it returns
// (ReasonNone, 0) and the corresponding PTE is installed in vm's table. On
// failure it returns the reason and a negative defs.Err_t.
//
// Steps:
//  1. find the vmarea containing vaddr's page; no such area is a segfault.
//  2. check the fault's cause against the vmarea's protection; a
//     mismatch (a write against a read-only area, an exec against a
//     non-executable area, or any access — including a plain read —
//     against a PROT_NONE area) is a segfault.
//  3. compute page_index and resolve the page through the vmarea's mmobj.
//  4. install a PTE for the resolved frame and flush the TLB for that page.
func Handle(ctx context.Context, vm *vmmap.Vmmap, vaddr uint64, cause defs.FaultCause) (Reason, defs.Err_t) {
	vpn := vaddr / frame.PageSize

	area, ok := vm.Lookup(vpn)
	if !ok {
		log.Debug().Uint64("vpn", vpn).Msg("fault: no vmarea, segfault")
		return ReasonNoMapping, -defs.EFAULT
	}

	if cause.Write() && !area.Prot.Writable() {
		log.Debug().Uint64("vpn", vpn).Msg("fault: write to read-only area, segfault")
		return ReasonProtection, -defs.EFAULT
	}
	if cause.Exec() && !area.Prot.Executable() {
		log.Debug().Uint64("vpn", vpn).Msg("fault: exec of non-executable area, segfault")
		return ReasonProtection, -defs.EFAULT
	}
	if !cause.Write() && !cause.Exec() && !area.Prot.Readable() {
		log.Debug().Uint64("vpn", vpn).Msg("fault: read of a PROT_NONE area, segfault")
		return ReasonProtection, -defs.EFAULT
	}

	_, err := vm.ResolvePage(ctx, area, vpn, cause.Write())
	if err != 0 {
		switch err {
		case -defs.ENOMEM:
			return ReasonOOM, err
		case -defs.EINVAL:
			return ReasonCancelled, err
		default:
			return ReasonNoMapping, err
		}
	}

	vm.Table().FlushRange(vpn, 1)
	return ReasonNone, 0
}
