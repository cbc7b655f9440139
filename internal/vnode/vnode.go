// Package vnode is the minimal stand-in for a "Vnode / filesystem"
// collaborator. The VFS name resolver and on-disk filesystem are out of
// scope for this core; this package implements only what a file-backed
// mmobj needs to do I/O against a vnode: page-granularity read/write. A
// simple in-memory vnode (MemVnode) is provided for tests and the CLI demo
// in place of the real on-disk filesystem.
package vnode

import (
	"sync"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/frame"
)

// Vnode is the subset of vnode operations a file-backed mmobj needs.
// Real Weenix/biscuit vnodes additionally support readdir, link, truncate,
// etc.; those belong to the VFS layer this core treats as external.
type Vnode interface {
	// ReadPage fills dst (exactly frame.PageSize bytes) with the contents
	// of the vnode's page at index idx, zero-filling past EOF.
	ReadPage(idx uint64, dst []byte) defs.Err_t
	// WritePage writes src (exactly frame.PageSize bytes) back to the
	// vnode's page at index idx, growing the vnode if idx lies past the
	// current end.
	WritePage(idx uint64, src []byte) defs.Err_t
	// Size reports the vnode's length in bytes.
	Size() uint64
}

// MemVnode is an in-memory Vnode backed by a growable byte slice, standing
// in for the on-disk filesystem this core does not implement.
type MemVnode struct {
	mu   sync.Mutex
	data []byte
}

// NewMemVnode returns an empty in-memory vnode.
func NewMemVnode() *MemVnode {
	return &MemVnode{}
}

// NewMemVnodeWithData returns an in-memory vnode seeded with data.
func NewMemVnodeWithData(data []byte) *MemVnode {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &MemVnode{data: buf}
}

func (v *MemVnode) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(len(v.data))
}

func (v *MemVnode) ReadPage(idx uint64, dst []byte) defs.Err_t {
	if len(dst) != frame.PageSize {
		panic("vnode: ReadPage requires a full page buffer")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	off := idx * frame.PageSize
	for i := range dst {
		dst[i] = 0
	}
	if off >= uint64(len(v.data)) {
		return 0
	}
	n := copy(dst, v.data[off:])
	_ = n
	return 0
}

func (v *MemVnode) WritePage(idx uint64, src []byte) defs.Err_t {
	if len(src) != frame.PageSize {
		panic("vnode: WritePage requires a full page buffer")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	off := idx * frame.PageSize
	need := off + frame.PageSize
	if uint64(len(v.data)) < need {
		grown := make([]byte, need)
		copy(grown, v.data)
		v.data = grown
	}
	copy(v.data[off:need], src)
	return 0
}

// Snapshot returns a copy of the vnode's current contents, for assertions
// in tests.
func (v *MemVnode) Snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}
