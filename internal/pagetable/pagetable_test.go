package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/FrankSzn/Weenix/internal/frame"
)

func TestMapThenLookup(t *testing.T) {
	tbl := New()
	ok := tbl.Map(10, frame.ID(1), PTE_USER|PTE_WRITE)
	assert.True(t, ok)

	f, flags, found := tbl.Lookup(10)
	assert.True(t, found)
	assert.Equal(t, frame.ID(1), f)
	assert.True(t, flags&PTE_PRESENT != 0)
	assert.True(t, flags&PTE_WRITE != 0)
}

func TestLookupMissing(t *testing.T) {
	tbl := New()
	_, _, found := tbl.Lookup(99)
	assert.False(t, found)
}

func TestUnmapRangeRemovesOnlyThatRange(t *testing.T) {
	tbl := New()
	for vpn := uint64(0); vpn < 5; vpn++ {
		tbl.Map(vpn, frame.ID(vpn+1), PTE_USER)
	}
	tbl.UnmapRange(1, 2) // removes vpn 1,2

	for vpn := uint64(0); vpn < 5; vpn++ {
		_, _, found := tbl.Lookup(vpn)
		if vpn == 1 || vpn == 2 {
			assert.False(t, found, "vpn %d should have been unmapped", vpn)
		} else {
			assert.True(t, found, "vpn %d should still be mapped", vpn)
		}
	}
}

func TestRemapOverwritesTranslation(t *testing.T) {
	tbl := New()
	tbl.Map(4, frame.ID(1), PTE_USER)
	tbl.Map(4, frame.ID(2), PTE_USER|PTE_WRITE)

	f, flags, found := tbl.Lookup(4)
	assert.True(t, found)
	assert.Equal(t, frame.ID(2), f)
	assert.True(t, flags&PTE_WRITE != 0)
}

func TestVirtToPhys(t *testing.T) {
	tbl := New()
	tbl.Map(7, frame.ID(42), PTE_USER)

	f, ok := tbl.VirtToPhys(7)
	assert.True(t, ok)
	assert.Equal(t, frame.ID(42), f)

	_, ok = tbl.VirtToPhys(8)
	assert.False(t, ok)
}
