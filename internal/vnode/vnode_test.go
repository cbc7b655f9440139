package vnode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FrankSzn/Weenix/internal/frame"
)

func TestReadPagePastEOFIsZeroFilled(t *testing.T) {
	v := NewMemVnode()
	dst := make([]byte, frame.PageSize)
	for i := range dst {
		dst[i] = 0xFF // ensure ReadPage actually clears it, not just leaves it
	}
	err := v.ReadPage(3, dst)
	require.Zero(t, err)
	for _, b := range dst {
		assert.Zero(t, b)
	}
}

func TestWritePageThenReadPageRoundTrips(t *testing.T) {
	v := NewMemVnode()
	src := make([]byte, frame.PageSize)
	src[0], src[1] = 'h', 'i'

	err := v.WritePage(0, src)
	require.Zero(t, err)

	dst := make([]byte, frame.PageSize)
	err = v.ReadPage(0, dst)
	require.Zero(t, err)
	assert.Equal(t, src, dst)
}

func TestWritePageGrowsVnode(t *testing.T) {
	v := NewMemVnode()
	assert.Equal(t, uint64(0), v.Size())

	src := make([]byte, frame.PageSize)
	require.Zero(t, v.WritePage(2, src))
	assert.Equal(t, uint64(3*frame.PageSize), v.Size())
}

func TestNewMemVnodeWithDataSeedsContent(t *testing.T) {
	seed := make([]byte, frame.PageSize)
	seed[10] = 'x'
	v := NewMemVnodeWithData(seed)

	dst := make([]byte, frame.PageSize)
	require.Zero(t, v.ReadPage(0, dst))
	assert.Equal(t, byte('x'), dst[10])
}

func TestSnapshotIsACopy(t *testing.T) {
	v := NewMemVnode()
	src := make([]byte, frame.PageSize)
	require.Zero(t, v.WritePage(0, src))

	snap := v.Snapshot()
	snap[0] = 'z'

	dst := make([]byte, frame.PageSize)
	require.Zero(t, v.ReadPage(0, dst))
	assert.Zero(t, dst[0], "mutating the snapshot must not affect the vnode")
}
