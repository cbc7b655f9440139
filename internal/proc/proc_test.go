package proc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/frame"
	"github.com/FrankSzn/Weenix/internal/pagecache"
	"github.com/FrankSzn/Weenix/internal/vmmap"
	"github.com/FrankSzn/Weenix/internal/vnode"
)

const demoHeapStart = vmmap.UserLowVPN + (1 << 16)

func newEnv() (*frame.Pool, *pagecache.Cache) {
	pool := frame.NewPool()
	return pool, pagecache.New(pool)
}

func TestAnonPrivateMappingReadsBackItsWrite(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()

	addr, err := p.Mmap(ctx, nil, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	require.Zero(t, err)

	want := []byte("hello, weenix")
	require.Zero(t, p.Write(ctx, addr*frame.PageSize, want, len(want)))

	got := make([]byte, len(want))
	require.Zero(t, p.Read(ctx, addr*frame.PageSize, got, len(got)))
	assert.Equal(t, want, got)
}

func TestForkCOWParentAndChildDiverge(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()

	addr, err := p.Mmap(ctx, nil, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	require.Zero(t, err)
	require.Zero(t, p.Write(ctx, addr*frame.PageSize, []byte("parent"), 6))

	child := p.Fork(ctx)

	require.Zero(t, p.Write(ctx, addr*frame.PageSize, []byte("AAAAAA"), 6))
	require.Zero(t, child.Write(ctx, addr*frame.PageSize, []byte("bbbbbb"), 6))

	parentGot := make([]byte, 6)
	childGot := make([]byte, 6)
	require.Zero(t, p.Read(ctx, addr*frame.PageSize, parentGot, 6))
	require.Zero(t, child.Read(ctx, addr*frame.PageSize, childGot, 6))

	assert.Equal(t, "AAAAAA", string(parentGot))
	assert.Equal(t, "bbbbbb", string(childGot))
}

func TestSharedFileMappingIsMutuallyVisible(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()
	vn := vnode.NewMemVnode()

	addr1, err := p.Mmap(ctx, vn, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_SHARED, 0, defs.DirLowest)
	require.Zero(t, err)
	addr2, err := p.Mmap(ctx, vn, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_SHARED, 0, defs.DirLowest)
	require.Zero(t, err)
	assert.NotEqual(t, addr1, addr2, "two independent mmap calls must not collide")

	require.Zero(t, p.Write(ctx, addr1*frame.PageSize, []byte("shared"), 6))
	got := make([]byte, 6)
	require.Zero(t, p.Read(ctx, addr2*frame.PageSize, got, 6))
	assert.Equal(t, "shared", string(got))
}

func TestPrivateFileMappingStaysLocalToWriter(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()
	vn := vnode.NewMemVnodeWithData(make([]byte, frame.PageSize))

	addr, err := p.Mmap(ctx, vn, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE, 0, defs.DirLowest)
	require.Zero(t, err)
	require.Zero(t, p.Write(ctx, addr*frame.PageSize, []byte("private"), 7))

	assert.NotEqual(t, byte('p'), vn.Snapshot()[0], "a MAP_PRIVATE write must never reach the vnode")
}

func TestBrkGrowsAndShrinks(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()

	grown, err := p.Brk(ctx, demoHeapStart+3)
	require.Zero(t, err)
	assert.Equal(t, demoHeapStart+3, grown)

	require.Zero(t, p.Write(ctx, demoHeapStart*frame.PageSize, []byte("heap"), 4))

	shrunk, err := p.Brk(ctx, demoHeapStart+1)
	require.Zero(t, err)
	assert.Equal(t, demoHeapStart+1, shrunk)

	_, ok := p.Vm.Lookup(demoHeapStart + 2)
	assert.False(t, ok, "pages beyond the shrunk break must be unmapped")
}

func TestBrkBackToHeapStartClearsHeapArea(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()

	_, err := p.Brk(ctx, demoHeapStart+2)
	require.Zero(t, err)
	_, err = p.Brk(ctx, demoHeapStart)
	require.Zero(t, err)
	assert.Nil(t, p.heapArea)

	// growing again after a full shrink must still work, not confuse Brk's
	// "heapArea == nil" first-growth path.
	grown, err := p.Brk(ctx, demoHeapStart+1)
	require.Zero(t, err)
	assert.Equal(t, demoHeapStart+1, grown)
}

func TestMunmapSplitsMappingLeavingEndsIndependent(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()

	const npages = 5
	addr, err := p.Mmap(ctx, nil, 0, npages, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	require.Zero(t, err)
	for i := uint64(0); i < npages; i++ {
		require.Zero(t, p.Write(ctx, (addr+i)*frame.PageSize, []byte{byte('0' + i)}, 1))
	}

	require.Zero(t, p.Munmap(ctx, addr+2, 1))

	_, headOK := p.Vm.Lookup(addr + 1)
	_, holeOK := p.Vm.Lookup(addr + 2)
	_, tailOK := p.Vm.Lookup(addr + 3)
	assert.True(t, headOK)
	assert.False(t, holeOK)
	assert.True(t, tailOK)

	headByte := make([]byte, 1)
	tailByte := make([]byte, 1)
	require.Zero(t, p.Read(ctx, (addr+1)*frame.PageSize, headByte, 1))
	require.Zero(t, p.Read(ctx, (addr+3)*frame.PageSize, tailByte, 1))
	assert.Equal(t, byte('1'), headByte[0])
	assert.Equal(t, byte('3'), tailByte[0])
}

func TestShadowChainOfSeveralForksStillResolves(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()

	addr, err := p.Mmap(ctx, nil, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	require.Zero(t, err)
	require.Zero(t, p.Write(ctx, addr*frame.PageSize, []byte("root"), 4))

	cur := p
	for i := 0; i < 6; i++ {
		cur = cur.Fork(ctx)
	}

	got := make([]byte, 4)
	require.Zero(t, cur.Read(ctx, addr*frame.PageSize, got, 4))
	assert.Equal(t, "root", string(got))
}

func TestWaitpidReturnsExitStatusAfterExit(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()
	child := p.Fork(ctx)

	done := make(chan struct{})
	go func() {
		child.Exit(ctx, defs.ExitStatus(7))
		close(done)
	}()
	<-done

	status, err := p.Waitpid(ctx, child.PID)
	require.Zero(t, err)
	assert.Equal(t, defs.ExitStatus(7), status)
}

func TestWaitpidOnUnknownChildIsECHILD(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	_, err := p.Waitpid(context.Background(), 9999)
	assert.Equal(t, -defs.ECHILD, err)
}

func TestWaitpidRaceArrivingBeforeExit(t *testing.T) {
	// Regression test: a waiter that calls Waitpid before Exit runs must
	// still observe the exit, not block forever on a one-shot event it
	// missed.
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()
	child := p.Fork(ctx)

	result := make(chan defs.ExitStatus, 1)
	go func() {
		status, err := p.Waitpid(ctx, child.PID)
		require.Zero(t, err)
		result <- status
	}()

	time.Sleep(10 * time.Millisecond) // let Waitpid block on <-child.done first
	child.Exit(ctx, defs.ExitStatus(3))

	select {
	case status := <-result:
		assert.Equal(t, defs.ExitStatus(3), status)
	case <-time.After(time.Second):
		t.Fatal("Waitpid never observed the exit")
	}
}

func TestWaitpidCancellation(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()
	child := p.Fork(ctx)

	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Waitpid(cancelCtx, child.PID)
	assert.Equal(t, -defs.EINVAL, err)
}

func TestPageQuotaRejectsOversizedMmap(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	p.SetPageQuota(2)
	ctx := context.Background()

	_, err := p.Mmap(ctx, nil, 0, 3, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	assert.Equal(t, -defs.ENOMEM, err)

	addr, err := p.Mmap(ctx, nil, 0, 2, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	require.Zero(t, err)
	assert.NotZero(t, addr)

	_, err = p.Mmap(ctx, nil, 0, 1, defs.PROT_READ, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	assert.Equal(t, -defs.ENOMEM, err, "the budget is now exhausted")
}

func TestPageQuotaRefundedOnMunmap(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	p.SetPageQuota(2)
	ctx := context.Background()

	addr, err := p.Mmap(ctx, nil, 0, 2, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	require.Zero(t, err)
	require.Zero(t, p.Munmap(ctx, addr, 2))

	_, err = p.Mmap(ctx, nil, 0, 2, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	assert.Zero(t, err, "munmap must have returned the pages to the budget")
}

func TestConcurrentFaultsOnDistinctProcessesDoNotRace(t *testing.T) {
	pool, cache := newEnv()
	p := New(pool, cache, demoHeapStart)
	ctx := context.Background()

	addr, err := p.Mmap(ctx, nil, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	require.Zero(t, err)
	require.Zero(t, p.Write(ctx, addr*frame.PageSize, []byte("seed"), 4))

	const nchildren = 8
	children := make([]*Process, nchildren)
	for i := range children {
		children[i] = p.Fork(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range children {
		c := c
		i := i
		g.Go(func() error {
			marker := []byte{byte('a' + i)}
			if err := c.Write(gctx, addr*frame.PageSize, marker, 1); err != 0 {
				return err
			}
			got := make([]byte, 1)
			if err := c.Read(gctx, addr*frame.PageSize, got, 1); err != 0 {
				return err
			}
			if got[0] != marker[0] {
				t.Errorf("child %d: wrote %q, read back %q", i, marker, got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// the parent's own page must be unaffected by any child's write.
	got := make([]byte, 4)
	require.Zero(t, p.Read(ctx, addr*frame.PageSize, got, 4))
	assert.Equal(t, "seed", string(got))
}
