// Command weenixctl drives the virtual-memory core through a handful of
// literal end-to-end scenarios, each exercising one facet of the
// address-space/memory-object machinery from the outside, the way a
// small integration-test harness would. Flag and subcommand handling
// follows kingpin/v2, the CLI library pgscv uses; logging follows
// zerolog, via internal/klog.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/pprof/profile"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/FrankSzn/Weenix/internal/defs"
	"github.com/FrankSzn/Weenix/internal/frame"
	"github.com/FrankSzn/Weenix/internal/klog"
	"github.com/FrankSzn/Weenix/internal/pagecache"
	"github.com/FrankSzn/Weenix/internal/proc"
	"github.com/FrankSzn/Weenix/internal/vmmap"
	"github.com/FrankSzn/Weenix/internal/vnode"
)

var log = klog.For("weenixctl")

// demoHeapStart sits well clear of the low addresses FindRange hands out
// to anonymous mmaps in these scenarios, so brk's fixed-address growth
// never collides with one.
const demoHeapStart = vmmap.UserLowVPN + (1 << 20)

var (
	app      = kingpin.New("weenixctl", "drive the virtual-memory core through its end-to-end scenarios")
	logLevel = app.Flag("log-level", "zerolog level: debug, info, warn, error").Default("info").String()

	anonCow     = app.Command("anon-cow", "write to a private anonymous mapping and read it back")
	forkCow     = app.Command("fork-cow", "fork a process with a private mapping and show parent/child diverge on write")
	sharedFile  = app.Command("shared-file", "map a vnode MAP_SHARED twice and show writes are mutually visible")
	brkCmd      = app.Command("brk", "grow and shrink the heap with brk")
	splitUnmap  = app.Command("split-unmap", "punch a hole in the middle of a mapping and show the halves behave independently")
	shadowChain = app.Command("shadow-chain", "fork repeatedly to build a long shadow chain and resolve through it")

	profileCmd = app.Command("profile", "dump a pprof profile of resident page counts for a small scenario")
	profileOut = profileCmd.Flag("out", "output path for the pprof profile").Default("weenix.pprof").String()

	mapsCmd = app.Command("maps", "fault a few pages across a quota-limited process and print its vmarea list")
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		kingpin.Fatalf("bad log level %q: %v", *logLevel, err)
	}
	klog.SetLevel(lvl)

	if hostPage := unix.Getpagesize(); hostPage != frame.PageSize {
		log.Warn().Int("host_page_size", hostPage).Int("sim_page_size", frame.PageSize).
			Msg("host page size differs from the simulated page size; harmless here, but worth knowing")
	}

	ctx := context.Background()
	var runErr error
	switch cmd {
	case anonCow.FullCommand():
		runErr = runAnonCow(ctx)
	case forkCow.FullCommand():
		runErr = runForkCow(ctx)
	case sharedFile.FullCommand():
		runErr = runSharedFile(ctx)
	case brkCmd.FullCommand():
		runErr = runBrk(ctx)
	case splitUnmap.FullCommand():
		runErr = runSplitUnmap(ctx)
	case shadowChain.FullCommand():
		runErr = runShadowChain(ctx)
	case profileCmd.FullCommand():
		runErr = runProfile(ctx, *profileOut)
	case mapsCmd.FullCommand():
		runErr = runMaps(ctx)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func newInstance() (*frame.Pool, *pagecache.Cache) {
	pool := frame.NewPool()
	return pool, pagecache.New(pool)
}

func runAnonCow(ctx context.Context) error {
	pool, cache := newInstance()
	p := proc.New(pool, cache, demoHeapStart)

	addr, err := p.Mmap(ctx, nil, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	if err != 0 {
		return err
	}
	want := []byte("hello, weenix")
	if err := p.Write(ctx, addr*frame.PageSize, want, len(want)); err != 0 {
		return err
	}
	got := make([]byte, len(want))
	if err := p.Read(ctx, addr*frame.PageSize, got, len(got)); err != 0 {
		return err
	}
	fmt.Printf("anon-cow: wrote %q, read back %q\n", want, got)
	return nil
}

func runForkCow(ctx context.Context) error {
	pool, cache := newInstance()
	p := proc.New(pool, cache, demoHeapStart)

	addr, err := p.Mmap(ctx, nil, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	if err != 0 {
		return err
	}
	seed := []byte("parent")
	if err := p.Write(ctx, addr*frame.PageSize, seed, len(seed)); err != 0 {
		return err
	}

	child := p.Fork(ctx)

	if err := p.Write(ctx, addr*frame.PageSize, []byte("AAAAAA"), 6); err != 0 {
		return err
	}
	if err := child.Write(ctx, addr*frame.PageSize, []byte("bbbbbb"), 6); err != 0 {
		return err
	}

	parentGot := make([]byte, 6)
	childGot := make([]byte, 6)
	if err := p.Read(ctx, addr*frame.PageSize, parentGot, 6); err != 0 {
		return err
	}
	if err := child.Read(ctx, addr*frame.PageSize, childGot, 6); err != 0 {
		return err
	}
	fmt.Printf("fork-cow: parent now %q, child now %q\n", parentGot, childGot)
	return nil
}

func runSharedFile(ctx context.Context) error {
	pool, cache := newInstance()
	p := proc.New(pool, cache, demoHeapStart)
	vn := vnode.NewMemVnode()

	addr1, err := p.Mmap(ctx, vn, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_SHARED, 0, defs.DirLowest)
	if err != 0 {
		return err
	}
	addr2, err := p.Mmap(ctx, vn, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_SHARED, 0, defs.DirLowest)
	if err != 0 {
		return err
	}

	msg := []byte("shared")
	if err := p.Write(ctx, addr1*frame.PageSize, msg, len(msg)); err != 0 {
		return err
	}
	got := make([]byte, len(msg))
	if err := p.Read(ctx, addr2*frame.PageSize, got, len(got)); err != 0 {
		return err
	}
	fmt.Printf("shared-file: wrote %q through one mapping, read %q through another\n", msg, got)
	return nil
}

func runBrk(ctx context.Context) error {
	pool, cache := newInstance()
	p := proc.New(pool, cache, demoHeapStart)

	grown, err := p.Brk(ctx, demoHeapStart+3)
	if err != 0 {
		return err
	}
	msg := []byte("heap")
	if err := p.Write(ctx, grown*frame.PageSize-frame.PageSize, msg, len(msg)); err != 0 {
		return err
	}
	shrunk, err := p.Brk(ctx, demoHeapStart+1)
	if err != 0 {
		return err
	}
	fmt.Printf("brk: grew break to vpn %d, shrank it back to vpn %d\n", grown, shrunk)
	return nil
}

func runSplitUnmap(ctx context.Context) error {
	pool, cache := newInstance()
	p := proc.New(pool, cache, demoHeapStart)

	const npages = 5
	addr, err := p.Mmap(ctx, nil, 0, npages, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	if err != 0 {
		return err
	}
	for i := uint64(0); i < npages; i++ {
		marker := []byte{byte('0' + i)}
		if err := p.Write(ctx, (addr+i)*frame.PageSize, marker, 1); err != 0 {
			return err
		}
	}

	if err := p.Munmap(ctx, addr+2, 1); err != 0 {
		return err
	}

	_, headStillMapped := p.Vm.Lookup(addr + 1)
	_, holeGone := p.Vm.Lookup(addr + 2)
	_, tailStillMapped := p.Vm.Lookup(addr + 3)
	fmt.Printf("split-unmap: head mapped=%v hole mapped=%v tail mapped=%v\n",
		headStillMapped, holeGone, tailStillMapped)
	return nil
}

func runShadowChain(ctx context.Context) error {
	pool, cache := newInstance()
	p := proc.New(pool, cache, demoHeapStart)

	addr, err := p.Mmap(ctx, nil, 0, 1, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	if err != 0 {
		return err
	}
	seed := []byte("root")
	if err := p.Write(ctx, addr*frame.PageSize, seed, len(seed)); err != 0 {
		return err
	}

	const depth = 6
	cur := p
	for i := 0; i < depth; i++ {
		cur = cur.Fork(ctx)
	}

	got := make([]byte, len(seed))
	if err := cur.Read(ctx, addr*frame.PageSize, got, len(got)); err != 0 {
		return err
	}
	fmt.Printf("shadow-chain: after %d forks, the deepest descendant still reads %q\n", depth, got)
	return nil
}

func runProfile(ctx context.Context, out string) error {
	pool, cache := newInstance()
	p := proc.New(pool, cache, demoHeapStart)

	const npages = 4
	addr, err := p.Mmap(ctx, nil, 0, npages, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	if err != 0 {
		return err
	}
	for i := uint64(0); i < npages; i++ {
		b := []byte{byte(i)}
		if err := p.Write(ctx, (addr+i)*frame.PageSize, b, 1); err != 0 {
			return err
		}
	}

	prof := &profile.Profile{
		PeriodType: &profile.ValueType{Type: "scenario", Unit: "count"},
		Period:     1,
		SampleType: []*profile.ValueType{{Type: "resident_pages", Unit: "count"}},
		Sample: []*profile.Sample{{
			Value: []int64{int64(p.Vm.UsagePages())},
			Label: map[string][]string{"process": {fmt.Sprintf("pid-%d", p.PID)}},
		}},
	}

	f, ferr := os.Create(out)
	if ferr != nil {
		return ferr
	}
	defer f.Close()
	if werr := prof.Write(f); werr != nil {
		return werr
	}
	fmt.Printf("profile: wrote resident-page profile for pid %d to %s\n", p.PID, out)
	return nil
}

func runMaps(ctx context.Context) error {
	pool, cache := newInstance()
	p := proc.New(pool, cache, demoHeapStart)
	p.SetPageQuota(6)

	addr, err := p.Mmap(ctx, nil, 0, 4, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	if err != 0 {
		return err
	}
	if _, err := p.Brk(ctx, demoHeapStart+2); err != 0 {
		return err
	}
	touch := []byte{1}
	if err := p.Write(ctx, addr*frame.PageSize, touch, 1); err != 0 {
		return err
	}

	_, overQuota := p.Mmap(ctx, nil, 0, 4, defs.PROT_READ|defs.PROT_WRITE, defs.MAP_PRIVATE|defs.MAP_ANON, 0, defs.DirLowest)
	fmt.Printf("maps: a further 4-page mmap against the 6-page quota failed as expected: %v\n", overQuota)

	for _, area := range p.Vm.Areas() {
		last, everFaulted := area.LastFault()
		fmt.Printf("maps: [%d,%d) prot=%v last_fault_vpn=%d ever_faulted=%v\n",
			area.StartVPN, area.EndVPN, area.Prot, last, everFaulted)
	}
	fmt.Printf("maps: usage=%d/6 pages\n", p.Vm.UsagePages())
	return nil
}
