package vmm

import (
	"testing"

	"generalos/kernel/mm"
	"generalos/kernel/mm/buddy"
	"generalos/kernel/mm/pmm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	arenaStart = mm.PhysAddr(0x8000_0000)
	arenaEnd   = mm.PhysAddr(0x8100_0000)
	poolStart  = mm.PhysAddr(0x8010_0000)

	userFlags   = FlagRead | FlagWrite | FlagUser
	kernelFlags = FlagRead | FlagWrite
)

type testEnv struct {
	arena  *mm.Arena
	frames *pmm.FrameAllocator
}

func newTestEnv(t *testing.T, poolEnd mm.PhysAddr) *testEnv {
	t.Helper()

	arena := mm.NewArena(arenaStart, arenaEnd)
	frames := pmm.NewFrameAllocator(arena, 32, nil)
	frames.Init(poolStart, poolEnd)
	return &testEnv{arena: arena, frames: frames}
}

func (env *testEnv) newTable(t *testing.T) *PageTable {
	t.Helper()
	pt, err := New(env.frames, env.arena, nil)
	require.Nil(t, err)
	return pt
}

func TestMapPageQuery(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	specs := []struct {
		va mm.VirtAddr
		pa mm.PhysAddr
	}{
		{0x0000_1000, 0x8020_0000},
		{0x0040_0000, 0x8020_1000},
		{0x3fff_f000, 0x8020_2000},
		{0x7f_ffff_f000, 0x8020_3000},
		{0xffff_ffc0_0000_0000, 0x8020_4000},
	}

	for specIndex, spec := range specs {
		require.Nil(t, pt.MapPage(spec.va, spec.pa, userFlags), "[spec %d]", specIndex)

		for _, k := range []uint64{0, 1, 0x7ff, 0xfff} {
			got, err := pt.Query(spec.va.Add(k))
			if err != nil {
				t.Errorf("[spec %d] query of %s+%#x failed: %v", specIndex, spec.va, k, err)
				continue
			}
			if exp := spec.pa.Add(k); got != exp {
				t.Errorf("[spec %d] expected %s+%#x to translate to %s; got %s", specIndex, spec.va, k, exp, got)
			}
		}
	}

	pte, ok := pt.Lookup(0x0040_0123)
	require.True(t, ok)
	assert.Equal(t, mm.PhysAddr(0x8020_1000), pte.Address())
	assert.True(t, pte.HasFlags(FlagValid|userFlags))
}

func TestMapPageAllocatesDirectories(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)
	require.Len(t, pt.owned, 1)

	require.Nil(t, pt.MapPage(0x1000, 0x8020_0000, kernelFlags))
	assert.Len(t, pt.owned, 3, "expected the root plus two new directories")

	// Same leaf table, no new directories.
	require.Nil(t, pt.MapPage(0x2000, 0x8020_1000, kernelFlags))
	assert.Len(t, pt.owned, 3)

	// Same root slot, new leaf table.
	require.Nil(t, pt.MapPage(0x20_0000, 0x8020_2000, kernelFlags))
	assert.Len(t, pt.owned, 4)

	root := env.arena.Page(pt.root)
	assert.True(t, Entry(root[0]).IsDirectory())
	assert.Equal(t, uint64(4), env.frames.Allocated())
}

func TestMapPageOverwrites(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	require.Nil(t, pt.MapPage(0x1000, 0x8020_0000, kernelFlags))
	require.Nil(t, pt.MapPage(0x1000, 0x8030_0000, FlagRead))

	pa, err := pt.Query(0x1000)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x8030_0000), pa)

	pte, _ := pt.Lookup(0x1000)
	assert.False(t, pte.IsWritable())
}

func TestMapPageOutOfFrames(t *testing.T) {
	// Two frames: the root and a single directory.
	env := newTestEnv(t, poolStart.Add(2*mm.PageSize))
	pt := env.newTable(t)

	err := pt.MapPage(0x1000, 0x8020_0000, kernelFlags)
	assert.Equal(t, buddy.ErrOutOfMemory, err)

	_, err = pt.Query(0x1000)
	assert.Equal(t, ErrInvalidMapping, err)

	pt.Destroy()
	assert.Zero(t, env.frames.Allocated())
}

func TestMapPageBelowHugePage(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	require.Nil(t, pt.MapHuge(0x4000_0000, 0x8000_0000, kernelFlags))
	assert.Equal(t, errNoHugePageSupport, pt.MapPage(0x4000_1000, 0x8020_0000, kernelFlags))
	expectPanic(t, errNoHugePageSupport, func() { pt.UnmapPage(0x4000_1000, false) })
}

func TestQueryUnmapped(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	_, err := pt.Query(0x1000)
	assert.Equal(t, ErrInvalidMapping, err)

	require.Nil(t, pt.MapPage(0x1000, 0x8020_0000, kernelFlags))
	_, err = pt.Query(0x2000)
	assert.Equal(t, ErrInvalidMapping, err)

	_, ok := pt.Lookup(0x2000)
	assert.False(t, ok)
	_, ok = pt.Lookup(0x4000_0000)
	assert.False(t, ok)
}

func TestUnmapPage(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	data, err := env.frames.AllocFrame()
	require.Nil(t, err)

	require.Nil(t, pt.MapPage(0x1000, data.Address(), userFlags))
	before := env.frames.Allocated()

	assert.Equal(t, data.Address(), pt.UnmapPage(0x1234, true))
	assert.Equal(t, before-1, env.frames.Allocated())

	_, err = pt.Query(0x1000)
	assert.Equal(t, ErrInvalidMapping, err)

	again, err := env.frames.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, data, again, "expected the released frame to be reused")
}

func TestUnmapPageKeepsFrame(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	require.Nil(t, pt.MapPage(0x1000, 0x8020_0000, userFlags))
	before := env.frames.Allocated()

	assert.Equal(t, mm.PhysAddr(0x8020_0000), pt.UnmapPage(0x1000, false))
	assert.Equal(t, before, env.frames.Allocated())
}

func TestUnmapContractViolations(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	expectPanic(t, errMissingDirectory, func() { pt.UnmapPage(0x1000, false) })

	require.Nil(t, pt.MapPage(0x1000, 0x8020_0000, userFlags))
	expectPanic(t, errUnmapAbsentPage, func() { pt.UnmapPage(0x2000, false) })
	expectPanic(t, errUnmapAbsentPage, func() { pt.UnmapHuge(0x4000_0000) })
}

func TestMapUnmapRegion(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	const (
		va   = mm.VirtAddr(0x1f_f000)
		pa   = mm.PhysAddr(0x8040_0000)
		size = 8 * mm.PageSize
	)

	// The region straddles a leaf table boundary.
	require.Nil(t, pt.MapRegion(va, pa, size, userFlags))
	for offset := uint64(0); offset < size; offset += mm.PageSize {
		got, err := pt.Query(va.Add(offset + 8))
		require.Nil(t, err)
		assert.Equal(t, pa.Add(offset+8), got)
	}
	_, err := pt.Query(va.Add(size))
	assert.Equal(t, ErrInvalidMapping, err)

	pt.UnmapRegion(va, size, false)
	for offset := uint64(0); offset < size; offset += mm.PageSize {
		_, err := pt.Query(va.Add(offset))
		assert.Equal(t, ErrInvalidMapping, err)
	}
}

func TestMapRegionStopsOnError(t *testing.T) {
	// Root, one directory and one leaf table.
	env := newTestEnv(t, poolStart.Add(3*mm.PageSize))
	pt := env.newTable(t)

	err := pt.MapRegion(0x1f_f000, 0x8040_0000, 2*mm.PageSize, kernelFlags)
	assert.Equal(t, buddy.ErrOutOfMemory, err)

	_, err = pt.Query(0x1f_f000)
	assert.Nil(t, err, "pages mapped before the failure stay mapped")
}

func TestHugePages(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	require.Nil(t, pt.MapHuge(0xffff_ffff_8000_0000, 0x8000_0000, BootEntryFlags))

	pa, err := pt.Query(0xffff_ffff_8123_4567)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x8123_4567), pa)

	pte, ok := pt.Lookup(0xffff_ffff_8000_0000)
	require.True(t, ok)
	assert.True(t, pte.IsLeaf())

	// Without a permission bit the entry would read back as a directory.
	require.Nil(t, pt.MapHuge(0x4000_0000, 0x4000_0000, FlagValid))
	pte, ok = pt.Lookup(0x4000_0000)
	require.True(t, ok)
	assert.True(t, pte.IsReadable())

	assert.Equal(t, mm.PhysAddr(0x8000_0000), pt.UnmapHuge(0xffff_ffff_8000_1000))
	_, err = pt.Query(0xffff_ffff_8000_0000)
	assert.Equal(t, ErrInvalidMapping, err)

	expectPanic(t, errMisalignedHugePage, func() { _ = pt.MapHuge(0x1000, 0, kernelFlags) })
	expectPanic(t, errMisalignedHugePage, func() { _ = pt.MapHuge(0, 0x1000, kernelFlags) })

	require.Nil(t, pt.MapPage(0x1000, 0x8020_0000, kernelFlags))
	assert.Equal(t, errHugePageOverTable, pt.MapHuge(0, 0, kernelFlags))
}

func TestDestroy(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	env := newTestEnv(t, arenaEnd)

	pt, err := New(env.frames, env.arena, zap.New(core))
	require.Nil(t, err)

	data, err := env.frames.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, pt.MapRegion(0x1000, data.Address(), mm.PageSize, userFlags))
	require.Nil(t, pt.MapPage(0x40_0000_0000, 0x8020_0000, userFlags))

	pt.Destroy()
	assert.Equal(t, uint64(1), env.frames.Allocated(), "only the leaf frame must survive")
	assert.Equal(t, 1, logs.FilterMessage("destroyed page table").Len())

	pt.Destroy()
	assert.Equal(t, uint64(1), env.frames.Allocated())
}

func TestNewFromRoot(t *testing.T) {
	env := newTestEnv(t, arenaEnd)

	owner := env.newTable(t)
	require.Nil(t, owner.MapPage(0x1000, 0x8020_0000, userFlags))
	allocated := env.frames.Allocated()

	imported := NewFromRoot(owner.Root(), env.frames, env.arena, nil)
	assert.Equal(t, owner.Root(), imported.Root())

	pa, err := imported.Query(0x1000)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x8020_0000), pa)

	require.Nil(t, imported.MapPage(0x40_0000_0000, 0x8020_1000, userFlags))
	imported.Destroy()

	// The imported root and the directories allocated by owner survive.
	assert.Equal(t, allocated, env.frames.Allocated())
	pa, err = owner.Query(0x1000)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x8020_0000), pa)
}

func TestNewFromBootTable(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	layout := mm.NewLayout(arenaStart, arenaStart.Add(4<<30), 0xffff_ffff_8000_0000, 0xffff_ffff_ffff_ffff, nil)

	bootRoot := mm.PhysAddr(0x8000_1000)
	BuildBootTable(env.arena, bootRoot, layout)

	pt, err := NewFromBootTable(bootRoot, env.frames, env.arena, nil)
	require.Nil(t, err)
	assert.NotEqual(t, bootRoot, pt.Root())
	assert.Equal(t, *env.arena.Page(bootRoot.FloorPage()), *env.arena.Page(pt.root))

	pa, err := pt.Query(0xffff_ffff_8020_0000)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x8020_0000), pa)

	// Changes to the new root leave the boot table alone.
	pt.UnmapHuge(0)
	_, ok := NewFromRoot(bootRoot, env.frames, env.arena, nil).Lookup(0)
	assert.True(t, ok)
}
