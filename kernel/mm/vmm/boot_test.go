package vmm

import (
	"testing"

	"generalos/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout() *mm.Layout {
	return mm.NewLayout(0x8000_0000, 0x8000_0000+4<<30, 0xffff_ffff_8000_0000, 0xffff_ffff_ffff_ffff, nil)
}

func TestBuildBootTable(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	root := mm.PhysAddr(0x8000_1000)

	// Stale contents are cleared.
	env.arena.Page(root.FloorPage())[7] = 0xdead

	BuildBootTable(env.arena, root, testLayout())

	exp := mm.PageWords{}
	exp[0] = 0xcf
	exp[2] = (0x80000 << 10) | 0xcf
	exp[510] = (0x80000 << 10) | 0xcf
	assert.Equal(t, exp, *env.arena.Page(root.FloorPage()))
}

func TestMapKernelPhysSegment(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	pt := env.newTable(t)

	const base = mm.VirtAddr(0xffff_ffc0_0000_0000)
	require.Nil(t, pt.MapKernelPhysSegment(base, testLayout()))

	for gib := uint64(0); gib < 4; gib++ {
		pa, err := pt.Query(base.Add(gib<<30 + 0x1234))
		require.Nil(t, err)
		assert.Equal(t, mm.PhysAddr(0x8000_0000+gib<<30+0x1234), pa)
	}

	_, err := pt.Query(base.Add(4 << 30))
	assert.Equal(t, ErrInvalidMapping, err)
}

func TestUnmapBootIdentity(t *testing.T) {
	env := newTestEnv(t, arenaEnd)
	layout := testLayout()
	bootRoot := mm.PhysAddr(0x8000_1000)
	BuildBootTable(env.arena, bootRoot, layout)

	pt, err := NewFromBootTable(bootRoot, env.frames, env.arena, nil)
	require.Nil(t, err)
	pt.UnmapBootIdentity(layout)

	for _, va := range []mm.VirtAddr{0, 0x8000_0000} {
		_, err := pt.Query(va)
		assert.Equal(t, ErrInvalidMapping, err, "identity mapping of %s must be gone", va)
	}

	pa, err := pt.Query(0xffff_ffff_8000_0000)
	require.Nil(t, err)
	assert.Equal(t, mm.PhysAddr(0x8000_0000), pa)
}
