package vmm

import (
	"generalos/kernel"
	"generalos/kernel/mm"

	"go.uber.org/zap"
)

// BuildBootTable writes the trampoline root table into the page at root. The
// table holds three 1 GiB leaves: an identity mapping of the first GiB, an
// identity mapping of the first GiB of RAM and the kernel's high mapping of
// that same GiB.
func BuildBootTable(mem mm.PageAccessor, root mm.PhysAddr, layout *mm.Layout) {
	table := mem.Page(root.FloorPage())
	*table = mm.PageWords{}

	physStart := mm.VirtAddr(layout.PhysStart)
	*entryAt(table, mm.VirtAddr(0).Index(pageLevelShifts[0])) = NewEntry(0, BootEntryFlags)
	*entryAt(table, physStart.Index(pageLevelShifts[0])) = NewEntry(layout.PhysStart, BootEntryFlags)
	*entryAt(table, layout.KernelVirtStart.Index(pageLevelShifts[0])) = NewEntry(layout.PhysStart, BootEntryFlags)
}

// MapKernelPhysSegment maps all of physical memory at base using 1 GiB
// leaves, so the kernel can reach any frame through a fixed offset.
func (pt *PageTable) MapKernelPhysSegment(base mm.VirtAddr, layout *mm.Layout) *kernel.Error {
	size := uint64(layout.PhysEnd - layout.PhysStart)
	for offset := uint64(0); offset < size; offset += mm.HugePageSize {
		if err := pt.MapHuge(base.Add(offset), layout.PhysStart.Add(offset), BootEntryFlags); err != nil {
			return err
		}
	}

	pt.log.Info("mapped kernel physical segment",
		zap.Stringer("base", base),
		zap.Uint64("size_gib", size/mm.HugePageSize),
	)
	return nil
}

// UnmapBootIdentity drops the identity mappings installed by the boot
// trampoline. The kernel high mapping is kept.
func (pt *PageTable) UnmapBootIdentity(layout *mm.Layout) {
	root := pt.mem.Page(pt.root)
	entryAt(root, mm.VirtAddr(0).Index(pageLevelShifts[0])).Clear()
	entryAt(root, mm.VirtAddr(layout.PhysStart).Index(pageLevelShifts[0])).Clear()

	pt.log.Info("removed boot identity mappings")
}
