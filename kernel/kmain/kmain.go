// Package kmain wires the memory subsystem together at startup. It owns
// every allocator for the lifetime of the kernel and hands them to the
// components that need them.
package kmain

import (
	"generalos/kernel"
	"generalos/kernel/config"
	"generalos/kernel/mm"
	"generalos/kernel/mm/buddy"
	"generalos/kernel/mm/heap"
	"generalos/kernel/mm/pmm"
	"generalos/kernel/mm/vmm"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PhysSegmentBase is the virtual address where all of physical memory is
// mapped once the boot table has been replaced.
const PhysSegmentBase = mm.VirtAddr(0xffff_ffc0_0000_0000)

var (
	errInvalidConfig       = &kernel.Error{Module: "kmain", Message: "invalid configuration"}
	errNoFreeFrames        = &kernel.Error{Module: "kmain", Message: "no physical memory left past the kernel image"}
	errMetricsRegistration = &kernel.Error{Module: "kmain", Message: "failed to register allocator metrics"}
)

// PhysicalMemory gives the kernel typed access to physical pages.
type PhysicalMemory interface {
	mm.PageAccessor
	pmm.PageZeroer
}

// BootInfo is what the boot trampoline hands over to the kernel.
type BootInfo struct {
	// BootTable is the physical address of the root table the trampoline
	// enabled paging with.
	BootTable mm.PhysAddr

	// Image holds the link-time layout markers of the kernel.
	Image mm.KernelImage

	// HeapBase is the address of the static region backing the kernel
	// heap.
	HeapBase uint64
}

// Kernel holds the memory subsystem state set up by Boot.
type Kernel struct {
	Config    config.Config
	Layout    *mm.Layout
	Image     mm.KernelImage
	Heap      *heap.Heap
	Frames    *pmm.FrameAllocator
	PageTable *vmm.PageTable
	RefCounts *vmm.FrameRefCounts

	mem PhysicalMemory
	log *zap.Logger
}

// Boot initializes the memory subsystem:
//   - the heap is seeded from the static heap region and self-tested.
//   - the frame allocator is seeded with the physical memory past the end
//     of the kernel image.
//   - the boot table is imported into a kernel owned root, physical memory
//     is mapped at PhysSegmentBase and the boot identity mappings dropped.
//   - allocator metrics are registered with reg, if not nil.
func Boot(cfg config.Config, info BootInfo, mem PhysicalMemory, log *zap.Logger, reg prometheus.Registerer) (*Kernel, *kernel.Error) {
	if log == nil {
		log = zap.NewNop()
	}
	kernel.SetPanicLogger(log)

	if err := cfg.Validate(); err != nil {
		log.Error("rejected boot configuration", zap.Error(err))
		return nil, errInvalidConfig
	}

	k := &Kernel{
		Config: cfg,
		Image:  info.Image,
		Layout: mm.NewLayout(
			mm.NewPhysAddr(cfg.PhysMemStart),
			mm.NewPhysAddr(cfg.PhysMemEnd()),
			mm.NewVirtAddr(cfg.KernelVirtStart),
			mm.NewVirtAddr(cfg.KernelVirtEnd),
			log,
		),
		RefCounts: vmm.NewFrameRefCounts(),
		mem:       mem,
		log:       log,
	}

	var err *kernel.Error
	if err = k.initHeap(info.HeapBase); err != nil {
		return nil, err
	} else if err = k.initFrames(); err != nil {
		return nil, err
	} else if err = k.initPageTable(info.BootTable); err != nil {
		return nil, err
	} else if err = k.registerMetrics(reg); err != nil {
		return nil, err
	}

	log.Info("memory subsystem ready",
		zap.Uint64("heap_bytes", k.Heap.Size()),
		zap.Uint64("free_frames", k.Frames.Total()-k.Frames.Allocated()),
		zap.Stringer("root", k.PageTable.Root()),
	)
	return k, nil
}

func (k *Kernel) initHeap(base uint64) *kernel.Error {
	if !k.Image.Contains(mm.NewVirtAddr(base)) {
		k.log.Warn("heap region is outside the kernel image", zap.Uint64("base", base))
	}

	k.Heap = heap.New(k.Config.HeapOrder, k.log.Named("heap"))
	k.Heap.Init(base, k.Config.KernelHeapSize)
	return k.Heap.SelfTest()
}

func (k *Kernel) initFrames() *kernel.Error {
	start, end := k.Layout.KernelVirtToPhys(k.Image.End()), k.Layout.PhysEnd
	if start.CeilPage() >= end.FloorPage() {
		k.log.Error("kernel image does not fit in physical memory",
			zap.Stringer("image_end", start),
			zap.Stringer("phys_end", end),
		)
		return errNoFreeFrames
	}

	k.Frames = pmm.NewFrameAllocator(k.mem, k.Config.FrameOrder, k.log.Named("pmm"))
	k.Frames.Init(start, end)
	return nil
}

func (k *Kernel) initPageTable(bootTable mm.PhysAddr) *kernel.Error {
	var err *kernel.Error
	if k.PageTable, err = vmm.NewFromBootTable(bootTable, k.Frames, k.mem, k.log.Named("vmm")); err != nil {
		return err
	}

	if err = k.PageTable.MapKernelPhysSegment(PhysSegmentBase, k.Layout); err != nil {
		return err
	}
	k.PageTable.UnmapBootIdentity(k.Layout)
	return nil
}

func (k *Kernel) registerMetrics(reg prometheus.Registerer) *kernel.Error {
	if reg == nil {
		return nil
	}

	if err := reg.Register(buddy.NewCollector(k.Heap.Allocator(), k.Frames.Allocator())); err != nil {
		k.log.Error("metrics registration failed", zap.Error(err))
		return errMetricsRegistration
	}
	return nil
}

// NewAddressSpace returns an empty page table backed by the kernel frame
// allocator.
func (k *Kernel) NewAddressSpace() (*vmm.PageTable, *kernel.Error) {
	return vmm.New(k.Frames, k.mem, k.log.Named("vmm"))
}

// Fork clones pt copy-on-write and records the shared frames in
// k.RefCounts. pt is modified; see vmm.PageTable.CopyTableAndMarkSelfCOW.
func (k *Kernel) Fork(pt *vmm.PageTable) (*vmm.PageTable, *kernel.Error) {
	return pt.CopyTableAndMarkSelfCOW(k.RefCounts)
}

// Stats returns a snapshot of the heap and frame allocator counters.
func (k *Kernel) Stats() (heapStats, frameStats buddy.Stats) {
	return k.Heap.Allocator().Stats(), k.Frames.Allocator().Stats()
}
