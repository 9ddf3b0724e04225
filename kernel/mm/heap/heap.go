// Package heap provides the byte-granular kernel heap. It hands out address
// ranges carved from a fixed region with a buddy allocator.
package heap

import (
	"math/bits"

	"generalos/kernel"
	"generalos/kernel/mm/buddy"

	"go.uber.org/zap"
)

const (
	selfTestAllocs = 64
	selfTestSize   = 24
	selfTestAlign  = 8
)

var (
	errSelfTestOverlap   = &kernel.Error{Module: "heap", Message: "self-test returned overlapping blocks"}
	errSelfTestAlignment = &kernel.Error{Module: "heap", Message: "self-test returned a misaligned block"}
	errSelfTestLeak      = &kernel.Error{Module: "heap", Message: "self-test did not restore the allocated counter"}
	errHeapOverflow      = &kernel.Error{Module: "heap", Message: "heap region overflows the address space"}
)

// Heap is the kernel's dynamic allocation backend.
type Heap struct {
	alloc *buddy.Allocator
	log   *zap.Logger

	base, size uint64
}

// New returns an empty heap whose allocator keeps order free lists.
func New(order int, log *zap.Logger) *Heap {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heap{
		alloc: buddy.New("heap", order, log),
		log:   log,
	}
}

// Init hands the region [base, base+size) to the heap. It must be called
// once before the first allocation.
func (h *Heap) Init(base, size uint64) {
	if base+size < base {
		kernel.Panic(errHeapOverflow)
	}

	h.alloc.Init(base, base+size)
	h.base, h.size = base, size

	h.log.Info("initialized kernel heap", zap.Uint64("size_kib", size/1024), zap.Uint64("base", base))
}

// Allocate returns the address of a block of at least size bytes aligned to
// align. The block is rounded up to a power of two; Free must be called
// with the same size.
func (h *Heap) Allocate(size, align uint64) (uint64, *kernel.Error) {
	return h.alloc.Alloc(blockSize(size), align)
}

// Free releases a block previously returned by Allocate.
func (h *Heap) Free(addr, size uint64) {
	h.alloc.Dealloc(addr, blockSize(size))
}

// Base returns the first address of the heap region.
func (h *Heap) Base() uint64 { return h.base }

// Size returns the size of the heap region.
func (h *Heap) Size() uint64 { return h.size }

// Allocated returns the number of bytes currently handed out.
func (h *Heap) Allocated() uint64 { return h.alloc.Allocated() }

// Allocator exposes the underlying buddy allocator for metrics and
// debugging.
func (h *Heap) Allocator() *buddy.Allocator { return h.alloc }

// SelfTest performs a batch of small allocations, checks that they are
// aligned and disjoint, and frees them again.
func (h *Heap) SelfTest() *kernel.Error {
	before := h.Allocated()

	addrs := make([]uint64, 0, selfTestAllocs)
	defer func() {
		for _, addr := range addrs {
			h.Free(addr, selfTestSize)
		}
	}()

	block := blockSize(selfTestSize)
	for i := 0; i < selfTestAllocs; i++ {
		addr, err := h.Allocate(selfTestSize, selfTestAlign)
		if err != nil {
			return err
		}
		if addr%selfTestAlign != 0 {
			return errSelfTestAlignment
		}
		for _, other := range addrs {
			if addr < other+block && other < addr+block {
				return errSelfTestOverlap
			}
		}
		addrs = append(addrs, addr)
	}

	for _, addr := range addrs {
		h.Free(addr, selfTestSize)
	}
	addrs = addrs[:0]

	if h.Allocated() != before {
		return errSelfTestLeak
	}

	h.log.Info("heap self-test passed", zap.Int("allocations", selfTestAllocs))
	return nil
}

// blockSize rounds size up to the next power of two. Zero stays zero so the
// allocator can reject it.
func blockSize(size uint64) uint64 {
	if size <= 1 {
		return size
	}
	return uint64(1) << (64 - bits.LeadingZeros64(size-1))
}
