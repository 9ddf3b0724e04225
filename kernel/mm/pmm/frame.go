// Package pmm manages physical memory frame allocations.
package pmm

import (
	"fmt"

	"generalos/kernel"
	"generalos/kernel/mm"
	"generalos/kernel/mm/buddy"

	"go.uber.org/zap"
)

// Frame describes a run of Count contiguous physical pages starting at PPN.
// Ownership of the pages moves to whoever received the Frame from the
// allocator and ends when it is passed back to DeallocFrames.
type Frame struct {
	PPN   mm.PhysPageNum
	Count uint64
}

// InvalidFrame is returned alongside an error by the allocation functions.
var InvalidFrame = Frame{}

// Valid returns true if the frame covers at least one page.
func (f Frame) Valid() bool {
	return f.Count != 0
}

// Address returns the physical address of the first page.
func (f Frame) Address() mm.PhysAddr {
	return f.PPN.Address()
}

// EndAddress returns the physical address past the last page.
func (f Frame) EndAddress() mm.PhysAddr {
	return f.PPN.Add(f.Count).Address()
}

// Pages returns the page numbers covered by the frame.
func (f Frame) Pages() []mm.PhysPageNum {
	pages := make([]mm.PhysPageNum, f.Count)
	for i := range pages {
		pages[i] = f.PPN.Add(uint64(i))
	}
	return pages
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame(%s, %d)", f.PPN, f.Count)
}

// PageZeroer clears the contents of physical pages.
type PageZeroer interface {
	Zero(ppn mm.PhysPageNum, count uint64)
}

// FrameAllocator hands out page-granular runs of physical memory. Every
// frame is zero-filled before it is returned.
type FrameAllocator struct {
	alloc *buddy.Allocator
	mem   PageZeroer
	log   *zap.Logger
}

// NewFrameAllocator returns an empty frame allocator that clears frames
// through mem.
func NewFrameAllocator(mem PageZeroer, order int, log *zap.Logger) *FrameAllocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &FrameAllocator{
		alloc: buddy.New("frames", order, log),
		mem:   mem,
		log:   log,
	}
}

// Init seeds the allocator with the pages that lie entirely inside
// [start, end).
func (fa *FrameAllocator) Init(start, end mm.PhysAddr) {
	first, last := start.CeilPage(), end.FloorPage()
	fa.alloc.Init(uint64(first), uint64(last))

	fa.log.Info("initialized frame allocator",
		zap.Stringer("start", first.Address()),
		zap.Stringer("end", last.Address()),
		zap.Uint64("frames", fa.alloc.Total()),
	)
}

// AllocFrames reserves count contiguous pages whose first page number is a
// multiple of align. Both arguments must be powers of two.
func (fa *FrameAllocator) AllocFrames(count, align uint64) (Frame, *kernel.Error) {
	start, err := fa.alloc.Alloc(count, align)
	if err != nil {
		return InvalidFrame, err
	}

	frame := Frame{PPN: mm.PhysPageNum(start), Count: count}
	fa.mem.Zero(frame.PPN, frame.Count)
	return frame, nil
}

// AllocFrame reserves a single page.
func (fa *FrameAllocator) AllocFrame() (Frame, *kernel.Error) {
	return fa.AllocFrames(1, 1)
}

// DeallocFrames returns count pages starting at start. The pair must match
// a previous AllocFrames call.
func (fa *FrameAllocator) DeallocFrames(start mm.PhysPageNum, count uint64) {
	fa.alloc.Dealloc(uint64(start), count)
}

// DeallocFrame returns f to the pool.
func (fa *FrameAllocator) DeallocFrame(f Frame) {
	fa.DeallocFrames(f.PPN, f.Count)
}

// Total returns the number of pages managed by the allocator.
func (fa *FrameAllocator) Total() uint64 { return fa.alloc.Total() }

// Allocated returns the number of pages currently handed out.
func (fa *FrameAllocator) Allocated() uint64 { return fa.alloc.Allocated() }

// Allocator exposes the underlying buddy allocator for metrics and
// debugging.
func (fa *FrameAllocator) Allocator() *buddy.Allocator { return fa.alloc }
