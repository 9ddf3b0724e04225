package vmm

import (
	"generalos/kernel"
	"generalos/kernel/mm"

	"github.com/puzpuzpuz/xsync/v3"
)

var errUntrackedFrame = &kernel.Error{Module: "vmm", Message: "frame has no recorded sharers"}

// FrameRefCounts tracks how many address spaces map each shared frame. A
// frame that is not tracked has a single owner. FrameRefCounts is safe for
// concurrent use and can be passed to CopyTableAndMarkSelfCOW directly.
type FrameRefCounts struct {
	counts *xsync.MapOf[mm.PhysPageNum, uint64]
}

// NewFrameRefCounts returns an empty reference count table.
func NewFrameRefCounts() *FrameRefCounts {
	return &FrameRefCounts{counts: xsync.NewMapOf[mm.PhysPageNum, uint64]()}
}

// OnSharedFrame implements SharedFrameHandler.
func (rc *FrameRefCounts) OnSharedFrame(ppn mm.PhysPageNum) {
	rc.Inc(ppn)
}

// Inc records one more mapping of ppn and returns the new count.
func (rc *FrameRefCounts) Inc(ppn mm.PhysPageNum) uint64 {
	var count uint64
	rc.counts.Compute(ppn, func(old uint64, loaded bool) (uint64, bool) {
		if !loaded {
			old = 1
		}
		count = old + 1
		return count, false
	})
	return count
}

// Dec drops one mapping of ppn and returns the number of mappings left. A
// frame that drops back to a single owner is no longer tracked.
func (rc *FrameRefCounts) Dec(ppn mm.PhysPageNum) uint64 {
	var (
		left      uint64
		untracked bool
	)
	rc.counts.Compute(ppn, func(old uint64, loaded bool) (uint64, bool) {
		if !loaded {
			untracked = true
			return 0, true
		}
		left = old - 1
		return left, left <= 1
	})

	if untracked {
		kernel.Panic(errUntrackedFrame)
	}
	return left
}

// Count returns the number of mappings of ppn.
func (rc *FrameRefCounts) Count(ppn mm.PhysPageNum) uint64 {
	if count, ok := rc.counts.Load(ppn); ok {
		return count
	}
	return 1
}

// Shared returns the number of frames with more than one mapping.
func (rc *FrameRefCounts) Shared() int {
	return rc.counts.Size()
}
