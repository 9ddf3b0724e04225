package vmm

import (
	"generalos/kernel"
	"generalos/kernel/mm"

	"go.uber.org/zap"
)

// SharedFrameHandler is notified about every frame that becomes shared while
// cloning a page table.
type SharedFrameHandler interface {
	OnSharedFrame(ppn mm.PhysPageNum)
}

// SharedFrameHandlerFunc adapts a function to the SharedFrameHandler
// interface.
type SharedFrameHandlerFunc func(ppn mm.PhysPageNum)

// OnSharedFrame calls f(ppn).
func (f SharedFrameHandlerFunc) OnSharedFrame(ppn mm.PhysPageNum) { f(ppn) }

// CopyTableAndMarkSelfCOW returns a new page table that shares the user
// frames of pt instead of copying them. The two trees are walked in
// lock-step:
//
//   - root level leaves (1 GiB pages) are copied by value and are not
//     marked copy-on-write.
//   - every user leaf at the last level is reported to handler, flagged
//     FlagCopyOnWrite in pt itself and then copied into the clone.
//   - other last level leaves, and leaves found at the middle level, are not
//     carried over.
//
// Note that pt is modified. If a directory frame cannot be allocated the
// partial clone is destroyed and the error is returned; the entries of pt
// that were already visited keep their FlagCopyOnWrite mark.
func (pt *PageTable) CopyTableAndMarkSelfCOW(handler SharedFrameHandler) (*PageTable, *kernel.Error) {
	clone, err := New(pt.frames, pt.mem, pt.log)
	if err != nil {
		return nil, err
	}

	if handler == nil {
		handler = SharedFrameHandlerFunc(func(mm.PhysPageNum) {})
	}

	c := cowCloner{src: pt, dst: clone, handler: handler}
	if err = c.copyLevel(pt.mem.Page(pt.root), clone.mem.Page(clone.root), 0); err != nil {
		clone.Destroy()
		return nil, err
	}

	pt.log.Debug("cloned page table",
		zap.Stringer("src", pt.Root()),
		zap.Stringer("dst", clone.Root()),
		zap.Int("shared_frames", c.shared),
	)
	return clone, nil
}

// cowCloner holds the state of a lock-step walk over a source table and its
// clone.
type cowCloner struct {
	src, dst *PageTable
	handler  SharedFrameHandler
	shared   int
}

// copyLevel copies the entries of src, a table of c.src at the given level,
// into dst, the matching table of c.dst.
func (c *cowCloner) copyLevel(src, dst *mm.PageWords, level uint8) *kernel.Error {
	for index := range src {
		oldEntry, newEntry := entryAt(src, index), entryAt(dst, index)
		if !oldEntry.IsValid() {
			continue
		}

		if level == pageLevels-1 {
			if !oldEntry.IsUser() {
				continue
			}

			c.handler.OnSharedFrame(oldEntry.PPN())
			oldEntry.SetFlags(FlagCopyOnWrite)
			*newEntry = *oldEntry
			c.shared++
			continue
		}

		if oldEntry.IsLeaf() {
			if level == 0 {
				*newEntry = *oldEntry
			}
			continue
		}

		next, err := c.dst.tableFor(newEntry)
		if err != nil {
			return err
		}
		if err = c.copyLevel(c.src.mem.Page(oldEntry.PPN()), next, level+1); err != nil {
			return err
		}
	}

	return nil
}
