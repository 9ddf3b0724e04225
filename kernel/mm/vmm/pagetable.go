package vmm

import (
	"generalos/kernel"
	"generalos/kernel/mm"
	"generalos/kernel/mm/pmm"

	"go.uber.org/zap"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport  = &kernel.Error{Module: "vmm", Message: "huge pages are not supported below the root table"}
	errUnmapAbsentPage    = &kernel.Error{Module: "vmm", Message: "attempt to unmap a page that is not mapped"}
	errMissingDirectory   = &kernel.Error{Module: "vmm", Message: "page table walk reached a missing directory"}
	errMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page mapping is not 1 GiB aligned"}
	errHugePageOverTable  = &kernel.Error{Module: "vmm", Message: "root slot already points to a page table"}
)

// FrameSource supplies the physical frames that back page table directories.
// Frames returned by AllocFrame must be zero-filled.
type FrameSource interface {
	AllocFrame() (pmm.Frame, *kernel.Error)
	DeallocFrames(start mm.PhysPageNum, count uint64)
}

// PageTable is a three-level Sv39 page table. It tracks every directory
// frame it allocates and releases them on Destroy; leaf frames are owned by
// whoever requested the mapping.
//
// A PageTable is not safe for concurrent mutation.
type PageTable struct {
	root  mm.PhysPageNum
	owned []mm.PhysPageNum

	frames FrameSource
	mem    mm.PageAccessor
	log    *zap.Logger
}

// New returns a page table with a freshly allocated, empty root.
func New(frames FrameSource, mem mm.PageAccessor, log *zap.Logger) (*PageTable, *kernel.Error) {
	rootFrame, err := frames.AllocFrame()
	if err != nil {
		return nil, err
	}

	pt := newPageTable(rootFrame.PPN, frames, mem, log)
	pt.owned = append(pt.owned, rootFrame.PPN)

	pt.log.Debug("created page table", zap.Stringer("root", pt.Root()))
	return pt, nil
}

// NewFromRoot wraps an existing root table located at root. The address is
// trusted verbatim and the root frame is not released by Destroy.
func NewFromRoot(root mm.PhysAddr, frames FrameSource, mem mm.PageAccessor, log *zap.Logger) *PageTable {
	return newPageTable(root.FloorPage(), frames, mem, log)
}

// NewFromBootTable returns a page table with a freshly allocated root whose
// entries are copied from the boot table at bootRoot. Lower level tables
// reachable from the boot table are shared, not copied.
func NewFromBootTable(bootRoot mm.PhysAddr, frames FrameSource, mem mm.PageAccessor, log *zap.Logger) (*PageTable, *kernel.Error) {
	pt, err := New(frames, mem, log)
	if err != nil {
		return nil, err
	}

	*mem.Page(pt.root) = *mem.Page(bootRoot.FloorPage())
	pt.log.Info("imported boot page table", zap.Stringer("boot_root", bootRoot), zap.Stringer("root", pt.Root()))
	return pt, nil
}

func newPageTable(root mm.PhysPageNum, frames FrameSource, mem mm.PageAccessor, log *zap.Logger) *PageTable {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageTable{
		root:   root,
		frames: frames,
		mem:    mem,
		log:    log,
	}
}

// Root returns the physical address of the root table.
func (pt *PageTable) Root() mm.PhysAddr {
	return pt.root.Address()
}

// MapPage maps the page containing va to the frame containing pa. Missing
// directories are allocated along the way. Any existing leaf is overwritten.
func (pt *PageTable) MapPage(va mm.VirtAddr, pa mm.PhysAddr, flags EntryFlag) *kernel.Error {
	var err *kernel.Error

	pt.walk(va, func(level uint8, pte *Entry) bool {
		// If we reached the last level all we need to do is to install
		// the leaf.
		if level == pageLevels-1 {
			*pte = NewEntry(pa, flags|FlagValid)
			return true
		}

		if pte.IsLeaf() {
			err = errNoHugePageSupport
			return false
		}

		// Next table may not yet exist; tableFor allocates it.
		_, err = pt.tableFor(pte)
		return err == nil
	})

	if err == nil {
		pt.log.Debug("mapped page", zap.Stringer("va", va), zap.Stringer("pa", pa), zap.Stringer("flags", flags))
	}
	return err
}

// UnmapPage removes the leaf for the page containing va and returns the
// physical address it pointed to. If dealloc is set the frame is returned
// to the frame source. Unmapping a page that is not mapped is a contract
// violation.
func (pt *PageTable) UnmapPage(va mm.VirtAddr, dealloc bool) mm.PhysAddr {
	var pa mm.PhysAddr

	pt.walk(va, func(level uint8, pte *Entry) bool {
		if level == pageLevels-1 {
			if !pte.IsValid() {
				kernel.Panic(errUnmapAbsentPage)
			}

			pa = pte.Address()
			pte.Clear()
			return true
		}

		if !pte.IsValid() {
			kernel.Panic(errMissingDirectory)
		}
		if pte.IsLeaf() {
			kernel.Panic(errNoHugePageSupport)
		}
		return true
	})

	if dealloc {
		pt.frames.DeallocFrames(pa.FloorPage(), 1)
	}

	pt.log.Debug("unmapped page", zap.Stringer("va", va), zap.Stringer("pa", pa), zap.Bool("dealloc", dealloc))
	return pa
}

// MapRegion maps [va, va+size) to [pa, pa+size) one page at a time. The
// operation is not atomic: on error the pages mapped so far stay mapped.
func (pt *PageTable) MapRegion(va mm.VirtAddr, pa mm.PhysAddr, size uint64, flags EntryFlag) *kernel.Error {
	pt.log.Debug("map region",
		zap.Stringer("va", va),
		zap.Stringer("pa", pa),
		zap.Uint64("size", size),
		zap.Stringer("flags", flags),
	)

	for offset := uint64(0); offset < size; offset += mm.PageSize {
		if err := pt.MapPage(va.Add(offset), pa.Add(offset), flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRegion unmaps every page in [va, va+size).
func (pt *PageTable) UnmapRegion(va mm.VirtAddr, size uint64, dealloc bool) {
	pt.log.Debug("unmap region", zap.Stringer("va", va), zap.Uint64("size", size), zap.Bool("dealloc", dealloc))

	for offset := uint64(0); offset < size; offset += mm.PageSize {
		pt.UnmapPage(va.Add(offset), dealloc)
	}
}

// Query returns the physical address that corresponds to va or
// ErrInvalidMapping if va is not mapped. Leaves found above the last level
// translate with the offset inside the larger page.
func (pt *PageTable) Query(va mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	pte, level, ok := pt.leafFor(va)
	if !ok {
		return 0, ErrInvalidMapping
	}

	offset := uint64(va) & ((uint64(1) << pageLevelShifts[level]) - 1)
	return pte.Address().Add(offset), nil
}

// Lookup returns a copy of the leaf entry that maps va.
func (pt *PageTable) Lookup(va mm.VirtAddr) (Entry, bool) {
	pte, _, ok := pt.leafFor(va)
	return pte, ok
}

// MapHuge installs a 1 GiB leaf in the root table. Both addresses must be
// 1 GiB aligned.
func (pt *PageTable) MapHuge(va mm.VirtAddr, pa mm.PhysAddr, flags EntryFlag) *kernel.Error {
	if uint64(va)&(mm.HugePageSize-1) != 0 || uint64(pa)&(mm.HugePageSize-1) != 0 {
		kernel.Panic(errMisalignedHugePage)
	}

	pte := pt.rootEntry(va)
	if pte.IsDirectory() {
		return errHugePageOverTable
	}

	// A huge leaf needs at least one permission bit to be told apart from
	// a directory.
	if flags&leafFlags == 0 {
		flags |= FlagRead
	}
	*pte = NewEntry(pa, flags|FlagValid)

	pt.log.Debug("mapped huge page", zap.Stringer("va", va), zap.Stringer("pa", pa), zap.Stringer("flags", flags))
	return nil
}

// UnmapHuge removes the 1 GiB leaf that covers va and returns the physical
// address it pointed to.
func (pt *PageTable) UnmapHuge(va mm.VirtAddr) mm.PhysAddr {
	pte := pt.rootEntry(va)
	if !pte.IsLeaf() {
		kernel.Panic(errUnmapAbsentPage)
	}

	pa := pte.Address()
	pte.Clear()
	return pa
}

// Destroy releases every directory frame allocated by this table. Leaf
// frames are left untouched. The table must not be used afterwards.
func (pt *PageTable) Destroy() {
	for _, ppn := range pt.owned {
		pt.frames.DeallocFrames(ppn, 1)
	}

	pt.log.Debug("destroyed page table", zap.Stringer("root", pt.Root()), zap.Int("tables", len(pt.owned)))
	pt.owned = nil
}

// leafFor walks the table for va and returns the first leaf it meets along
// with its level.
func (pt *PageTable) leafFor(va mm.VirtAddr) (Entry, uint8, bool) {
	var (
		leaf  Entry
		found uint8
		ok    bool
	)

	pt.walk(va, func(level uint8, pte *Entry) bool {
		if !pte.IsValid() {
			return false
		}

		if pte.IsLeaf() {
			leaf, found, ok = *pte, level, true
			return false
		}

		// A directory at the last level is malformed; treat it as
		// unmapped.
		return level < pageLevels-1
	})

	return leaf, found, ok
}

func (pt *PageTable) rootEntry(va mm.VirtAddr) *Entry {
	return entryAt(pt.mem.Page(pt.root), va.Index(pageLevelShifts[0]))
}

// tableFor returns the table a directory entry points to, allocating and
// installing a new one if the entry is absent.
func (pt *PageTable) tableFor(pte *Entry) (*mm.PageWords, *kernel.Error) {
	if !pte.IsValid() {
		tableFrame, err := pt.frames.AllocFrame()
		if err != nil {
			return nil, err
		}

		pt.owned = append(pt.owned, tableFrame.PPN)
		*pte = NewEntry(tableFrame.Address(), FlagValid)
	}

	return pt.mem.Page(pte.PPN()), nil
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(level uint8, pte *Entry) bool

// walk performs a page table walk for the given virtual address. It calls
// walkFn with the entry that corresponds to each level, then descends into
// the table that entry points to. walkFn is responsible for stopping the walk
// before an absent entry is followed.
func (pt *PageTable) walk(va mm.VirtAddr, walkFn pageTableWalker) {
	table := pt.root
	for level := uint8(0); level < pageLevels; level++ {
		pte := entryAt(pt.mem.Page(table), va.Index(pageLevelShifts[level]))
		if !walkFn(level, pte) {
			return
		}
		table = pte.PPN()
	}
}

// entryAt returns a pointer to entry index of a table page.
func entryAt(table *mm.PageWords, index int) *Entry {
	return (*Entry)(&table[index])
}
