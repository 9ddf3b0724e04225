package mm

import (
	"generalos/kernel"

	"github.com/puzpuzpuz/xsync/v3"
)

// PageWords is the contents of one physical page viewed as an array of
// 64-bit words. Page tables reinterpret it as an array of entries.
type PageWords [EntriesPerTable]uint64

// PageAccessor provides typed access to the contents of physical pages.
type PageAccessor interface {
	// Page returns the contents of the physical page ppn.
	Page(ppn PhysPageNum) *PageWords
}

var errOutsideArena = &kernel.Error{Module: "mm", Message: "physical page outside of the memory window"}

// Arena is a PageAccessor for the physical pages in [start, end). Pages are
// materialized on first access so sparse use of a large window stays cheap.
// Arena is safe for concurrent use.
type Arena struct {
	start, end PhysPageNum
	pages      *xsync.MapOf[PhysPageNum, *PageWords]
}

// NewArena returns an arena covering the pages that lie entirely inside
// [start, end).
func NewArena(start, end PhysAddr) *Arena {
	return &Arena{
		start: start.CeilPage(),
		end:   end.FloorPage(),
		pages: xsync.NewMapOf[PhysPageNum, *PageWords](),
	}
}

// Contains returns true if ppn lies inside the arena window.
func (a *Arena) Contains(ppn PhysPageNum) bool {
	return ppn >= a.start && ppn < a.end
}

// Page implements PageAccessor. Accessing a page outside the window is a
// contract violation.
func (a *Arena) Page(ppn PhysPageNum) *PageWords {
	if !a.Contains(ppn) {
		kernel.Panic(errOutsideArena)
	}

	page, _ := a.pages.LoadOrCompute(ppn, func() *PageWords {
		return new(PageWords)
	})
	return page
}

// Zero clears count pages starting at ppn.
func (a *Arena) Zero(ppn PhysPageNum, count uint64) {
	for i := uint64(0); i < count; i++ {
		cur := ppn.Add(i)
		if !a.Contains(cur) {
			kernel.Panic(errOutsideArena)
		}

		// Pages that were never touched are already zero.
		if page, ok := a.pages.Load(cur); ok {
			*page = PageWords{}
		}
	}
}

// Copy copies the contents of page src into page dst.
func (a *Arena) Copy(dst, src PhysPageNum) {
	*a.Page(dst) = *a.Page(src)
}

// Resident returns the number of pages that have been materialized.
func (a *Arena) Resident() int {
	return a.pages.Size()
}
