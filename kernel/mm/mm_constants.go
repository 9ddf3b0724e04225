package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = uint64(1 << PageShift)

	// EntryShift is equal to log2 of the number of entries in a page table.
	EntryShift = 9

	// EntriesPerTable is the number of 8-byte records that fit in a page.
	EntriesPerTable = 1 << EntryShift

	// HugePageSize is the span covered by one top-level leaf entry.
	HugePageSize = uint64(1) << (PageShift + 2*EntryShift)

	// Address widths for the Sv39 paging scheme.
	PhysAddrWidth    = 56
	VirtAddrWidth    = 64
	PhysPageNumWidth = PhysAddrWidth - PageShift
	VirtPageNumWidth = VirtAddrWidth - PageShift

	pageOffsetMask = PageSize - 1
	entryIndexMask = EntriesPerTable - 1
)

// mask returns a value with the low width bits set.
func mask(width uint) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}
