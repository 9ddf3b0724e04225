package vmm

import "generalos/kernel/mm"

const (
	// pageLevels indicates the number of page levels walked by the Sv39
	// translation scheme.
	pageLevels = 3

	// ptePPNShift is the bit offset of the physical page number inside an
	// entry.
	ptePPNShift = 10

	// ptePPNMask extracts the physical page number field (bits 10-53) of an
	// entry.
	ptePPNMask = uint64(0x003f_ffff_ffff_fc00)

	// pteFlagsMask extracts the flag field (bits 0-9) of an entry.
	pteFlagsMask = uint64(0x3ff)
)

// pageLevelShifts defines the shift required to access each page table
// component of a virtual address, starting from the root.
var pageLevelShifts = [pageLevels]uint{
	mm.PageShift + 2*mm.EntryShift,
	mm.PageShift + mm.EntryShift,
	mm.PageShift,
}

const (
	// FlagValid marks the entry as present.
	FlagValid EntryFlag = 1 << iota

	// FlagRead allows loads from the page.
	FlagRead

	// FlagWrite allows stores to the page.
	FlagWrite

	// FlagExec allows instruction fetches from the page.
	FlagExec

	// FlagUser makes the page accessible from user mode.
	FlagUser

	// FlagGlobal marks a mapping that exists in every address space.
	FlagGlobal

	// FlagAccessed is set by the MMU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the MMU when the page is written to.
	FlagDirty

	// FlagCopyOnWrite marks a leaf whose frame is shared with another
	// address space. It occupies the first software-reserved bit.
	FlagCopyOnWrite

	// FlagReserved is the second software-reserved bit.
	FlagReserved
)

// leafFlags are the permission bits whose presence turns a valid entry into
// a leaf. A valid entry with none of them set points to the next table.
const leafFlags = FlagRead | FlagWrite | FlagExec | FlagUser

// BootEntryFlags are the flags of the 1 GiB leaves installed in the
// trampoline page table (V|R|W|X|A|D, 0xcf).
const BootEntryFlags = FlagValid | FlagRead | FlagWrite | FlagExec | FlagAccessed | FlagDirty
