package vmm

import (
	"fmt"

	"generalos/kernel"
	"generalos/kernel/mm"
)

var (
	errAlreadyShared = &kernel.Error{Module: "vmm", Message: "entry is already shared"}
	errNotShared     = &kernel.Error{Module: "vmm", Message: "entry is not shared"}
)

// EntryFlag describes a flag that can be applied to a page table entry.
type EntryFlag uint64

// Entry is an 8-byte page table entry. It encodes a physical page number in
// bits 10-53 and a set of flags in bits 0-9. The layout is consumed directly
// by the MMU.
type Entry uint64

// NewEntry returns an entry pointing at the page that contains pa.
func NewEntry(pa mm.PhysAddr, flags EntryFlag) Entry {
	return Entry(((uint64(pa.Floor()) >> 2) & ptePPNMask) | (uint64(flags) & pteFlagsMask))
}

// PPN returns the physical page number the entry points to.
func (pte Entry) PPN() mm.PhysPageNum {
	return mm.PhysPageNum((uint64(pte) & ptePPNMask) >> ptePPNShift)
}

// Address returns the physical address of the page the entry points to.
func (pte Entry) Address() mm.PhysAddr {
	return pte.PPN().Address()
}

// Flags returns the flag field of the entry.
func (pte Entry) Flags() EntryFlag {
	return EntryFlag(uint64(pte) & pteFlagsMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte Entry) HasFlags(flags EntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte Entry) HasAnyFlag(flags EntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *Entry) SetFlags(flags EntryFlag) {
	*pte = Entry(uint64(*pte) | (uint64(flags) & pteFlagsMask))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *Entry) ClearFlags(flags EntryFlag) {
	*pte = Entry(uint64(*pte) &^ (uint64(flags) & pteFlagsMask))
}

// SetFrame updates the entry to point at the given physical page, keeping
// its flags.
func (pte *Entry) SetFrame(ppn mm.PhysPageNum) {
	*pte = Entry((uint64(*pte) &^ ptePPNMask) | ((uint64(ppn) << ptePPNShift) & ptePPNMask))
}

// Clear marks the entry as absent.
func (pte *Entry) Clear() {
	*pte = 0
}

// IsValid returns true if the entry is present.
func (pte Entry) IsValid() bool { return pte.HasFlags(FlagValid) }

// IsLeaf returns true if the entry is present and maps a page.
func (pte Entry) IsLeaf() bool { return pte.IsValid() && pte.HasAnyFlag(leafFlags) }

// IsDirectory returns true if the entry is present and points to the next
// level table.
func (pte Entry) IsDirectory() bool { return pte.IsValid() && !pte.HasAnyFlag(leafFlags) }

func (pte Entry) IsReadable() bool   { return pte.HasFlags(FlagRead) }
func (pte Entry) IsWritable() bool   { return pte.HasFlags(FlagWrite) }
func (pte Entry) IsExecutable() bool { return pte.HasFlags(FlagExec) }
func (pte Entry) IsUser() bool       { return pte.HasFlags(FlagUser) }
func (pte Entry) IsGlobal() bool     { return pte.HasFlags(FlagGlobal) }

// IsShared returns true if the frame is shared copy-on-write.
func (pte Entry) IsShared() bool { return pte.HasFlags(FlagCopyOnWrite) }

// BecomeShared flags the entry as copy-on-write. Unless sharedWritable is
// set the write permission is dropped so the first store faults.
func (pte *Entry) BecomeShared(sharedWritable bool) {
	if pte.IsShared() {
		kernel.Panic(errAlreadyShared)
	}

	pte.SetFlags(FlagCopyOnWrite)
	if !sharedWritable {
		pte.ClearFlags(FlagWrite)
	}
}

// BecomeUnique is the inverse of BecomeShared and is applied once the entry
// owns a private copy of its frame.
func (pte *Entry) BecomeUnique(uniqueWritable bool) {
	if !pte.IsShared() {
		kernel.Panic(errNotShared)
	}

	pte.ClearFlags(FlagCopyOnWrite)
	if uniqueWritable {
		pte.SetFlags(FlagWrite)
	}
}

func (pte Entry) String() string {
	return fmt.Sprintf("PTE(%#018x, ppn: %s, flags: %s)", uint64(pte), pte.PPN(), pte.Flags())
}

var flagNames = [...]byte{'V', 'R', 'W', 'X', 'U', 'G', 'A', 'D', 'C', 'S'}

// String renders the flags as a fixed-width string with '-' for each unset
// bit, e.g. "VRW-----C-".
func (f EntryFlag) String() string {
	var out [len(flagNames)]byte
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			out[i] = name
		} else {
			out[i] = '-'
		}
	}
	return string(out[:])
}
