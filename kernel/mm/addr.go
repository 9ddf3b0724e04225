package mm

import "fmt"

// PhysAddr is a physical memory address. Values built with NewPhysAddr are
// masked to PhysAddrWidth bits.
type PhysAddr uint64

// VirtAddr is a virtual memory address. Values built with NewVirtAddr are
// masked to VirtAddrWidth bits.
type VirtAddr uint64

// PhysPageNum describes a physical memory page index (address >> PageShift).
type PhysPageNum uint64

// VirtPageNum describes a virtual memory page index (address >> PageShift).
type VirtPageNum uint64

// NewPhysAddr returns the physical address for raw, truncated to the
// architecture's physical address width.
func NewPhysAddr(raw uint64) PhysAddr { return PhysAddr(raw & mask(PhysAddrWidth)) }

// NewVirtAddr returns the virtual address for raw, truncated to the
// architecture's virtual address width.
func NewVirtAddr(raw uint64) VirtAddr { return VirtAddr(raw & mask(VirtAddrWidth)) }

// NewPhysPageNum returns the physical page number for raw, truncated to the
// width of a physical page number.
func NewPhysPageNum(raw uint64) PhysPageNum { return PhysPageNum(raw & mask(PhysPageNumWidth)) }

// NewVirtPageNum returns the virtual page number for raw, truncated to the
// width of a virtual page number.
func NewVirtPageNum(raw uint64) VirtPageNum { return VirtPageNum(raw & mask(VirtPageNumWidth)) }

// Add returns a+n, masked to the physical address width.
func (a PhysAddr) Add(n uint64) PhysAddr { return NewPhysAddr(uint64(a) + n) }

// Floor rounds a down to the start of the page that contains it.
func (a PhysAddr) Floor() PhysAddr { return a &^ PhysAddr(pageOffsetMask) }

// Ceil rounds a up to the next page boundary. Addresses at the very top of
// the address space wrap around.
func (a PhysAddr) Ceil() PhysAddr { return a.Add(pageOffsetMask).Floor() }

// Offset returns the offset of a within its page.
func (a PhysAddr) Offset() uint64 { return uint64(a) & pageOffsetMask }

// FloorPage returns the page that contains a.
func (a PhysAddr) FloorPage() PhysPageNum { return PhysPageNum(uint64(a) >> PageShift) }

// CeilPage returns the first page that starts at or after a.
func (a PhysAddr) CeilPage() PhysPageNum { return a.Ceil().FloorPage() }

func (a PhysAddr) String() string { return fmt.Sprintf("PA(%#x)", uint64(a)) }

// Add returns a+n, masked to the virtual address width.
func (a VirtAddr) Add(n uint64) VirtAddr { return NewVirtAddr(uint64(a) + n) }

// Floor rounds a down to the start of the page that contains it.
func (a VirtAddr) Floor() VirtAddr { return a &^ VirtAddr(pageOffsetMask) }

// Ceil rounds a up to the next page boundary.
func (a VirtAddr) Ceil() VirtAddr { return a.Add(pageOffsetMask).Floor() }

// Offset returns the offset of a within its page.
func (a VirtAddr) Offset() uint64 { return uint64(a) & pageOffsetMask }

// FloorPage returns the page that contains a.
func (a VirtAddr) FloorPage() VirtPageNum { return VirtPageNum(uint64(a) >> PageShift) }

// CeilPage returns the first page that starts at or after a.
func (a VirtAddr) CeilPage() VirtPageNum { return a.Ceil().FloorPage() }

// P4Index, P3Index, P2Index and P1Index extract the 9-bit table index used at
// each paging level. Sv39 walks start at P3; P4 is only meaningful for wider
// schemes.
func (a VirtAddr) P4Index() int { return a.Index(PageShift + 3*EntryShift) }
func (a VirtAddr) P3Index() int { return a.Index(PageShift + 2*EntryShift) }
func (a VirtAddr) P2Index() int { return a.Index(PageShift + EntryShift) }
func (a VirtAddr) P1Index() int { return a.Index(PageShift) }

// Index extracts the 9-bit table index that starts at bit shift.
func (a VirtAddr) Index(shift uint) int { return int((uint64(a) >> shift) & entryIndexMask) }

func (a VirtAddr) String() string { return fmt.Sprintf("VA(%#x)", uint64(a)) }

// Address returns the physical address of the first byte in this page.
func (p PhysPageNum) Address() PhysAddr { return NewPhysAddr(uint64(p) << PageShift) }

// Add returns the page n pages after p.
func (p PhysPageNum) Add(n uint64) PhysPageNum { return NewPhysPageNum(uint64(p) + n) }

func (p PhysPageNum) String() string { return fmt.Sprintf("PPN(%#x)", uint64(p)) }

// Address returns the virtual address of the first byte in this page.
func (p VirtPageNum) Address() VirtAddr { return NewVirtAddr(uint64(p) << PageShift) }

// Add returns the page n pages after p.
func (p VirtPageNum) Add(n uint64) VirtPageNum { return NewVirtPageNum(uint64(p) + n) }

func (p VirtPageNum) String() string { return fmt.Sprintf("VPN(%#x)", uint64(p)) }
