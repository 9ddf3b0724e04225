package mm

import (
	"go.uber.org/zap"
)

// Layout describes the physical memory window and the kernel's linear
// mapping of it.
type Layout struct {
	PhysStart       PhysAddr
	PhysEnd         PhysAddr
	KernelVirtStart VirtAddr
	KernelVirtEnd   VirtAddr

	log *zap.Logger
}

// NewLayout returns a Layout that reports out-of-range conversions to log.
func NewLayout(physStart, physEnd PhysAddr, kernelVirtStart, kernelVirtEnd VirtAddr, log *zap.Logger) *Layout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Layout{
		PhysStart:       physStart,
		PhysEnd:         physEnd,
		KernelVirtStart: kernelVirtStart,
		KernelVirtEnd:   kernelVirtEnd,
		log:             log,
	}
}

// PhysToKernelVirt returns the kernel virtual address that maps pa. Addresses
// outside the physical memory window are still translated but a warning is
// logged.
func (l *Layout) PhysToKernelVirt(pa PhysAddr) VirtAddr {
	if pa < l.PhysStart || pa >= l.PhysEnd {
		l.log.Warn("address not in physical memory range", zap.Stringer("pa", pa))
	}
	return NewVirtAddr(uint64(pa) - uint64(l.PhysStart) + uint64(l.KernelVirtStart))
}

// KernelVirtToPhys is the inverse of PhysToKernelVirt. Addresses outside the
// kernel virtual window are still translated but a warning is logged.
func (l *Layout) KernelVirtToPhys(va VirtAddr) PhysAddr {
	if va < l.KernelVirtStart || va > l.KernelVirtEnd {
		l.log.Warn("address not in kernel virtual memory range", zap.Stringer("va", va))
	}
	return NewPhysAddr(uint64(va) - uint64(l.KernelVirtStart) + uint64(l.PhysStart))
}

// Section identifies one region of the loaded kernel image.
type Section uint8

// Kernel image sections in link order.
const (
	SectionNone Section = iota
	SectionText
	SectionRodata
	SectionData
	SectionBss
)

var sectionNames = [...]string{"none", "text", "rodata", "data", "bss"}

func (s Section) String() string {
	if int(s) < len(sectionNames) {
		return sectionNames[s]
	}
	return "unknown"
}

// KernelImage holds the layout markers of the loaded kernel image as virtual
// addresses. Each section spans [start, end).
type KernelImage struct {
	TextStart, TextEnd     VirtAddr
	RodataStart, RodataEnd VirtAddr
	DataStart, DataEnd     VirtAddr
	BssStart, BssEnd       VirtAddr
}

// Start returns the first address of the image.
func (img KernelImage) Start() VirtAddr { return img.TextStart }

// End returns the first address past the image.
func (img KernelImage) End() VirtAddr { return img.BssEnd }

// Contains returns true if va lies inside the image.
func (img KernelImage) Contains(va VirtAddr) bool {
	return va >= img.Start() && va < img.End()
}

// SectionOf returns the section that contains va, or SectionNone. Stack
// walkers use it to reject frame pointers that leave the image.
func (img KernelImage) SectionOf(va VirtAddr) Section {
	switch {
	case va >= img.TextStart && va < img.TextEnd:
		return SectionText
	case va >= img.RodataStart && va < img.RodataEnd:
		return SectionRodata
	case va >= img.DataStart && va < img.DataEnd:
		return SectionData
	case va >= img.BssStart && va < img.BssEnd:
		return SectionBss
	}
	return SectionNone
}
