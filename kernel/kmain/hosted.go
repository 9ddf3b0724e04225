package kmain

import (
	"generalos/kernel/config"
	"generalos/kernel/mm"
	"generalos/kernel/mm/vmm"
)

const (
	// hostedLoadOffset is the offset of the kernel image from the start of
	// RAM, leaving room for the firmware.
	hostedLoadOffset = 0x20_0000

	hostedSectionSize = 0x10_0000
)

// HostedBootInfo plays the part of the boot trampoline on a hosted build: it
// lays out a kernel image at the start of the kernel window, reserves the
// heap inside its bss section and writes the boot table into the first page
// of its data section.
func HostedBootInfo(cfg config.Config, mem mm.PageAccessor) BootInfo {
	layout := mm.NewLayout(
		mm.NewPhysAddr(cfg.PhysMemStart),
		mm.NewPhysAddr(cfg.PhysMemEnd()),
		mm.NewVirtAddr(cfg.KernelVirtStart),
		mm.NewVirtAddr(cfg.KernelVirtEnd),
		nil,
	)

	var img mm.KernelImage
	img.TextStart = layout.KernelVirtStart.Add(hostedLoadOffset)
	img.TextEnd = img.TextStart.Add(hostedSectionSize)
	img.RodataStart, img.RodataEnd = img.TextEnd, img.TextEnd.Add(hostedSectionSize)
	img.DataStart, img.DataEnd = img.RodataEnd, img.RodataEnd.Add(hostedSectionSize)
	img.BssStart = img.DataEnd
	img.BssEnd = img.BssStart.Add(cfg.KernelHeapSize + hostedSectionSize).Ceil()

	bootTable := layout.KernelVirtToPhys(img.DataStart)
	vmm.BuildBootTable(mem, bootTable, layout)

	return BootInfo{
		BootTable: bootTable,
		Image:     img,
		HeapBase:  uint64(img.BssStart.Add(hostedSectionSize)),
	}
}
