// Package config holds the static configuration of the memory subsystem. The
// defaults mirror the values the kernel is linked with; a YAML file can
// override them for hosted runs.
package config

import (
	"fmt"
	"os"

	"generalos/kernel/klog"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	pageMask     = 4096 - 1
	hugePageMask = 1<<30 - 1
)

// Config describes the memory layout and allocator parameters.
type Config struct {
	// KernelHeapSize is the size in bytes of the static region backing the
	// kernel heap.
	KernelHeapSize uint64 `yaml:"kernel_heap_size"`

	// PhysMemStart is the physical address where RAM begins.
	PhysMemStart uint64 `yaml:"phys_mem_start"`

	// PhysMemSize is the amount of RAM in bytes.
	PhysMemSize uint64 `yaml:"phys_mem_size"`

	// KernelVirtStart and KernelVirtEnd bound the kernel's linear mapping of
	// physical memory.
	KernelVirtStart uint64 `yaml:"kernel_virt_start"`
	KernelVirtEnd   uint64 `yaml:"kernel_virt_end"`

	// HeapOrder and FrameOrder are the number of free lists kept by the heap
	// and frame buddy allocators.
	HeapOrder  int `yaml:"heap_order"`
	FrameOrder int `yaml:"frame_order"`

	Log     klog.Config `yaml:"log"`
	Metrics Metrics     `yaml:"metrics"`
}

// Metrics controls the prometheus endpoint of the hosted simulator.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// PhysMemEnd returns the first physical address past the end of RAM.
func (c Config) PhysMemEnd() uint64 {
	return c.PhysMemStart + c.PhysMemSize
}

// Defaults returns the configuration the kernel is built with.
func Defaults() Config {
	return Config{
		KernelHeapSize:  16 << 20,
		PhysMemStart:    0x8000_0000,
		PhysMemSize:     4 << 30,
		KernelVirtStart: 0xFFFF_FFFF_8000_0000,
		KernelVirtEnd:   0xFFFF_FFFF_FFFF_FFFF,
		HeapOrder:       32,
		FrameOrder:      32,
		Log: klog.Config{
			Level:  zapcore.InfoLevel,
			Format: "console",
		},
		Metrics: Metrics{
			Addr: ":9100",
		},
	}
}

// Load reads the YAML file at path on top of Defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks that the layout is page aligned and the allocator orders are
// usable.
func (c Config) Validate() error {
	switch {
	case c.KernelHeapSize == 0:
		return fmt.Errorf("kernel_heap_size must be non-zero")
	case c.PhysMemSize == 0:
		return fmt.Errorf("phys_mem_size must be non-zero")
	case c.PhysMemStart&pageMask != 0 || c.PhysMemSize&pageMask != 0:
		return fmt.Errorf("physical memory window [%#x, %#x) is not page aligned", c.PhysMemStart, c.PhysMemEnd())
	case c.PhysMemStart&hugePageMask != 0:
		return fmt.Errorf("phys_mem_start %#x is not 1 GiB aligned", c.PhysMemStart)
	case c.PhysMemEnd() < c.PhysMemStart:
		return fmt.Errorf("physical memory window overflows")
	case c.KernelHeapSize >= c.PhysMemSize:
		return fmt.Errorf("kernel_heap_size %#x does not fit in phys_mem_size %#x", c.KernelHeapSize, c.PhysMemSize)
	case c.KernelVirtStart&pageMask != 0:
		return fmt.Errorf("kernel_virt_start %#x is not page aligned", c.KernelVirtStart)
	case c.KernelVirtEnd <= c.KernelVirtStart:
		return fmt.Errorf("kernel virtual window is empty")
	case c.HeapOrder < 1 || c.HeapOrder > 63:
		return fmt.Errorf("heap_order %d out of range [1, 63]", c.HeapOrder)
	case c.FrameOrder < 1 || c.FrameOrder > 63:
		return fmt.Errorf("frame_order %d out of range [1, 63]", c.FrameOrder)
	}
	return nil
}
