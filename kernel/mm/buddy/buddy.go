// Package buddy implements a power-of-two block allocator over a linear range
// of units. The unit is chosen by the caller: the kernel heap uses bytes and
// the frame allocator uses physical pages.
//
// Free blocks of size 2^k units are kept in free list k and always start at
// a multiple of 2^k. Allocation splits the smallest suitable block; freeing a
// block merges it with its buddy (the block whose start differs only in bit k)
// for as long as the buddy is free.
package buddy

import (
	"math/bits"

	"generalos/kernel"
	"generalos/kernel/sync"

	"go.uber.org/zap"
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "buddy", Message: "out of memory"}

	errNotPowerOfTwo  = &kernel.Error{Module: "buddy", Message: "size and alignment must be powers of two"}
	errMisalignedFree = &kernel.Error{Module: "buddy", Message: "freed block is not aligned to its size"}
	errFreeOverflow   = &kernel.Error{Module: "buddy", Message: "freed more units than were allocated"}
	errBlockTooLarge  = &kernel.Error{Module: "buddy", Message: "freed block is larger than the largest order"}
	errEmptyRange     = &kernel.Error{Module: "buddy", Message: "allocator range is empty"}
	errBadOrder       = &kernel.Error{Module: "buddy", Message: "allocator order must be in [1, 63]"}
	errEmptyFreeList  = &kernel.Error{Module: "buddy", Message: "free list unexpectedly empty while splitting"}
)

// Allocator is a lock-protected buddy allocator with order free lists. The
// largest block it manages is 2^(order-1) units.
type Allocator struct {
	name  string
	order int
	log   *zap.Logger

	lock      sync.Spinlock
	freeList  [][]uint64
	total     uint64
	allocated uint64
}

// Stats is a point-in-time snapshot of an allocator's counters.
type Stats struct {
	Total     uint64
	Allocated uint64

	// FreeBlocks[k] is the number of free blocks of size 2^k.
	FreeBlocks []int
}

// New returns an empty allocator with order free lists. Init must be called
// before any allocation can succeed.
func New(name string, order int, log *zap.Logger) *Allocator {
	if order < 1 || order > 63 {
		kernel.Panic(errBadOrder)
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Allocator{
		name:     name,
		order:    order,
		log:      log.With(zap.String("allocator", name)),
		freeList: make([][]uint64, order),
	}
}

// Name returns the name the allocator was created with.
func (a *Allocator) Name() string { return a.name }

// Order returns the number of free lists.
func (a *Allocator) Order() int { return a.order }

// Init discards any previous state and carves [start, end) into maximal
// aligned power-of-two blocks.
func (a *Allocator) Init(start, end uint64) {
	if start >= end {
		kernel.Panic(errEmptyRange)
	}

	a.lock.Acquire()
	defer a.lock.Release()

	for i := range a.freeList {
		a.freeList[i] = a.freeList[i][:0]
	}

	maxBlock := uint64(1) << (a.order - 1)
	for current := start; current < end; {
		size := maxBlock
		if current != 0 {
			size = min(size, current&-current)
		}
		size = min(size, prevPowerOfTwo(end-current))

		order := bits.TrailingZeros64(size)
		a.freeList[order] = append(a.freeList[order], current)
		current += size
	}

	a.total = end - start
	a.allocated = 0

	a.log.Debug("buddy allocator initialized",
		zap.Uint64("start", start),
		zap.Uint64("end", end),
		zap.Uint64("total", a.total),
	)
}

// Alloc reserves a block of size units whose start is a multiple of align.
// Both arguments must be powers of two. Zero-sized requests and requests that
// cannot be satisfied return ErrOutOfMemory.
func (a *Allocator) Alloc(size, align uint64) (uint64, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if size == 0 || align == 0 || size > a.total || align > a.total {
		return 0, ErrOutOfMemory
	}
	if !isPowerOfTwo(size) || !isPowerOfTwo(align) {
		kernel.Panic(errNotPowerOfTwo)
	}

	order := bits.TrailingZeros64(size)
	startOrder := max(order, bits.TrailingZeros64(align))

	for i := startOrder; i < a.order; i++ {
		if len(a.freeList[i]) == 0 {
			continue
		}

		// Split down to the requested order. The upper half of each split
		// goes back on the free list and the lower half is split further.
		for j := i; j > order; j-- {
			block := a.pop(j)
			a.push(j-1, block+(uint64(1)<<(j-1)))
			a.push(j-1, block)
		}

		block := a.pop(order)
		a.allocated += size
		return block, nil
	}

	return 0, ErrOutOfMemory
}

// Dealloc returns a block previously obtained from Alloc. The caller must pass
// the exact start and size pair that Alloc was called with.
func (a *Allocator) Dealloc(start, size uint64) {
	if !isPowerOfTwo(size) {
		kernel.Panic(errNotPowerOfTwo)
	}
	if bits.TrailingZeros64(size) >= a.order {
		kernel.Panic(errBlockTooLarge)
	}
	if start&(size-1) != 0 {
		kernel.Panic(errMisalignedFree)
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if size > a.allocated {
		kernel.Panic(errFreeOverflow)
	}

	block, order := start, bits.TrailingZeros64(size)
	for order < a.order-1 {
		buddy := block ^ (uint64(1) << order)
		index := indexOf(a.freeList[order], buddy)
		if index < 0 {
			break
		}

		a.freeList[order] = append(a.freeList[order][:index], a.freeList[order][index+1:]...)
		block &= buddy
		order++
	}

	a.push(order, block)
	a.allocated -= size
}

// Total returns the number of units managed by the allocator.
func (a *Allocator) Total() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.total
}

// Allocated returns the number of units currently handed out.
func (a *Allocator) Allocated() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.allocated
}

// FreeBlocks returns a copy of the free lists; entry k holds the start of
// every free block of size 2^k.
func (a *Allocator) FreeBlocks() [][]uint64 {
	a.lock.Acquire()
	defer a.lock.Release()

	out := make([][]uint64, a.order)
	for i, list := range a.freeList {
		out[i] = append([]uint64(nil), list...)
	}
	return out
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	a.lock.Acquire()
	defer a.lock.Release()

	stats := Stats{
		Total:      a.total,
		Allocated:  a.allocated,
		FreeBlocks: make([]int, a.order),
	}
	for i, list := range a.freeList {
		stats.FreeBlocks[i] = len(list)
	}
	return stats
}

// Dump logs the allocator counters and every non-empty free list at debug
// level.
func (a *Allocator) Dump() {
	free := a.FreeBlocks()
	stats := a.Stats()

	a.log.Debug("buddy allocator state",
		zap.Uint64("total", stats.Total),
		zap.Uint64("allocated", stats.Allocated),
	)
	for order, list := range free {
		if len(list) == 0 {
			continue
		}
		a.log.Debug("free list", zap.Int("order", order), zap.Uint64s("blocks", list))
	}
}

func (a *Allocator) push(order int, block uint64) {
	a.freeList[order] = append(a.freeList[order], block)
}

func (a *Allocator) pop(order int) uint64 {
	list := a.freeList[order]
	if len(list) == 0 {
		kernel.Panic(errEmptyFreeList)
	}
	block := list[len(list)-1]
	a.freeList[order] = list[:len(list)-1]
	return block
}

func indexOf(list []uint64, block uint64) int {
	for i, v := range list {
		if v == block {
			return i
		}
	}
	return -1
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// prevPowerOfTwo returns the largest power of two that is <= v. v must be
// non-zero.
func prevPowerOfTwo(v uint64) uint64 {
	return uint64(1) << (63 - bits.LeadingZeros64(v))
}
