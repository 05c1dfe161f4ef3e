package mem

import (
	"errors"
	"fmt"
)

// PageSize is the size of a base page frame.
const PageSize = 0x1000

var (
	ErrNoMemory     = errors.New("mem: out of memory")
	ErrInvalidParam = errors.New("mem: invalid allocation parameter")
)

// Allocator hands out contiguous runs of page frames. Addresses are kernel
// addresses inside the identity window; callers convert them with
// Window.KernelToPhys when they need the physical frame.
//
// Implementations must be safe for concurrent use: the loader allocates while
// already-spawned tasks may allocate or free.
type Allocator interface {
	// AllocPages returns the kernel address of count contiguous frames aligned
	// to align bytes. align must be a power-of-two multiple of PageSize.
	AllocPages(count int, align uint64) (uint64, error)
	// DeallocPages returns frames obtained from AllocPages.
	DeallocPages(kva uint64, count int)
	// UsedPages returns the number of frames currently handed out.
	UsedPages() int
	// AvailablePages returns the number of frames that can still be handed out.
	AvailablePages() int
}

func checkAllocParams(count int, align uint64) error {
	if count <= 0 {
		return fmt.Errorf("%w: count %d", ErrInvalidParam, count)
	}
	if align%PageSize != 0 || align&(align-1) != 0 {
		return fmt.Errorf("%w: alignment %#x", ErrInvalidParam, align)
	}
	return nil
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}
