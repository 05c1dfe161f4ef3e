package mem

import (
	"fmt"
	"sync"
)

// EarlyAllocator is a top-down bump allocator. It keeps only a count of
// outstanding pages: individual frees are not reusable, but once every page
// has been returned the whole range becomes available again.
type EarlyAllocator struct {
	mu sync.Mutex

	base    uint64
	top     uint64
	current uint64
	used    int
}

var _ Allocator = (*EarlyAllocator)(nil)

// NewEarlyAllocator manages the frames fully contained in [start, start+size).
func NewEarlyAllocator(start, size uint64) (*EarlyAllocator, error) {
	base := alignUp(start, PageSize)
	top := alignDown(start+size, PageSize)
	if top <= base {
		return nil, fmt.Errorf("%w: region [%#x, %#x) holds no whole frame", ErrInvalidParam, start, start+size)
	}
	return &EarlyAllocator{
		base:    base,
		top:     top,
		current: top,
	}, nil
}

// AllocPages implements Allocator.
func (a *EarlyAllocator) AllocPages(count int, align uint64) (uint64, error) {
	if err := checkAllocParams(count, align); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	need := uint64(count) * PageSize
	if need > a.current-a.base {
		return 0, fmt.Errorf("%w: %d pages, %d available", ErrNoMemory, count, (a.current-a.base)/PageSize)
	}
	ptr := alignDown(a.current-need, align)
	if ptr < a.base {
		return 0, fmt.Errorf("%w: %d pages aligned to %#x", ErrNoMemory, count, align)
	}
	a.current = ptr
	a.used += count
	return ptr, nil
}

// DeallocPages implements Allocator.
func (a *EarlyAllocator) DeallocPages(kva uint64, count int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if count > a.used {
		panic(fmt.Sprintf("mem: dealloc of %d pages at %#x with only %d outstanding", count, kva, a.used))
	}
	a.used -= count
	if a.used == 0 {
		a.current = a.top
	}
}

// UsedPages implements Allocator.
func (a *EarlyAllocator) UsedPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// AvailablePages implements Allocator.
func (a *EarlyAllocator) AvailablePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int((a.current - a.base) / PageSize)
}
