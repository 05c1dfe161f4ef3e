package mem

import (
	"fmt"
	"math"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// BitmapAllocator tracks one bit per frame and serves first-fit contiguous
// runs.
type BitmapAllocator struct {
	mu sync.Mutex

	base   uint64
	frames uint32
	used   bitmap.Bitmap
}

var _ Allocator = (*BitmapAllocator)(nil)

// NewBitmapAllocator manages the frames fully contained in [start, start+size).
func NewBitmapAllocator(start, size uint64) (*BitmapAllocator, error) {
	base := alignUp(start, PageSize)
	end := alignDown(start+size, PageSize)
	if end <= base {
		return nil, fmt.Errorf("%w: region [%#x, %#x) holds no whole frame", ErrInvalidParam, start, start+size)
	}
	frames := (end - base) / PageSize
	if frames > uint64(bitmap.MaxBitEntryLimit) || frames > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d frames exceed bitmap limit", ErrInvalidParam, frames)
	}
	return &BitmapAllocator{
		base:   base,
		frames: uint32(frames),
		used:   bitmap.New(uint32(frames)),
	}, nil
}

// nextAligned returns the first frame index >= idx whose address is aligned.
func (a *BitmapAllocator) nextAligned(idx uint32, align uint64) uint32 {
	addr := alignUp(a.base+uint64(idx)*PageSize, align)
	return uint32((addr - a.base) / PageSize)
}

// AllocPages implements Allocator.
func (a *BitmapAllocator) AllocPages(count int, align uint64) (uint64, error) {
	if err := checkAllocParams(count, align); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	n := uint64(count)
	idx := a.nextAligned(0, align)
	for uint64(idx)+n <= uint64(a.frames) {
		end := idx + uint32(count)
		busy, err := a.used.FirstOne(idx)
		if err != nil || busy >= end {
			for i := idx; i < end; i++ {
				a.used.Add(i)
			}
			return a.base + uint64(idx)*PageSize, nil
		}
		idx = a.nextAligned(busy+1, align)
	}
	return 0, fmt.Errorf("%w: %d pages (align %#x), %d of %d in use",
		ErrNoMemory, count, align, a.used.GetNumOnes(), a.frames)
}

// DeallocPages implements Allocator.
func (a *BitmapAllocator) DeallocPages(kva uint64, count int) {
	if count <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if kva < a.base || kva%PageSize != 0 {
		panic(fmt.Sprintf("mem: dealloc of foreign address %#x", kva))
	}
	idx := (kva - a.base) / PageSize
	if idx+uint64(count) > uint64(a.frames) {
		panic(fmt.Sprintf("mem: dealloc [%#x, +%d pages) past end of allocator", kva, count))
	}
	a.used.ClearRange(uint32(idx), uint32(idx)+uint32(count))
}

// UsedPages implements Allocator.
func (a *BitmapAllocator) UsedPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.used.GetNumOnes())
}

// AvailablePages implements Allocator.
func (a *BitmapAllocator) AvailablePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.frames - a.used.GetNumOnes())
}
