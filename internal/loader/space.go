package loader

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/plash/internal/mem"
	"github.com/tinyrange/plash/internal/paging"
)

type frames struct {
	kva   uint64
	pages int
}

// AddressSpace is one application's page table together with the frames
// backing its segments. It is owned by exactly one application.
type AddressSpace struct {
	pt     *paging.PageTable
	window *mem.Window
	alloc  mem.Allocator

	mu       sync.Mutex
	segments []frames
}

// NewAddressSpace creates an empty page table with the kernel block mapped.
func NewAddressSpace(m *Machine, cfg Config) (*AddressSpace, error) {
	pt, err := paging.New(m.Alloc, m.Window)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{pt: pt, window: m.Window, alloc: m.Alloc}

	kernel := paging.MappedRegion{
		Virtual: hostarch.AddrRange{
			Start: hostarch.Addr(cfg.KernelBase),
			End:   hostarch.Addr(cfg.KernelBase + cfg.KernelSize),
		},
		Phys:  uint64(cfg.KernelPhys),
		Flags: paging.FlagsFromAccess(hostarch.AnyAccess) | paging.PteG,
		Block: true,
	}
	if err := pt.Map(kernel); err != nil {
		pt.Destroy()
		return nil, fmt.Errorf("map kernel block %s: %w", kernel, err)
	}
	return as, nil
}

// PageTable returns the underlying table.
func (as *AddressSpace) PageTable() *paging.PageTable { return as.pt }

// Satp returns the selector that activates this address space.
func (as *AddressSpace) Satp() uint64 { return as.pt.Satp() }

// Query translates va through this address space.
func (as *AddressSpace) Query(va uint64) (paging.Translation, error) {
	return as.pt.Query(va)
}

// Pages returns the number of frames the address space owns, table frames
// included.
func (as *AddressSpace) Pages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	n := as.pt.TableFrames()
	for _, f := range as.segments {
		n += f.pages
	}
	return n
}

// allocSegment reserves and zeroes pages for a segment span. It returns the
// kernel and physical addresses of the first frame.
func (as *AddressSpace) allocSegment(pages int) (uint64, uint64, error) {
	kva, err := as.alloc.AllocPages(pages, paging.PageSize)
	if err != nil {
		return 0, 0, err
	}
	size := uint64(pages) * paging.PageSize
	if err := as.window.Zero(kva, size); err != nil {
		as.alloc.DeallocPages(kva, pages)
		return 0, 0, err
	}
	pa, err := as.window.KernelToPhys(kva)
	if err != nil {
		as.alloc.DeallocPages(kva, pages)
		return 0, 0, err
	}

	as.mu.Lock()
	as.segments = append(as.segments, frames{kva: kva, pages: pages})
	as.mu.Unlock()
	return kva, pa, nil
}

// Destroy returns every segment frame and every table frame to the
// allocator. It is safe to call more than once.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, f := range as.segments {
		as.alloc.DeallocPages(f.kva, f.pages)
	}
	as.segments = nil
	as.pt.Destroy()
}
