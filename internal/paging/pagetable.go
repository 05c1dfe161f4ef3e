package paging

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/plash/internal/mem"
)

var (
	ErrNotMapped     = errors.New("paging: address not mapped")
	ErrAlreadyMapped = errors.New("paging: address already mapped")
	ErrInvalidFlags  = errors.New("paging: invalid permission flags")
	ErrMisaligned    = errors.New("paging: misaligned mapping")
	ErrDestroyed     = errors.New("paging: page table destroyed")
)

// Translation is the result of a successful walk.
type Translation struct {
	Phys     uint64
	Flags    Flags
	PageSize uint64
}

// MappedRegion describes one mapping request.
type MappedRegion struct {
	Virtual hostarch.AddrRange
	Phys    uint64
	Flags   Flags
	Block   bool
}

func (r MappedRegion) String() string {
	return fmt.Sprintf("[%#x, %#x) -> %#x %s", uint64(r.Virtual.Start), uint64(r.Virtual.End), r.Phys, r.Flags)
}

// PageTable is an Sv39 tree whose frames live in simulated physical memory.
//
// Every table frame, the root included, is recorded in an arena and released
// together by Destroy; intermediate frames are never freed individually.
// A PageTable is not safe for concurrent mutation.
type PageTable struct {
	alloc  mem.Allocator
	window *mem.Window

	root   uint64
	frames []uint64 // kernel addresses of every table frame, root first
}

// New allocates a zeroed root frame.
func New(alloc mem.Allocator, window *mem.Window) (*PageTable, error) {
	pt := &PageTable{
		alloc:  alloc,
		window: window,
	}
	root, err := pt.newTable()
	if err != nil {
		return nil, fmt.Errorf("paging: allocate root: %w", err)
	}
	pt.root = root
	return pt, nil
}

// Root returns the physical address of the root table.
func (pt *PageTable) Root() uint64 { return pt.root }

// Satp returns the selector that activates this table.
func (pt *PageTable) Satp() uint64 {
	return MakeSatp(SatpModeSv39, 0, pt.root)
}

// TableFrames returns the number of frames the table occupies.
func (pt *PageTable) TableFrames() int { return len(pt.frames) }

func (pt *PageTable) newTable() (uint64, error) {
	kva, err := pt.alloc.AllocPages(1, PageSize)
	if err != nil {
		return 0, err
	}
	if err := pt.window.Zero(kva, PageSize); err != nil {
		pt.alloc.DeallocPages(kva, 1)
		return 0, err
	}
	pa, err := pt.window.KernelToPhys(kva)
	if err != nil {
		pt.alloc.DeallocPages(kva, 1)
		return 0, err
	}
	pt.frames = append(pt.frames, kva)
	return pa, nil
}

// slot returns the kernel address of entry idx in the table at tablePA.
func (pt *PageTable) slot(tablePA, idx uint64) uint64 {
	return pt.window.PhysToKernel(tablePA + idx*PteSize)
}

func (pt *PageTable) read(slot uint64) (PTE, error) {
	v, err := pt.window.Read64(slot)
	return PTE(v), err
}

func (pt *PageTable) write(slot uint64, pte PTE) error {
	return pt.window.Write64(slot, uint64(pte))
}

// Map installs r. See MapRegion.
func (pt *PageTable) Map(r MappedRegion) error {
	return pt.MapRegion(uint64(r.Virtual.Start), r.Phys, uint64(r.Virtual.Length()), r.Flags, r.Block)
}

// MapRegion maps [va, va+length) to [pa, pa+length) with the given
// permissions.
//
// With block set, each gigapage of the range becomes one leaf in the root
// table and va, pa and length must be BlockSize aligned. Otherwise the range
// is split into 4 KiB leaves, allocating the middle and leaf tables on first
// use; length is rounded up to a whole page. On failure no leaf of the range
// is left behind.
func (pt *PageTable) MapRegion(va, pa, length uint64, flags Flags, block bool) error {
	if pt.root == 0 {
		return ErrDestroyed
	}
	if !flags.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidFlags, flags)
	}
	if length == 0 {
		return nil
	}

	step := uint64(PageSize)
	if block {
		step = BlockSize
	}
	if va%step != 0 || pa%step != 0 || (block && length%step != 0) {
		return fmt.Errorf("%w: va=%#x pa=%#x len=%#x step=%#x", ErrMisaligned, va, pa, length, step)
	}
	length = (length + step - 1) &^ (step - 1)
	if !Canonical(va) || !Canonical(va+length-1) {
		return fmt.Errorf("%w: [%#x, +%#x) is not canonical", ErrMisaligned, va, length)
	}

	var written []uint64
	for off := uint64(0); off < length; off += step {
		if err := pt.mapOne(va+off, pa+off, flags, block, &written); err != nil {
			pt.unwind(written)
			return err
		}
	}
	return nil
}

func (pt *PageTable) mapOne(va, pa uint64, flags Flags, block bool, written *[]uint64) error {
	var (
		slot uint64
		err  error
	)
	if block {
		slot = pt.slot(pt.root, VPN(va, BlockLevel))
	} else if slot, err = pt.walkCreate(va); err != nil {
		return err
	}
	old, err := pt.read(slot)
	if err != nil {
		return err
	}
	if old.Valid() {
		return fmt.Errorf("%w: va %#x (entry %#x)", ErrAlreadyMapped, va, uint64(old))
	}
	if err := pt.write(slot, leafPTE(pa, flags)); err != nil {
		return err
	}
	*written = append(*written, slot)
	return nil
}

// unwind clears leaves written by a failed MapRegion. Intermediate tables
// stay in the arena until Destroy.
func (pt *PageTable) unwind(slots []uint64) {
	for _, slot := range slots {
		_ = pt.write(slot, 0)
	}
}

// walkCreate returns the leaf slot for va, allocating missing tables.
func (pt *PageTable) walkCreate(va uint64) (uint64, error) {
	table := pt.root
	for level := Levels - 1; level > 0; level-- {
		slot := pt.slot(table, VPN(va, level))
		pte, err := pt.read(slot)
		if err != nil {
			return 0, err
		}
		switch {
		case pte.Valid() && pte.Leaf():
			return 0, fmt.Errorf("%w: va %#x lies inside a level-%d block", ErrAlreadyMapped, va, level)
		case pte.Valid():
			table = pte.Phys()
		default:
			next, err := pt.newTable()
			if err != nil {
				return 0, fmt.Errorf("paging: allocate level-%d table for %#x: %w", level-1, va, err)
			}
			if err := pt.write(slot, tablePTE(next)); err != nil {
				return 0, err
			}
			table = next
		}
	}
	return pt.slot(table, VPN(va, 0)), nil
}

// walk returns the slot and entry of the leaf mapping va, and its level.
func (pt *PageTable) walk(va uint64) (uint64, PTE, int, error) {
	if pt.root == 0 {
		return 0, 0, 0, ErrDestroyed
	}
	if !Canonical(va) {
		return 0, 0, 0, fmt.Errorf("%w: %#x is not canonical", ErrNotMapped, va)
	}
	table := pt.root
	for level := Levels - 1; level >= 0; level-- {
		slot := pt.slot(table, VPN(va, level))
		pte, err := pt.read(slot)
		if err != nil {
			return 0, 0, 0, err
		}
		if !pte.Valid() {
			return 0, 0, 0, fmt.Errorf("%w: %#x (level %d)", ErrNotMapped, va, level)
		}
		if pte.Leaf() {
			return slot, pte, level, nil
		}
		table = pte.Phys()
	}
	return 0, 0, 0, fmt.Errorf("%w: %#x (non-leaf entry at level 0)", ErrNotMapped, va)
}

// Query translates va. It never modifies the table.
func (pt *PageTable) Query(va uint64) (Translation, error) {
	_, pte, level, err := pt.walk(va)
	if err != nil {
		return Translation{}, err
	}
	size := LevelSize(level)
	return Translation{
		Phys:     pte.Phys()&^(size-1) | va&(size-1),
		Flags:    pte.Flags(),
		PageSize: size,
	}, nil
}

// Protect replaces the permissions of every 4 KiB leaf in [va, va+length).
func (pt *PageTable) Protect(va, length uint64, flags Flags) error {
	if !flags.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidFlags, flags)
	}
	start := va &^ (PageSize - 1)
	for addr := start; addr < va+length; addr += PageSize {
		slot, pte, level, err := pt.walk(addr)
		if err != nil {
			return err
		}
		if level != 0 {
			return fmt.Errorf("%w: cannot protect part of a level-%d block at %#x", ErrMisaligned, level, addr)
		}
		if err := pt.write(slot, leafPTE(pte.Phys(), flags)); err != nil {
			return err
		}
	}
	return nil
}

// Destroy returns every table frame to the allocator. Frames referenced by
// leaf entries belong to whoever mapped them and are not touched.
func (pt *PageTable) Destroy() {
	for _, kva := range pt.frames {
		pt.alloc.DeallocPages(kva, 1)
	}
	pt.frames = nil
	pt.root = 0
}
